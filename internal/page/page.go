// Package page implements the paged arena behind every gpumem scope.
//
// Pages are large fixed-capacity blocks of device memory, grouped by the
// kind of resource they hold and how the CPU reaches them. Resources are
// bump-allocated into the first page of their group with room; a full
// group grows by one page. Space is never reclaimed inside a live page:
// all pages are released together.
package page

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
)

// Page allocator errors.
var (
	// ErrTooLarge is returned for requests that cannot fit in an empty page.
	ErrTooLarge = errors.New("page: request larger than page capacity")

	// ErrBudgetExceeded is returned when a new page would exceed the budget.
	ErrBudgetExceeded = errors.New("page: heap budget exceeded")
)

// HeapKind is the resource class a page holds.
type HeapKind uint8

const (
	Buffers HeapKind = iota
	Textures
	numHeapKinds
)

// String returns the heap kind name.
func (k HeapKind) String() string {
	switch k {
	case Buffers:
		return "buffers"
	case Textures:
		return "textures"
	default:
		return "unknown"
	}
}

// AccessKind is how the CPU reaches a page.
type AccessKind uint8

const (
	// DeviceLocal pages have one default heap.
	DeviceLocal AccessKind = iota
	// Staged pages have one default heap plus one upload heap per frame
	// in flight. A resource uses the same offset in all of them.
	Staged
	// Upload pages have one upload heap per frame in flight.
	Upload
	numAccessKinds
)

// String returns the access kind name.
func (k AccessKind) String() string {
	switch k {
	case DeviceLocal:
		return "device-local"
	case Staged:
		return "staged"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

// Backing is the device memory of a page.
type Backing struct {
	// Device is the default heap; nil for Upload pages.
	Device backend.Heap
	// Upload holds one upload heap per frame in flight; nil for
	// DeviceLocal pages.
	Upload []backend.Heap
}

// Page is one block of a (HeapKind, AccessKind) group.
type Page struct {
	Heap   HeapKind
	Access AccessKind
	// Index is the position of the page inside its group.
	Index    int
	Capacity uint64
	// Occupied only grows until the page is released.
	Occupied uint64
	Backing  Backing
}

// Free returns the unoccupied bytes.
func (p *Page) Free() uint64 {
	return p.Capacity - p.Occupied
}

// bump reserves size bytes at an offset aligned to align.
func (p *Page) bump(size, align uint64) (uint64, bool) {
	offset := alignUp(p.Occupied, align)
	end := offset + alignUp(size, align)
	if end > p.Capacity || end < offset {
		return 0, false
	}
	p.Occupied = end
	return offset, true
}

// CreateFunc creates the backing of a new page.
type CreateFunc func(heap HeapKind, access AccessKind, index int, capacity uint64) (Backing, error)

// DestroyFunc destroys the backing of a page.
type DestroyFunc func(Backing)

// Config configures an Allocator.
type Config struct {
	// PageSize is the capacity of every page.
	PageSize uint64
	// Budget caps the device memory reserved by pages. It may be shared
	// by several allocators. Nil means unlimited.
	Budget *Budget
	// Slots is the number of upload heaps per Staged or Upload page.
	Slots int

	Create  CreateFunc
	Destroy DestroyFunc
}

// Budget is a device memory reservation limit.
type Budget struct {
	// Limit is the byte limit. Zero means unlimited.
	Limit    uint64
	reserved uint64
}

// Reserved returns the bytes currently reserved.
func (b *Budget) Reserved() uint64 { return b.reserved }

func (b *Budget) reserve(n uint64) error {
	if b.Limit > 0 && b.reserved+n > b.Limit {
		return errors.Wrapf(ErrBudgetExceeded, "%d bytes requested, %d of %d reserved", n, b.reserved, b.Limit)
	}
	b.reserved += n
	return nil
}

func (b *Budget) release(n uint64) { b.reserved -= n }

// Allocator owns the pages of one scope. It is not safe for concurrent use.
type Allocator struct {
	cfg      Config
	groups   [numHeapKinds][numAccessKinds][]*Page
	created  int
	reserved uint64
}

// New returns an empty allocator.
func New(cfg Config) *Allocator {
	return &Allocator{cfg: cfg}
}

// PageSize returns the page capacity.
func (a *Allocator) PageSize() uint64 { return a.cfg.PageSize }

// footprint is the device memory a page of the given access reserves.
func (a *Allocator) footprint(access AccessKind) uint64 {
	switch access {
	case Staged:
		return a.cfg.PageSize * uint64(1+a.cfg.Slots)
	case Upload:
		return a.cfg.PageSize * uint64(a.cfg.Slots)
	default:
		return a.cfg.PageSize
	}
}

// AllocatePage appends a new page to the (heap, access) group. Backing
// creation failures are returned as is and leave the group unchanged.
func (a *Allocator) AllocatePage(heap HeapKind, access AccessKind) (*Page, error) {
	need := a.footprint(access)
	if a.cfg.Budget != nil {
		if err := a.cfg.Budget.reserve(need); err != nil {
			return nil, errors.Wrapf(err, "%s/%s page", heap, access)
		}
	}

	group := &a.groups[heap][access]
	index := len(*group)
	backing, err := a.cfg.Create(heap, access, index, a.cfg.PageSize)
	if err != nil {
		if a.cfg.Budget != nil {
			a.cfg.Budget.release(need)
		}
		return nil, errors.Wrapf(err, "create %s/%s page %d", heap, access, index)
	}

	p := &Page{Heap: heap, Access: access, Index: index, Capacity: a.cfg.PageSize, Backing: backing}
	*group = append(*group, p)
	a.created++
	a.reserved += need
	return p, nil
}

// BumpAllocate reserves size bytes aligned to align in the first page of
// the group with room, creating a page when none has. The returned offset
// is a multiple of align.
func (a *Allocator) BumpAllocate(heap HeapKind, access AccessKind, size, align uint64) (*Page, uint64, error) {
	if size == 0 || alignUp(size, align) > a.cfg.PageSize {
		return nil, 0, errors.Wrapf(ErrTooLarge, "%d bytes (aligned to %d) in %d byte pages", size, align, a.cfg.PageSize)
	}
	for _, p := range a.groups[heap][access] {
		if off, ok := p.bump(size, align); ok {
			return p, off, nil
		}
	}
	p, err := a.AllocatePage(heap, access)
	if err != nil {
		return nil, 0, err
	}
	off, _ := p.bump(size, align)
	return p, off, nil
}

// Pages returns the pages of a group in creation order.
func (a *Allocator) Pages(heap HeapKind, access AccessKind) []*Page {
	return a.groups[heap][access]
}

// Page returns page index of a group.
func (a *Allocator) Page(heap HeapKind, access AccessKind, index int) *Page {
	return a.groups[heap][access][index]
}

// PageCount returns the number of live pages across all groups.
func (a *Allocator) PageCount() int {
	n := 0
	a.each(func(*Page) { n++ })
	return n
}

// CreatedCount returns the number of pages created since New.
func (a *Allocator) CreatedCount() int { return a.created }

// Release destroys every page. Afterwards all groups are empty.
func (a *Allocator) Release() {
	a.each(func(p *Page) {
		if a.cfg.Destroy != nil {
			a.cfg.Destroy(p.Backing)
		}
		p.Occupied = 0
		p.Backing = Backing{}
	})
	for h := range a.groups {
		for k := range a.groups[h] {
			a.groups[h][k] = nil
		}
	}
	if a.cfg.Budget != nil {
		a.cfg.Budget.release(a.reserved)
	}
	a.reserved = 0
}

func (a *Allocator) each(fn func(*Page)) {
	for h := range a.groups {
		for k := range a.groups[h] {
			for _, p := range a.groups[h][k] {
				fn(p)
			}
		}
	}
}

// Stats summarizes page usage.
type Stats struct {
	Pages         int
	CreatedPages  int
	CapacityBytes uint64
	OccupiedBytes uint64
	// ReservedBytes counts every heap, including per-slot upload heaps.
	ReservedBytes uint64
}

// Utilization returns the occupied fraction of page capacity.
func (s Stats) Utilization() float64 {
	if s.CapacityBytes == 0 {
		return 0
	}
	return float64(s.OccupiedBytes) / float64(s.CapacityBytes)
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Pages[%d live, %d created, %.1f%% occupied, %d/%d KB, %d KB reserved]",
		s.Pages, s.CreatedPages, s.Utilization()*100,
		s.OccupiedBytes/1024, s.CapacityBytes/1024, s.ReservedBytes/1024)
}

// Stats returns usage statistics.
func (a *Allocator) Stats() Stats {
	s := Stats{CreatedPages: a.created, ReservedBytes: a.reserved}
	a.each(func(p *Page) {
		s.Pages++
		s.CapacityBytes += p.Capacity
		s.OccupiedBytes += p.Occupied
	})
	return s
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
