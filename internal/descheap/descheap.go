// Package descheap allocates slots in a fixed-capacity view heap.
//
// Entries are recycled the way resources are: each entry is keyed by its
// view layout, released entries go onto a free stack, and a request for a
// layout scans that stack before taking fresh slots from the heap. Fresh
// slots are handed out in order; the heap never compacts.
//
// Writing a view takes effect immediately, not in queue order, so a
// released entry carries the fence value after which the GPU no longer
// reads it. Acquire only recycles entries whose value has completed.
package descheap

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
	"github.com/gogpu/gpumem/internal/freelist"
)

// ErrHeapFull is returned when no slots are left for a new entry.
var ErrHeapFull = errors.New("descheap: view heap full")

// Pending is a retire value that never completes. An entry released with
// it stays out of reuse until Retire stamps its real value.
const Pending uint64 = math.MaxUint64

// Visibility is the set of shader stages a view is visible to.
type Visibility uint8

const (
	VisibilityVertex Visibility = 1 << iota
	VisibilityFragment
	VisibilityCompute

	VisibilityAll = VisibilityVertex | VisibilityFragment | VisibilityCompute
)

// Layout is the recycling key of an entry.
type Layout struct {
	Type       backend.ViewType
	Count      uint32
	Visibility Visibility
}

func (l Layout) key() freelist.Key {
	var b [6]byte
	b[0] = byte(l.Type)
	binary.LittleEndian.PutUint32(b[1:5], l.Count)
	b[5] = byte(l.Visibility)
	return freelist.MakeKey(b[:])
}

type entry struct {
	slot   uint32
	count  uint32
	owner  uint64
	retire uint64
}

// Heap hands out view slots of one backend.ViewHeap.
type Heap struct {
	dev     backend.Device
	heap    backend.ViewHeap
	next    uint32
	entries freelist.Recycler[entry]
}

// New creates the backing view heap.
func New(dev backend.Device, desc *backend.ViewHeapDescriptor) (*Heap, error) {
	vh, err := dev.CreateViewHeap(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "create view heap %q", desc.Label)
	}
	return &Heap{dev: dev, heap: vh}, nil
}

// ViewHeap returns the backing heap.
func (h *Heap) ViewHeap() backend.ViewHeap { return h.heap }

// Acquire returns an entry for layout owned by owner and writes view into
// its first slot. Released entries whose retire value is at most completed
// are recycled; a recycled entry keeps its slots and is rewritten.
//
// Acquire never waits. When the heap has no fresh slots left it returns
// ErrHeapFull even if released entries of the same layout are only waiting
// for their fence; the caller may wait for the GPU and retry.
func (h *Heap) Acquire(layout Layout, owner uint64, view *backend.ViewDescriptor, completed uint64) (idx int, slot uint32, err error) {
	if layout.Count == 0 {
		layout.Count = 1
	}
	idx, newly := h.entries.FindOrAllocate(layout.key(), func(i int) bool {
		return h.entries.Value(i).retire <= completed
	})
	e := h.entries.Value(idx)
	if newly {
		if h.next+layout.Count > h.heap.Capacity() {
			h.entries.Discard(idx)
			return -1, 0, errors.Wrapf(ErrHeapFull, "%s heap %q: %d of %d slots used, %d requested",
				h.heap.Type(), h.heap.Label(), h.next, h.heap.Capacity(), layout.Count)
		}
		e.slot = h.next
		e.count = layout.Count
		h.next += layout.Count
	}
	e.owner = owner
	e.retire = 0

	if err := h.dev.WriteView(h.heap, e.slot, view); err != nil {
		e.owner = 0
		h.entries.Release(idx)
		return -1, 0, errors.Wrapf(err, "write %s view at slot %d", view.Type, e.slot)
	}
	return idx, e.slot, nil
}

// Release returns an entry to the free stack and unlinks its owner. The
// entry is not rewritten before fence value retire has completed.
func (h *Heap) Release(idx int, retire uint64) {
	h.entries.Release(idx)
	e := h.entries.Value(idx)
	e.owner = 0
	e.retire = retire
}

// Retire replaces the retire value of a released entry.
func (h *Heap) Retire(idx int, retire uint64) {
	st := h.entries.State(idx)
	assert.That(st == freelist.InFreeList, "descheap: retire of entry %d in state %s", idx, st)
	h.entries.Value(idx).retire = retire
}

// Slot returns the first slot of an entry.
func (h *Heap) Slot(idx int) uint32 { return h.entries.Value(idx).slot }

// Owner returns the owner of an entry, zero when it is free.
func (h *Heap) Owner(idx int) uint64 { return h.entries.Value(idx).owner }

// State returns the allocation state of an entry.
func (h *Heap) State(idx int) freelist.State { return h.entries.State(idx) }

// Used returns the number of slots handed out so far.
func (h *Heap) Used() uint32 { return h.next }

// Capacity returns the slot capacity.
func (h *Heap) Capacity() uint32 { return h.heap.Capacity() }

// Live returns the number of entries currently acquired.
func (h *Heap) Live() int { return h.entries.Len() - h.entries.FreeLen() }

// FreeLen returns the number of recycled entries waiting for reuse.
func (h *Heap) FreeLen() int { return h.entries.FreeLen() }

// Reset forgets every entry and rewinds the slot cursor. Views already
// written stay in the backend heap until overwritten.
func (h *Heap) Reset() {
	h.entries.Reset()
	h.next = 0
}

// Destroy releases the backing heap.
func (h *Heap) Destroy() {
	h.Reset()
	if h.heap != nil {
		h.dev.DestroyViewHeap(h.heap)
		h.heap = nil
	}
}
