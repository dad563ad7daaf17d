package gpumem

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
	"github.com/gogpu/gpumem/internal/descheap"
	"github.com/gogpu/gpumem/internal/fence"
	"github.com/gogpu/gpumem/internal/freelist"
	"github.com/gogpu/gpumem/internal/page"
)

// scope is the memory of one Lifetime: its pages, its resource records
// and the set of records currently handed out.
type scope struct {
	lifetime Lifetime
	pages    *page.Allocator
	records  freelist.Recycler[resource]
	live     *roaring.Bitmap
}

// Manager owns the GPU memory of one device. It is not safe for concurrent
// use: all calls must come from the goroutine that records frames.
type Manager struct {
	id     uuid.UUID
	dev    backend.Device
	cfg    Config
	limits backend.Limits

	budget   *page.Budget
	scopes   [numLifetimes]*scope
	views    *descheap.Heap
	samplers *descheap.Heap
	sync     *fence.Synchronizer

	// frame counts frames begun so far; the open frame is frame-1.
	frame     uint64
	frameOpen bool
	slot      int
	list      backend.CommandList
	// gpuBusy is set when submitted work has not been waited for.
	gpuBusy bool

	immediate     backend.CommandList
	immediateSlot int

	// pendingViews were released inside the open frame. EndFrame stamps
	// them with the fence value that follows the frame's list.
	pendingViews []pendingView

	reused int
	closed bool
}

// New creates a manager on dev. The manager does not own dev; Close
// releases every resource but leaves the device open.
func New(dev backend.Device, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		id:     uuid.New(),
		dev:    dev,
		cfg:    cfg,
		limits: dev.Limits(),
		budget: &page.Budget{Limit: cfg.budgetBytes()},
		slot:   -1,
	}

	var err error
	m.sync, err = fence.New(dev, cfg.FramesInFlight, time.Duration(cfg.FenceTimeout))
	if err != nil {
		return nil, deviceErr(err, "gpumem: create frame fence")
	}
	m.views, err = descheap.New(dev, &backend.ViewHeapDescriptor{
		Label:         "gpumem views",
		Type:          backend.ViewHeapResources,
		Capacity:      cfg.ViewHeapCapacity,
		ShaderVisible: true,
	})
	if err != nil {
		m.sync.Destroy()
		return nil, classify(err)
	}
	m.samplers, err = descheap.New(dev, &backend.ViewHeapDescriptor{
		Label:         "gpumem samplers",
		Type:          backend.ViewHeapSamplers,
		Capacity:      cfg.SamplerHeapCapacity,
		ShaderVisible: true,
	})
	if err != nil {
		m.views.Destroy()
		m.sync.Destroy()
		return nil, classify(err)
	}

	for l := range numLifetimes {
		m.scopes[l] = m.newScope(l)
	}

	attachLogger(dev)
	m.log().Info("gpumem: manager created",
		"backend", dev.Name(),
		"frames_in_flight", cfg.FramesInFlight,
		"page_size", cfg.PageSize,
		"budget_mb", cfg.BudgetMB)
	return m, nil
}

func (m *Manager) newScope(l Lifetime) *scope {
	return &scope{
		lifetime: l,
		pages: page.New(page.Config{
			PageSize: m.cfg.PageSize,
			Budget:   m.budget,
			Slots:    m.cfg.FramesInFlight,
			Create:   m.createBacking(l),
			Destroy:  m.destroyBacking,
		}),
		live: roaring.New(),
	}
}

// ID returns the manager's unique identifier.
func (m *Manager) ID() uuid.UUID { return m.id }

// Device returns the backend device.
func (m *Manager) Device() backend.Device { return m.dev }

// Config returns the configuration the manager was created with.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) log() *slog.Logger {
	return Logger().With("manager", m.id.String())
}

// createBacking returns the page creation callback of a scope.
func (m *Manager) createBacking(l Lifetime) page.CreateFunc {
	return func(heap page.HeapKind, access page.AccessKind, index int, capacity uint64) (page.Backing, error) {
		var b page.Backing
		label := fmt.Sprintf("gpumem %s/%s/%s#%d", l, heap, access, index)
		usage := backend.HeapUsageBuffers
		if heap == page.Textures {
			usage = backend.HeapUsageTextures
		}

		if access != page.Upload {
			h, err := m.dev.CreateHeap(&backend.HeapDescriptor{
				Label: label,
				Size:  capacity,
				Type:  backend.HeapTypeDefault,
				Usage: usage,
			})
			if err != nil {
				return page.Backing{}, err
			}
			b.Device = h
		}
		if access != page.DeviceLocal {
			for i := range m.cfg.FramesInFlight {
				h, err := m.dev.CreateHeap(&backend.HeapDescriptor{
					Label: fmt.Sprintf("%s@%d", label, i),
					Size:  capacity,
					Type:  backend.HeapTypeUpload,
					Usage: backend.HeapUsageBuffers,
				})
				if err != nil {
					m.destroyBacking(b)
					return page.Backing{}, err
				}
				b.Upload = append(b.Upload, h)
			}
		}

		m.log().Debug("gpumem: page created",
			"lifetime", l, "heap", heap, "access", access, "index", index, "capacity", capacity)
		if m.budget.Limit > 0 && m.budget.Reserved() > m.budget.Limit/10*9 {
			m.log().Warn("gpumem: page budget nearly exhausted",
				"reserved", m.budget.Reserved(), "limit", m.budget.Limit)
		}
		return b, nil
	}
}

func (m *Manager) destroyBacking(b page.Backing) {
	for _, h := range b.Upload {
		m.dev.DestroyHeap(h)
	}
	if b.Device != nil {
		m.dev.DestroyHeap(b.Device)
	}
}

// checkOpen panics when the manager has been closed.
func (m *Manager) checkOpen() {
	assert.That(!m.closed, "gpumem: use of closed manager")
}

// lookup resolves a handle to its live record.
func (m *Manager) lookup(h Handle) (*scope, int, *resource) {
	m.checkOpen()
	assert.That(h.Valid(), "gpumem: invalid handle")
	l := h.Lifetime()
	assert.That(l < numLifetimes, "gpumem: %s has unknown lifetime", h)
	sc := m.scopes[l]
	idx := h.index()
	st := sc.records.State(idx)
	assert.That(st == freelist.Allocated, "gpumem: %s is %s", h, st)
	assert.That(sc.records.Generation(idx)&handleGenMask == h.generation(),
		"gpumem: stale %s, record is at generation %d", h, sc.records.Generation(idx)&handleGenMask)
	return sc, idx, sc.records.Value(idx)
}

// viewHeap returns the descriptor heap of a kind.
func (m *Manager) viewHeap(k Kind) *descheap.Heap {
	if k == Sampler {
		return m.samplers
	}
	return m.views
}

// Name returns the debug name of an allocation.
func (m *Manager) Name(h Handle) string {
	_, _, r := m.lookup(h)
	return r.name
}

// AppendName appends suffix to the debug name of an allocation.
func (m *Manager) AppendName(h Handle, suffix string) {
	_, _, r := m.lookup(h)
	r.name += suffix
}

// ViewSlot returns the descriptor heap slot of an allocation. It reports
// false for vertex and index buffers, which have no view.
func (m *Manager) ViewSlot(h Handle) (uint32, bool) {
	_, _, r := m.lookup(h)
	if r.view < 0 {
		return 0, false
	}
	return r.viewSlot, true
}

// Describe returns a snapshot of an allocation.
func (m *Manager) Describe(h Handle) Descriptor {
	sc, _, r := m.lookup(h)
	d := Descriptor{
		Handle:      h,
		Name:        r.name,
		Lifetime:    sc.lifetime,
		Shape:       r.shape,
		Size:        r.size,
		Page:        -1,
		StagingPage: -1,
		ViewSlot:    -1,
	}
	if r.shape.Kind != Sampler {
		d.Page, d.Offset = r.device.page, r.device.offset
	}
	if r.shape.Dimension.IsTexture() {
		d.StagingPage, d.StagingOffset = r.staging.page, r.staging.offset
	}
	if r.view >= 0 {
		d.ViewSlot = int(r.viewSlot)
	}
	return d
}

// Release returns an allocation to its scope's free list. The handle is
// invalid afterwards. The memory stays reserved and is handed out again
// to the next request with an identical shape.
func (m *Manager) Release(h Handle) {
	sc, idx, _ := m.lookup(h)
	m.release(sc, idx)
}

func (m *Manager) release(sc *scope, idx int) {
	r := sc.records.Value(idx)
	if r.view >= 0 {
		heap := m.viewHeap(r.shape.Kind)
		if m.frameOpen {
			// The frame's list may read the view and is not submitted yet.
			heap.Release(r.view, descheap.Pending)
			m.pendingViews = append(m.pendingViews, pendingView{kind: r.shape.Kind, idx: r.view})
		} else {
			heap.Release(r.view, m.sync.Counter()+1)
		}
		r.view = -1
	}
	sc.records.Release(idx)
	sc.live.Remove(uint32(idx))
}

type pendingView struct {
	kind Kind
	idx  int
}

// retirePending stamps the views released inside the frame being closed.
// The next fence value signalled follows the frame's list in queue order.
func (m *Manager) retirePending() {
	retire := m.sync.Counter() + 1
	for _, p := range m.pendingViews {
		m.viewHeap(p.kind).Retire(p.idx, retire)
	}
	m.pendingViews = m.pendingViews[:0]
}

// Close waits for the GPU, releases every scope and the descriptor heaps.
// A frame left open is dropped without being submitted. Close is
// idempotent; the first device error is returned after all memory has
// been released.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	if m.frameOpen {
		m.log().Warn("gpumem: closing with an open frame", "frame", m.frame-1)
		_ = m.list.Close()
		m.list = nil
		m.frameOpen = false
		m.pendingViews = nil
	}
	if m.immediate != nil {
		_ = m.immediate.Close()
		m.immediate = nil
	}

	var errs error
	if err := m.waitIdle(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	for l := range numLifetimes {
		m.teardown(m.scopes[l])
	}
	m.views.Destroy()
	m.samplers.Destroy()
	m.sync.Destroy()
	detachLogger(m.dev)
	m.closed = true

	m.log().Info("gpumem: manager closed", "frames", m.frame)
	return errs
}

// Buffer returns the device-local buffer of a buffer allocation, for
// binding and for commands recorded by the caller.
func (m *Manager) Buffer(h Handle) backend.Buffer {
	_, _, r := m.lookup(h)
	p, ok := r.payload.(*bufferPayload)
	assert.That(ok, "gpumem: Buffer(%q) of %s %s", r.name, r.shape.Dimension, r.shape.Kind)
	if !ok {
		return nil
	}
	return p.buffer
}

// Texture returns the texture of a texture allocation.
func (m *Manager) Texture(h Handle) backend.Texture {
	_, _, r := m.lookup(h)
	p, ok := r.payload.(*texturePayload)
	assert.That(ok, "gpumem: Texture(%q) of %s %s", r.name, r.shape.Dimension, r.shape.Kind)
	if !ok {
		return nil
	}
	return p.texture
}

// Sampler returns the sampler object of a sampler allocation.
func (m *Manager) Sampler(h Handle) backend.Sampler {
	_, _, r := m.lookup(h)
	p, ok := r.payload.(*samplerPayload)
	assert.That(ok, "gpumem: Sampler(%q) of kind %s", r.name, r.shape.Kind)
	if !ok {
		return nil
	}
	return p.sampler
}
