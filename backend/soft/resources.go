package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/footprint"
)

// poison fills discarded memory so stale reads are visible.
const poison = 0xDD

type heap struct {
	dev       *Device
	label     string
	size      uint64
	typ       backend.HeapType
	usage     backend.HeapUsage
	data      []byte
	region    mmap.MMap
	destroyed bool
}

func (h *heap) Label() string          { return h.label }
func (h *heap) Size() uint64           { return h.size }
func (h *heap) Type() backend.HeapType { return h.typ }

func (h *heap) Mapped() []byte {
	if h.typ != backend.HeapTypeUpload {
		return nil
	}
	return h.region
}

func (h *heap) release() {
	if h.region != nil {
		_ = h.region.Unmap()
		h.region = nil
	}
	h.data = nil
	h.destroyed = true
}

type buffer struct {
	label  string
	heap   *heap
	offset uint64
	size   uint64
	state  backend.ResourceState
}

func (b *buffer) Label() string      { return b.label }
func (b *buffer) Heap() backend.Heap { return b.heap }
func (b *buffer) Offset() uint64     { return b.offset }
func (b *buffer) Size() uint64       { return b.size }
func (b *buffer) bytes() []byte      { return b.heap.data[b.offset : b.offset+b.size] }
func (b *buffer) valid() bool        { return !b.heap.destroyed }

type texture struct {
	label  string
	heap   *heap
	offset uint64
	layout footprint.Layout
	subs   [][]byte
	state  backend.ResourceState
}

func (t *texture) Label() string      { return t.label }
func (t *texture) Heap() backend.Heap { return t.heap }
func (t *texture) Offset() uint64     { return t.offset }

type sampler struct {
	label string
	desc  backend.SamplerDescriptor
}

func (s *sampler) Label() string { return s.label }

type viewHeap struct {
	label    string
	typ      backend.ViewHeapType
	capacity uint32
	views    []backend.ViewDescriptor
	written  []bool
}

func (h *viewHeap) Label() string              { return h.label }
func (h *viewHeap) Type() backend.ViewHeapType { return h.typ }
func (h *viewHeap) Capacity() uint32           { return h.capacity }

// CreateHeap allocates a heap. Upload heaps are anonymous mappings.
func (d *Device) CreateHeap(desc *backend.HeapDescriptor) (backend.Heap, error) {
	if desc.Size == 0 {
		return nil, errors.Newf("soft: heap %q has zero size", desc.Label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if d.opts.MaxHeapBytes > 0 && d.stats.LiveHeapBytes+desc.Size > d.opts.MaxHeapBytes {
		return nil, errors.Wrapf(backend.ErrOutOfMemory, "heap %q: %d bytes requested, %d of %d in use",
			desc.Label, desc.Size, d.stats.LiveHeapBytes, d.opts.MaxHeapBytes)
	}

	h := &heap{dev: d, label: desc.Label, size: desc.Size, typ: desc.Type, usage: desc.Usage}
	switch {
	case desc.Type == backend.HeapTypeUpload:
		region, err := mmap.MapRegion(nil, int(desc.Size), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "map upload heap %q", desc.Label), backend.ErrOutOfMemory)
		}
		h.region = region
		h.data = region
	case desc.Usage == backend.HeapUsageBuffers:
		h.data = make([]byte, desc.Size)
	}

	d.heaps[h] = struct{}{}
	d.stats.HeapsCreated++
	d.stats.LiveHeapBytes += desc.Size
	return h, nil
}

// DestroyHeap frees a heap. Resources placed in it become invalid.
func (d *Device) DestroyHeap(bh backend.Heap) {
	h, ok := bh.(*heap)
	if !ok || h.dev != d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.destroyed {
		return
	}
	h.release()
	delete(d.heaps, h)
	d.stats.HeapsDestroyed++
	d.stats.LiveHeapBytes -= h.size
}

func (d *Device) heap(bh backend.Heap) (*heap, error) {
	h, ok := bh.(*heap)
	if !ok || h.dev != d {
		return nil, errors.Wrapf(backend.ErrWrongObject, "heap %T", bh)
	}
	if h.destroyed {
		return nil, errors.Newf("soft: heap %q destroyed", h.label)
	}
	return h, nil
}

// CreateBuffer places a buffer in a buffer heap.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.Buffer, error) {
	h, err := d.heap(desc.Heap)
	if err != nil {
		return nil, err
	}
	if h.usage != backend.HeapUsageBuffers {
		return nil, errors.Newf("soft: buffer %q placed in %s heap %q", desc.Label, h.usage, h.label)
	}
	if desc.Size == 0 || desc.Offset+desc.Size > h.size {
		return nil, errors.Wrapf(backend.ErrOutOfRange, "buffer %q [%d, %d) in heap of %d bytes",
			desc.Label, desc.Offset, desc.Offset+desc.Size, h.size)
	}

	state := desc.InitialState
	if h.typ == backend.HeapTypeUpload {
		state = backend.StateGenericRead
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	d.stats.BuffersCreated++
	return &buffer{label: desc.Label, heap: h, offset: desc.Offset, size: desc.Size, state: state}, nil
}

// DestroyBuffer releases a placed buffer. Heap memory is untouched.
func (d *Device) DestroyBuffer(backend.Buffer) {}

// CreateTexture places a texture in a default texture heap.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.Texture, error) {
	h, err := d.heap(desc.Heap)
	if err != nil {
		return nil, err
	}
	if h.usage != backend.HeapUsageTextures || h.typ != backend.HeapTypeDefault {
		return nil, errors.Newf("soft: texture %q placed in %s %s heap %q", desc.Label, h.typ, h.usage, h.label)
	}
	layout, err := footprint.Compute(footprint.Desc{
		Dimension:          desc.Dimension,
		Width:              desc.Size.Width,
		Height:             desc.Size.Height,
		DepthOrArrayLayers: desc.Size.DepthOrArrayLayers,
		MipLevels:          desc.MipLevelCount,
		Format:             desc.Format,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "texture %q", desc.Label)
	}
	if desc.Offset+layout.TotalBytes > h.size {
		return nil, errors.Wrapf(backend.ErrOutOfRange, "texture %q [%d, %d) in heap of %d bytes",
			desc.Label, desc.Offset, desc.Offset+layout.TotalBytes, h.size)
	}

	t := &texture{
		label:  desc.Label,
		heap:   h,
		offset: desc.Offset,
		layout: layout,
		subs:   make([][]byte, len(layout.Subresources)),
		state:  desc.InitialState,
	}
	for i, s := range layout.Subresources {
		t.subs[i] = make([]byte, s.TightBytes())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	d.stats.TexturesCreated++
	return t, nil
}

// DestroyTexture releases a texture.
func (d *Device) DestroyTexture(bt backend.Texture) {
	if t, ok := bt.(*texture); ok {
		t.subs = nil
	}
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *backend.SamplerDescriptor) (backend.Sampler, error) {
	if desc.LodMaxClamp < desc.LodMinClamp {
		return nil, errors.Newf("soft: sampler %q lod range [%g, %g]", desc.Label, desc.LodMinClamp, desc.LodMaxClamp)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	d.stats.SamplersCreated++
	return &sampler{label: desc.Label, desc: *desc}, nil
}

// DestroySampler releases a sampler.
func (d *Device) DestroySampler(backend.Sampler) {}

// CreateViewHeap creates a view heap.
func (d *Device) CreateViewHeap(desc *backend.ViewHeapDescriptor) (backend.ViewHeap, error) {
	if desc.Capacity == 0 {
		return nil, errors.Newf("soft: view heap %q has zero capacity", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return &viewHeap{
		label:    desc.Label,
		typ:      desc.Type,
		capacity: desc.Capacity,
		views:    make([]backend.ViewDescriptor, desc.Capacity),
		written:  make([]bool, desc.Capacity),
	}, nil
}

// DestroyViewHeap releases a view heap.
func (d *Device) DestroyViewHeap(backend.ViewHeap) {}

// WriteView stores a view record.
func (d *Device) WriteView(bh backend.ViewHeap, slot uint32, desc *backend.ViewDescriptor) error {
	h, ok := bh.(*viewHeap)
	if !ok {
		return errors.Wrapf(backend.ErrWrongObject, "view heap %T", bh)
	}
	if slot >= h.capacity {
		return errors.Wrapf(backend.ErrOutOfRange, "view slot %d of %d", slot, h.capacity)
	}
	if (desc.Type == backend.ViewSampler) != (h.typ == backend.ViewHeapSamplers) {
		return errors.Newf("soft: %s view written to %s heap %q", desc.Type, h.typ, h.label)
	}
	h.views[slot] = *desc
	h.written[slot] = true
	return nil
}

// ViewRecord returns the view stored in slot, if any.
func ViewRecord(bh backend.ViewHeap, slot uint32) (backend.ViewDescriptor, bool) {
	h, ok := bh.(*viewHeap)
	if !ok || slot >= h.capacity || !h.written[slot] {
		return backend.ViewDescriptor{}, false
	}
	return h.views[slot], true
}

// SamplerState returns the descriptor a sampler was created with.
func SamplerState(s backend.Sampler) (backend.SamplerDescriptor, bool) {
	ss, ok := s.(*sampler)
	if !ok {
		return backend.SamplerDescriptor{}, false
	}
	return ss.desc, true
}

// ReadBuffer copies the buffer contents into dst.
func (d *Device) ReadBuffer(bb backend.Buffer, dst []byte) error {
	b, ok := bb.(*buffer)
	if !ok || b.heap.dev != d {
		return errors.Wrapf(backend.ErrWrongObject, "buffer %T", bb)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	if !b.valid() {
		return errors.Newf("soft: buffer %q read after heap destroyed", b.label)
	}
	if uint64(len(dst)) > b.size {
		return errors.Wrapf(backend.ErrOutOfRange, "read %d bytes from %q of %d", len(dst), b.label, b.size)
	}
	copy(dst, b.bytes())
	return nil
}

// ReadTexture copies one subresource, tightly packed, into dst.
func (d *Device) ReadTexture(bt backend.Texture, sub backend.Subresource, dst []byte) error {
	t, ok := bt.(*texture)
	if !ok || t.heap.dev != d {
		return errors.Wrapf(backend.ErrWrongObject, "texture %T", bt)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	if sub.MipLevel >= t.layout.MipLevels || sub.ArrayLayer >= t.layout.ArrayLayers {
		return errors.Wrapf(backend.ErrOutOfRange, "subresource %+v of %q", sub, t.label)
	}
	data := t.subs[t.layout.Index(sub.MipLevel, sub.ArrayLayer)]
	if len(dst) != len(data) {
		return errors.Wrapf(backend.ErrOutOfRange, "read %d bytes from subresource of %d", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}
