//go:build !nogpu

package native

import (
	"github.com/cockroachdb/errors"
	"github.com/edsrzf/mmap-go"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/footprint"
)

// heapBufferUsage covers every role a placed buffer can take.
const heapBufferUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageStorage |
	gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

type heap struct {
	dev    *Device
	label  string
	size   uint64
	typ    backend.HeapType
	usage  backend.HeapUsage
	buffer hal.Buffer
	// data is the CPU side of an upload heap.
	data   []byte
	region mmap.MMap
}

func (h *heap) Label() string          { return h.label }
func (h *heap) Size() uint64           { return h.size }
func (h *heap) Type() backend.HeapType { return h.typ }
func (h *heap) Mapped() []byte         { return h.data }

type buffer struct {
	label  string
	heap   *heap
	offset uint64
	size   uint64
}

func (b *buffer) Label() string      { return b.label }
func (b *buffer) Heap() backend.Heap { return b.heap }
func (b *buffer) Offset() uint64     { return b.offset }
func (b *buffer) Size() uint64       { return b.size }

type texture struct {
	label   string
	heap    *heap
	offset  uint64
	hal     hal.Texture
	dim     gputypes.TextureDimension
	layout  footprint.Layout
	state   backend.ResourceState
	written bool // false until the first barrier; contents start undefined
}

func (t *texture) Label() string      { return t.label }
func (t *texture) Heap() backend.Heap { return t.heap }
func (t *texture) Offset() uint64     { return t.offset }

type sampler struct {
	label string
	hal   hal.Sampler
	desc  backend.SamplerDescriptor
}

func (s *sampler) Label() string { return s.label }

type viewHeap struct {
	label    string
	typ      backend.ViewHeapType
	capacity uint32
	records  []backend.ViewDescriptor
}

func (h *viewHeap) Label() string              { return h.label }
func (h *viewHeap) Type() backend.ViewHeapType { return h.typ }
func (h *viewHeap) Capacity() uint32           { return h.capacity }

// CreateHeap allocates a heap. Buffer heaps get one hal buffer; upload
// heaps also get an anonymous mapping for CPU writes.
func (d *Device) CreateHeap(desc *backend.HeapDescriptor) (backend.Heap, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	if desc.Size == 0 {
		return nil, errors.Newf("native: heap %q has zero size", desc.Label)
	}
	h := &heap{dev: d, label: desc.Label, size: desc.Size, typ: desc.Type, usage: desc.Usage}
	if desc.Usage == backend.HeapUsageTextures {
		return h, nil
	}
	if d.limits.MaxBufferSize > 0 && desc.Size > d.limits.MaxBufferSize {
		return nil, errors.Wrapf(backend.ErrOutOfMemory, "heap %q: %d bytes, max buffer %d", desc.Label, desc.Size, d.limits.MaxBufferSize)
	}

	var err error
	h.buffer, err = d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: heapBufferUsage,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "native: create heap %q", desc.Label), backend.ErrOutOfMemory)
	}
	if desc.Type == backend.HeapTypeUpload {
		h.region, err = mmap.MapRegion(nil, int(desc.Size), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			d.device.DestroyBuffer(h.buffer)
			return nil, errors.Mark(errors.Wrapf(err, "map upload heap %q", desc.Label), backend.ErrOutOfMemory)
		}
		h.data = h.region
	}
	return h, nil
}

// DestroyHeap frees a heap. Resources placed in it become invalid.
func (d *Device) DestroyHeap(bh backend.Heap) {
	h, ok := bh.(*heap)
	if !ok || h.dev != d {
		return
	}
	if h.buffer != nil {
		d.device.DestroyBuffer(h.buffer)
		h.buffer = nil
	}
	if h.region != nil {
		if err := h.region.Unmap(); err != nil {
			d.log.Warn("native: unmap upload heap", "heap", h.label, "err", err)
		}
		h.region, h.data = nil, nil
	}
}

func (d *Device) heap(bh backend.Heap, usage backend.HeapUsage, offset, size uint64) (*heap, error) {
	h, ok := bh.(*heap)
	if !ok || h.dev != d {
		return nil, errors.Wrapf(backend.ErrWrongObject, "heap %T", bh)
	}
	if h.usage != usage {
		return nil, errors.Newf("native: heap %q holds %s", h.label, h.usage)
	}
	if offset+size > h.size {
		return nil, errors.Wrapf(backend.ErrOutOfRange, "%d bytes at %d in heap %q of %d", size, offset, h.label, h.size)
	}
	return h, nil
}

// CreateBuffer places a buffer as a range of its heap's hal buffer.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.Buffer, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	h, err := d.heap(desc.Heap, backend.HeapUsageBuffers, desc.Offset, desc.Size)
	if err != nil {
		return nil, err
	}
	return &buffer{label: desc.Label, heap: h, offset: desc.Offset, size: desc.Size}, nil
}

// DestroyBuffer is a no-op; the heap owns the memory.
func (d *Device) DestroyBuffer(backend.Buffer) {}

// CreateTexture creates a hal texture and accounts it to its heap.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.Texture, error) {
	if d.lost != nil {
		return nil, d.lost
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
		return nil, errors.Wrapf(err, "native: texture %q", desc.Label)
	}
	h, err := d.heap(desc.Heap, backend.HeapUsageTextures, desc.Offset, layout.TotalBytes)
	if err != nil {
		return nil, err
	}
	t, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Size.Width,
			Height:             desc.Size.Height,
			DepthOrArrayLayers: desc.Size.DepthOrArrayLayers,
		},
		MipLevelCount: desc.MipLevelCount,
		SampleCount:   1,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "native: create texture %q", desc.Label), backend.ErrOutOfMemory)
	}
	return &texture{label: desc.Label, heap: h, offset: desc.Offset, hal: t, dim: desc.Dimension, layout: layout, state: desc.InitialState}, nil
}

// DestroyTexture destroys the hal texture.
func (d *Device) DestroyTexture(bt backend.Texture) {
	if t, ok := bt.(*texture); ok && t.hal != nil {
		d.device.DestroyTexture(t.hal)
		t.hal = nil
	}
}

// CreateSampler creates a hal sampler. WebGPU has no border addressing;
// clamp-to-border falls back to clamp-to-edge.
func (d *Device) CreateSampler(desc *backend.SamplerDescriptor) (backend.Sampler, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	s, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: addressMode(desc.AddressModeU),
		AddressModeV: addressMode(desc.AddressModeV),
		AddressModeW: addressMode(desc.AddressModeW),
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "native: create sampler %q", desc.Label)
	}
	return &sampler{label: desc.Label, hal: s, desc: *desc}, nil
}

func addressMode(m backend.AddressMode) gputypes.AddressMode {
	switch m {
	case backend.AddressRepeat:
		return gputypes.AddressModeRepeat
	case backend.AddressMirrorRepeat:
		return gputypes.AddressModeMirrorRepeat
	default:
		return gputypes.AddressModeClampToEdge
	}
}

// DestroySampler destroys the hal sampler.
func (d *Device) DestroySampler(bs backend.Sampler) {
	if s, ok := bs.(*sampler); ok && s.hal != nil {
		d.device.DestroySampler(s.hal)
		s.hal = nil
	}
}

// CreateViewHeap creates a CPU view table.
func (d *Device) CreateViewHeap(desc *backend.ViewHeapDescriptor) (backend.ViewHeap, error) {
	if desc.Capacity == 0 {
		return nil, errors.Newf("native: view heap %q has zero capacity", desc.Label)
	}
	return &viewHeap{
		label:    desc.Label,
		typ:      desc.Type,
		capacity: desc.Capacity,
		records:  make([]backend.ViewDescriptor, desc.Capacity),
	}, nil
}

// DestroyViewHeap is a no-op.
func (d *Device) DestroyViewHeap(backend.ViewHeap) {}

// WriteView stores a view record.
func (d *Device) WriteView(bh backend.ViewHeap, slot uint32, desc *backend.ViewDescriptor) error {
	h, ok := bh.(*viewHeap)
	if !ok {
		return errors.Wrapf(backend.ErrWrongObject, "view heap %T", bh)
	}
	if slot >= h.capacity {
		return errors.Wrapf(backend.ErrOutOfRange, "slot %d of view heap %q with %d slots", slot, h.label, h.capacity)
	}
	if (desc.Type == backend.ViewSampler) != (h.typ == backend.ViewHeapSamplers) {
		return errors.Newf("native: %s view in %s heap %q", desc.Type, h.typ, h.label)
	}
	h.records[slot] = *desc
	return nil
}

// ViewRecord returns the record in slot of a native view heap.
func ViewRecord(bh backend.ViewHeap, slot uint32) (backend.ViewDescriptor, bool) {
	h, ok := bh.(*viewHeap)
	if !ok || slot >= h.capacity {
		return backend.ViewDescriptor{}, false
	}
	return h.records[slot], true
}

// ReadBuffer copies the buffer into a mappable staging buffer and reads it
// back. It waits for every submission first.
func (d *Device) ReadBuffer(bb backend.Buffer, dst []byte) error {
	b, ok := bb.(*buffer)
	if !ok || b.heap.dev != d {
		return errors.Wrapf(backend.ErrWrongObject, "buffer %T", bb)
	}
	if uint64(len(dst)) > b.size {
		return errors.Wrapf(backend.ErrOutOfRange, "read %d bytes from %q of %d", len(dst), b.label, b.size)
	}
	if b.heap.typ == backend.HeapTypeUpload {
		copy(dst, b.heap.data[b.offset:])
		return nil
	}
	size := alignUp(uint64(len(dst)), 4)
	return d.readback(b.label, size, dst, func(enc hal.CommandEncoder, staging hal.Buffer) {
		enc.CopyBufferToBuffer(b.heap.buffer, staging, []hal.BufferCopy{
			{SrcOffset: b.offset, DstOffset: 0, Size: size},
		})
	}, func(raw []byte) { copy(dst, raw) })
}

// ReadTexture reads one subresource back, tightly packed.
func (d *Device) ReadTexture(bt backend.Texture, sub backend.Subresource, dst []byte) error {
	t, ok := bt.(*texture)
	if !ok || t.heap.dev != d {
		return errors.Wrapf(backend.ErrWrongObject, "texture %T", bt)
	}
	if sub.MipLevel >= t.layout.MipLevels || sub.ArrayLayer >= t.layout.ArrayLayers {
		return errors.Wrapf(backend.ErrOutOfRange, "subresource %+v of %q", sub, t.label)
	}
	s := t.layout.Subresources[t.layout.Index(sub.MipLevel, sub.ArrayLayer)]
	if uint64(len(dst)) != s.TightBytes() {
		return errors.Wrapf(backend.ErrOutOfRange, "read %d bytes from subresource of %d", len(dst), s.TightBytes())
	}

	pitch := uint32(alignUp(uint64(s.RowSize), footprint.RowPitchAlignment))
	size := uint64(pitch) * uint64(s.RowCount) * uint64(s.Depth)
	state := t.state
	return d.readback(t.label, size, dst, func(enc hal.CommandEncoder, staging hal.Buffer) {
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: t.hal,
			Usage:   hal.TextureUsageTransition{OldUsage: textureUsage(state), NewUsage: gputypes.TextureUsageCopySrc},
		}})
		enc.CopyTextureToBuffer(t.hal, staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: s.RowCount},
			TextureBase: hal.ImageCopyTexture{
				Texture:  t.hal,
				MipLevel: sub.MipLevel,
				Origin:   hal.Origin3D{Z: layerOrigin(t, sub.ArrayLayer)},
			},
			Size: hal.Extent3D{Width: s.Width, Height: s.Height, DepthOrArrayLayers: s.Depth},
		}})
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: t.hal,
			Usage:   hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageCopySrc, NewUsage: textureUsage(state)},
		}})
	}, func(raw []byte) {
		for line := uint64(0); line < uint64(s.RowCount)*uint64(s.Depth); line++ {
			copy(dst[line*uint64(s.RowSize):], raw[line*uint64(pitch):line*uint64(pitch)+uint64(s.RowSize)])
		}
	})
}

// readback runs record into a fresh staging buffer of size bytes,
// submits it after all pending work, waits and hands the bytes to unpack.
func (d *Device) readback(label string, size uint64, dst []byte, record func(hal.CommandEncoder, hal.Buffer), unpack func([]byte)) error {
	if d.lost != nil {
		return d.lost
	}
	if len(dst) == 0 {
		return nil
	}
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label + " readback",
		Size:  size,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		return errors.Wrapf(err, "native: create readback buffer for %q", label)
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + " readback"})
	if err != nil {
		return errors.Wrap(err, "native: create readback encoder")
	}
	if err := enc.BeginEncoding(label + " readback"); err != nil {
		return errors.Wrap(err, "native: begin readback encoding")
	}
	record(enc, staging)
	cmd, err := enc.EndEncoding()
	if err != nil {
		return errors.Wrap(err, "native: end readback encoding")
	}
	d.submitted++
	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, d.submitFence, d.submitted); err != nil {
		d.device.FreeCommandBuffer(cmd)
		return d.lose(errors.Wrap(err, "submit readback"))
	}
	d.inflight = append(d.inflight, submission{value: d.submitted, cmds: []hal.CommandBuffer{cmd}})
	if err := d.idle(); err != nil {
		return err
	}

	raw := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, raw); err != nil {
		return errors.Wrapf(err, "native: read back %q", label)
	}
	unpack(raw)
	return nil
}

// layerOrigin is the z origin of an array layer; 3D textures have one.
func layerOrigin(t *texture, layer uint32) uint32 {
	if t.dim == gputypes.TextureDimension3D {
		return 0
	}
	return layer
}

// textureUsage maps a resource state to the hal usage of its layout.
func textureUsage(s backend.ResourceState) gputypes.TextureUsage {
	switch s {
	case backend.StateCopyDest:
		return gputypes.TextureUsageCopyDst
	case backend.StateCopySource:
		return gputypes.TextureUsageCopySrc
	case backend.StateShaderResource:
		return gputypes.TextureUsageTextureBinding
	case backend.StateUnorderedAccess:
		return gputypes.TextureUsageStorageBinding
	default:
		return gputypes.TextureUsage(0)
	}
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
