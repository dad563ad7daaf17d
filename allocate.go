package gpumem

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/descheap"
	"github.com/gogpu/gpumem/internal/footprint"
	"github.com/gogpu/gpumem/internal/page"
)

// constantBufferAlignment is the size granularity of constant buffer views.
const constantBufferAlignment = 256

// AllocateVertexBuffer allocates count vertices of stride bytes.
func (m *Manager) AllocateVertexBuffer(count, stride uint32, lifetime Lifetime, name string) (Handle, error) {
	return m.Allocate(Shape{
		Kind:      VertexBuffer,
		Dimension: DimensionBuffer,
		Size:      uint64(count) * uint64(stride),
		Stride:    stride,
	}, lifetime, name)
}

// AllocateIndexBuffer allocates count indices of the given format.
func (m *Manager) AllocateIndexBuffer(count uint32, format gputypes.IndexFormat, lifetime Lifetime, name string) (Handle, error) {
	var stride uint32
	switch format {
	case gputypes.IndexFormatUint16:
		stride = 2
	case gputypes.IndexFormatUint32:
		stride = 4
	default:
		return 0, configErr(ErrUnsupportedFormat, "index buffer %q: index format %v", name, format)
	}
	return m.Allocate(Shape{
		Kind:        IndexBuffer,
		Dimension:   DimensionBuffer,
		Size:        uint64(count) * uint64(stride),
		Stride:      stride,
		IndexFormat: format,
	}, lifetime, name)
}

// AllocateConstantBuffer allocates a constant buffer of size bytes. Its
// view covers size rounded up to 256 bytes.
func (m *Manager) AllocateConstantBuffer(size uint64, lifetime Lifetime, name string) (Handle, error) {
	return m.Allocate(Shape{Kind: ConstantBuffer, Dimension: DimensionBuffer, Size: size}, lifetime, name)
}

// AllocateShaderReadBuffer allocates a read-only structured buffer.
func (m *Manager) AllocateShaderReadBuffer(count, stride uint32, lifetime Lifetime, name string) (Handle, error) {
	return m.Allocate(Shape{
		Kind:      ShaderRead,
		Dimension: DimensionBuffer,
		Size:      uint64(count) * uint64(stride),
		Stride:    stride,
	}, lifetime, name)
}

// AllocateUnorderedAccessBuffer allocates a read-write structured buffer.
func (m *Manager) AllocateUnorderedAccessBuffer(count, stride uint32, lifetime Lifetime, name string) (Handle, error) {
	return m.Allocate(Shape{
		Kind:      UnorderedAccess,
		Dimension: DimensionBuffer,
		Size:      uint64(count) * uint64(stride),
		Stride:    stride,
	}, lifetime, name)
}

// TextureDesc describes a texture allocation. MipLevels 0 means a full
// mip chain.
type TextureDesc struct {
	Dimension     Dimension
	Width         uint32
	Height        uint32
	DepthOrLayers uint32
	MipLevels     uint32
	Format        gputypes.TextureFormat
	// UnorderedAccess makes the texture writable from shaders.
	UnorderedAccess bool
}

// AllocateTexture allocates a texture.
func (m *Manager) AllocateTexture(desc TextureDesc, lifetime Lifetime, name string) (Handle, error) {
	kind := ShaderRead
	if desc.UnorderedAccess {
		kind = UnorderedAccess
	}
	s := Shape{
		Kind:          kind,
		Dimension:     desc.Dimension,
		Width:         desc.Width,
		Height:        desc.Height,
		DepthOrLayers: desc.DepthOrLayers,
		MipLevels:     desc.MipLevels,
		Format:        desc.Format,
	}
	if s.MipLevels == 0 {
		depth := uint32(1)
		if s.Dimension == Dimension3D {
			depth = s.DepthOrLayers
		}
		s.MipLevels = footprint.MaxMipLevels(s.Width, s.Height, depth)
	}
	return m.Allocate(s, lifetime, name)
}

// AllocateTexture1D allocates a 1D texture.
func (m *Manager) AllocateTexture1D(width, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: Dimension1D, Width: width, Height: 1, DepthOrLayers: 1, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTexture1DArray allocates an array of 1D textures.
func (m *Manager) AllocateTexture1DArray(width, layers, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: Dimension1DArray, Width: width, Height: 1, DepthOrLayers: layers, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTexture2D allocates a 2D texture.
func (m *Manager) AllocateTexture2D(width, height, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: Dimension2D, Width: width, Height: height, DepthOrLayers: 1, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTexture2DArray allocates an array of 2D textures.
func (m *Manager) AllocateTexture2DArray(width, height, layers, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: Dimension2DArray, Width: width, Height: height, DepthOrLayers: layers, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTexture3D allocates a volume texture.
func (m *Manager) AllocateTexture3D(width, height, depth, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: Dimension3D, Width: width, Height: height, DepthOrLayers: depth, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTextureCube allocates a cube map of six square faces.
func (m *Manager) AllocateTextureCube(size, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: DimensionCube, Width: size, Height: size, DepthOrLayers: 6, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateTextureCubeArray allocates an array of cube maps.
func (m *Manager) AllocateTextureCubeArray(size, cubes, mips uint32, format gputypes.TextureFormat, lifetime Lifetime, name string) (Handle, error) {
	return m.AllocateTexture(TextureDesc{Dimension: DimensionCubeArray, Width: size, Height: size, DepthOrLayers: 6 * cubes, MipLevels: mips, Format: format}, lifetime, name)
}

// AllocateSampler allocates a sampler with linear filtering.
func (m *Manager) AllocateSampler(mode backend.AddressMode, border backend.BorderColor, minLOD, maxLOD float32, lifetime Lifetime) (Handle, error) {
	return m.AllocateSamplerDesc(SamplerDesc{
		AddressU:  mode,
		AddressV:  mode,
		AddressW:  mode,
		MinFilter: gputypes.FilterModeLinear,
		MagFilter: gputypes.FilterModeLinear,
		MipFilter: gputypes.FilterModeLinear,
		Border:    border,
		MinLOD:    minLOD,
		MaxLOD:    maxLOD,
	}, lifetime)
}

// AllocateSamplerDesc allocates a sampler.
func (m *Manager) AllocateSamplerDesc(desc SamplerDesc, lifetime Lifetime) (Handle, error) {
	return m.Allocate(Shape{Kind: Sampler, Dimension: DimensionSampler, Sampler: desc}, lifetime, "sampler")
}

// Allocate returns a resource of the given shape. A released resource of
// an identical shape in the same scope is reused when one is eligible;
// otherwise memory is bump-allocated from the scope's pages.
//
// A resource written by SetData in the open frame is not reused before
// the frame ends: its staging memory has a pending copy.
func (m *Manager) Allocate(s Shape, lifetime Lifetime, name string) (Handle, error) {
	m.checkOpen()
	if lifetime >= numLifetimes {
		return 0, configErr(ErrInvalidConfig, "%q: unknown lifetime %d", name, lifetime)
	}
	size, err := m.validate(s, name)
	if err != nil {
		m.log().Error("gpumem: allocation rejected", "name", name, "shape", s.String(), "kind", "configuration", "err", err)
		return 0, err
	}

	sc := m.scopes[lifetime]
	idx, newly := sc.records.FindOrAllocate(s.key(), func(i int) bool {
		return !m.frameOpen || sc.records.Value(i).writeFrame != m.frame
	})
	r := sc.records.Value(idx)

	r.name = name
	if newly {
		r.shape = s
		r.size = size
		r.view = -1
		if err := m.create(sc, r); err != nil {
			if r.payload != nil {
				r.payload.destroy(m.dev)
			}
			sc.records.Discard(idx)
			err = classify(err)
			m.log().Error("gpumem: allocation failed", "name", name, "shape", s.String(), "kind", errKind(err), "err", err)
			return 0, err
		}
	} else {
		m.reused++
	}

	h := makeHandle(lifetime, sc.records.Generation(idx), idx)
	if vt, ok := s.Kind.viewType(); ok {
		heap := m.viewHeap(s.Kind)
		view, slot, err := heap.Acquire(descheap.Layout{Type: vt, Count: 1, Visibility: descheap.VisibilityAll},
			uint64(h), m.viewDescriptor(vt, r), m.sync.Completed())
		if err != nil {
			m.release(sc, idx)
			err = classify(err)
			m.log().Warn("gpumem: descriptor heap exhausted", "name", name, "err", err)
			return 0, err
		}
		r = sc.records.Value(idx)
		r.view, r.viewSlot = view, slot
	}
	sc.live.Add(uint32(idx))
	return h, nil
}

// validate checks a shape against the device limits and returns the byte
// size SetData will expect.
func (m *Manager) validate(s Shape, name string) (uint64, error) {
	lim := m.limits
	switch {
	case s.Dimension == DimensionBuffer:
		if s.Kind == Sampler {
			return 0, configErr(ErrInvalidConfig, "%q: sampler with buffer dimension", name)
		}
		if s.Size == 0 {
			return 0, configErr(ErrZeroSize, "%s %q", s.Kind, name)
		}
		if lim.MaxBufferSize > 0 && s.Size > lim.MaxBufferSize {
			return 0, configErr(ErrExceedsDeviceLimits, "%s %q: %d bytes, max %d", s.Kind, name, s.Size, lim.MaxBufferSize)
		}
		return s.Size, nil

	case s.Dimension.IsTexture():
		if s.Kind != ShaderRead && s.Kind != UnorderedAccess {
			return 0, configErr(ErrInvalidConfig, "texture %q of kind %s", name, s.Kind)
		}
		if s.Width == 0 || s.Height == 0 || s.DepthOrLayers == 0 || s.MipLevels == 0 {
			return 0, configErr(ErrZeroSize, "texture %q %dx%dx%d, %d mips", name, s.Width, s.Height, s.DepthOrLayers, s.MipLevels)
		}
		if err := m.checkTextureLimits(s); err != nil {
			return 0, configErr(err, "texture %q", name)
		}
		layout, err := footprint.Compute(s.footprintDesc())
		if err != nil {
			return 0, configErr(err, "texture %q", name)
		}
		return layout.TightBytes, nil

	case s.Dimension == DimensionSampler:
		if s.Kind != Sampler {
			return 0, configErr(ErrInvalidConfig, "%q: %s with sampler dimension", name, s.Kind)
		}
		if s.Sampler.MaxLOD < s.Sampler.MinLOD {
			return 0, configErr(ErrInvalidConfig, "sampler lod range [%g, %g]", s.Sampler.MinLOD, s.Sampler.MaxLOD)
		}
		return 0, nil
	}
	return 0, configErr(ErrInvalidConfig, "%q: unknown dimension %d", name, s.Dimension)
}

func (m *Manager) checkTextureLimits(s Shape) error {
	lim := m.limits
	var maxExtent, extent uint32
	switch s.Dimension {
	case Dimension1D, Dimension1DArray:
		maxExtent, extent = lim.MaxTextureDimension1D, s.Width
		if s.Height != 1 {
			return errors.Wrapf(ErrExceedsDeviceLimits, "1D texture with height %d", s.Height)
		}
	case Dimension3D:
		maxExtent, extent = lim.MaxTextureDimension3D, max(s.Width, s.Height, s.DepthOrLayers)
	default:
		maxExtent, extent = lim.MaxTextureDimension2D, max(s.Width, s.Height)
	}
	if maxExtent > 0 && extent > maxExtent {
		return errors.Wrapf(ErrExceedsDeviceLimits, "%s extent %d, max %d", s.Dimension, extent, maxExtent)
	}
	if s.Dimension != Dimension3D && lim.MaxTextureArrayLayers > 0 && s.DepthOrLayers > lim.MaxTextureArrayLayers {
		return errors.Wrapf(ErrExceedsDeviceLimits, "%d layers, max %d", s.DepthOrLayers, lim.MaxTextureArrayLayers)
	}
	switch s.Dimension {
	case Dimension1D, Dimension2D:
		if s.DepthOrLayers != 1 {
			return errors.Wrapf(ErrExceedsDeviceLimits, "%s texture with %d layers", s.Dimension, s.DepthOrLayers)
		}
	case DimensionCube, DimensionCubeArray:
		if s.Width != s.Height || s.DepthOrLayers%6 != 0 || (s.Dimension == DimensionCube && s.DepthOrLayers != 6) {
			return errors.Wrapf(ErrExceedsDeviceLimits, "cube %dx%d with %d faces", s.Width, s.Height, s.DepthOrLayers)
		}
	}
	depth := uint32(1)
	if s.Dimension == Dimension3D {
		depth = s.DepthOrLayers
	}
	if s.MipLevels > footprint.MaxMipLevels(s.Width, s.Height, depth) {
		return errors.Wrapf(ErrExceedsDeviceLimits, "%d mips for %dx%dx%d", s.MipLevels, s.Width, s.Height, depth)
	}
	return nil
}

func (s Shape) footprintDesc() footprint.Desc {
	return footprint.Desc{
		Dimension:          s.Dimension.textureDimension(),
		Width:              s.Width,
		Height:             s.Height,
		DepthOrArrayLayers: s.DepthOrLayers,
		MipLevels:          s.MipLevels,
		Format:             s.Format,
	}
}

// create places the backend objects of a fresh record.
func (m *Manager) create(sc *scope, r *resource) error {
	switch {
	case r.shape.Kind == Sampler:
		return m.createSampler(r)
	case r.shape.Dimension.IsTexture():
		return m.createTexture(sc, r)
	default:
		return m.createBuffer(sc, r)
	}
}

func (m *Manager) createBuffer(sc *scope, r *resource) error {
	pg, off, err := sc.pages.BumpAllocate(page.Buffers, page.Staged, r.size, m.cfg.Alignment)
	if err != nil {
		return err
	}
	r.device = placement{heap: page.Buffers, access: page.Staged, page: pg.Index, offset: off}
	r.staging = r.device

	// Constant buffer views cover whole 256 byte blocks; the bump
	// allocation already reserved them.
	size := r.size
	if r.shape.Kind == ConstantBuffer {
		size = alignUp(size, constantBufferAlignment)
	}

	p := &bufferPayload{}
	r.payload = p
	p.buffer, err = m.dev.CreateBuffer(&backend.BufferDescriptor{
		Label:        r.name,
		Heap:         pg.Backing.Device,
		Offset:       off,
		Size:         size,
		Usage:        r.shape.Kind.bufferUsage(),
		InitialState: r.shape.Kind.steadyState(),
	})
	if err != nil {
		return errors.Wrapf(err, "create %s", r.shape.Kind)
	}
	p.staging, p.mapped, err = m.createStaging(r.name, pg, off, r.size)
	return err
}

func (m *Manager) createTexture(sc *scope, r *resource) error {
	s := r.shape
	layout, err := footprint.Compute(s.footprintDesc())
	if err != nil {
		return err
	}
	align := m.cfg.textureAlignment()

	pg, off, err := sc.pages.BumpAllocate(page.Textures, page.DeviceLocal, layout.TotalBytes, align)
	if err != nil {
		return err
	}
	r.device = placement{heap: page.Textures, access: page.DeviceLocal, page: pg.Index, offset: off}

	spg, soff, err := sc.pages.BumpAllocate(page.Buffers, page.Upload, layout.TotalBytes, align)
	if err != nil {
		return err
	}
	r.staging = placement{heap: page.Buffers, access: page.Upload, page: spg.Index, offset: soff}

	p := &texturePayload{layout: layout}
	r.payload = p
	p.texture, err = m.dev.CreateTexture(&backend.TextureDescriptor{
		Label:     r.name,
		Heap:      pg.Backing.Device,
		Offset:    off,
		Dimension: s.Dimension.textureDimension(),
		Size: gputypes.Extent3D{
			Width:              s.Width,
			Height:             s.Height,
			DepthOrArrayLayers: s.DepthOrLayers,
		},
		MipLevelCount: s.MipLevels,
		Format:        s.Format,
		Usage:         s.Kind.textureUsage(),
		InitialState:  s.Kind.steadyState(),
	})
	if err != nil {
		return errors.Wrap(err, "create texture")
	}
	p.staging, p.mapped, err = m.createStaging(r.name, spg, soff, layout.TotalBytes)
	return err
}

// createStaging places one upload buffer per frame slot at the same offset
// of every upload heap of pg.
func (m *Manager) createStaging(name string, pg *page.Page, off, size uint64) ([]backend.Buffer, [][]byte, error) {
	bufs := make([]backend.Buffer, 0, len(pg.Backing.Upload))
	mapped := make([][]byte, 0, len(pg.Backing.Upload))
	for i, h := range pg.Backing.Upload {
		b, err := m.dev.CreateBuffer(&backend.BufferDescriptor{
			Label:        name + " staging",
			Heap:         h,
			Offset:       off,
			Size:         size,
			Usage:        gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
			InitialState: backend.StateGenericRead,
		})
		if err != nil {
			return bufs, mapped, errors.Wrapf(err, "create staging buffer %d", i)
		}
		bufs = append(bufs, b)
		mapped = append(mapped, h.Mapped()[off:off+size])
	}
	return bufs, mapped, nil
}

func (m *Manager) createSampler(r *resource) error {
	sd := r.shape.Sampler
	s, err := m.dev.CreateSampler(&backend.SamplerDescriptor{
		Label:        r.name,
		AddressModeU: sd.AddressU,
		AddressModeV: sd.AddressV,
		AddressModeW: sd.AddressW,
		MagFilter:    sd.MagFilter,
		MinFilter:    sd.MinFilter,
		MipmapFilter: sd.MipFilter,
		BorderColor:  sd.Border,
		LodMinClamp:  sd.MinLOD,
		LodMaxClamp:  sd.MaxLOD,
	})
	if err != nil {
		return errors.Wrap(err, "create sampler")
	}
	r.payload = &samplerPayload{sampler: s}
	return nil
}

// viewDescriptor builds the view record of r.
func (m *Manager) viewDescriptor(vt backend.ViewType, r *resource) *backend.ViewDescriptor {
	v := &backend.ViewDescriptor{Type: vt}
	switch p := r.payload.(type) {
	case *bufferPayload:
		v.Buffer = p.buffer
		v.Size = r.size
		v.Stride = r.shape.Stride
		if vt == backend.ViewConstantBuffer {
			v.Size = alignUp(r.size, constantBufferAlignment)
		}
	case *texturePayload:
		v.Texture = p.texture
		v.Dimension = r.shape.Dimension.viewDimension()
		v.MipLevelCount = r.shape.MipLevels
		v.ArrayLayerCount = r.shape.arrayLayers()
	case *samplerPayload:
		v.Sampler = p.sampler
	}
	return v
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// errKind names the class of a classified error for logs.
func errKind(err error) string {
	if errors.Is(err, ErrDevice) {
		return "device"
	}
	return "configuration"
}
