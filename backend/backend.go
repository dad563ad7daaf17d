package backend

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrDeviceLost is returned by every device call once the device has been
	// removed or has hit an unrecoverable execution error.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrOutOfMemory is returned when a heap cannot be created.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrInvalidState is reported when a recorded barrier or copy does not
	// match the tracked state of the resource.
	ErrInvalidState = errors.New("backend: invalid resource state")

	// ErrOutOfRange is returned when a placement or copy exceeds its heap or resource.
	ErrOutOfRange = errors.New("backend: range out of bounds")

	// ErrWrongObject is returned when an object from another backend is passed in.
	ErrWrongObject = errors.New("backend: object belongs to another device")
)

// Device is the GPU device, queue and fence surface the memory manager
// drives. It mirrors an explicit API: memory comes from heaps, buffers and
// textures are placed at offsets inside heaps, and all GPU work flows through
// command lists submitted to a single queue.
//
// A Device is used from one goroutine. Implementations may execute
// submitted work asynchronously.
type Device interface {
	// Name returns the backend identifier (e.g., "software", "native").
	Name() string

	// Limits returns the device capability limits.
	Limits() Limits

	CreateHeap(desc *HeapDescriptor) (Heap, error)
	DestroyHeap(h Heap)

	// CreateBuffer places a buffer inside desc.Heap at desc.Offset.
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	DestroyBuffer(b Buffer)

	// CreateTexture places a texture inside desc.Heap at desc.Offset.
	CreateTexture(desc *TextureDescriptor) (Texture, error)
	DestroyTexture(t Texture)

	CreateSampler(desc *SamplerDescriptor) (Sampler, error)
	DestroySampler(s Sampler)

	CreateViewHeap(desc *ViewHeapDescriptor) (ViewHeap, error)
	DestroyViewHeap(h ViewHeap)

	// WriteView writes a view record into slot of a view heap, replacing
	// whatever the slot held before.
	WriteView(h ViewHeap, slot uint32, desc *ViewDescriptor) error

	// CreateCommandList returns an open command list.
	CreateCommandList(label string) (CommandList, error)

	// Submit queues closed command lists for execution in order.
	// Ownership of the lists passes to the device.
	Submit(lists ...CommandList) error

	CreateFence() (Fence, error)
	DestroyFence(f Fence)

	// Signal enqueues a fence signal after all previously submitted work.
	Signal(f Fence, value uint64) error

	// Wait blocks until the fence reaches value. A timeout <= 0 waits
	// forever. It reports false when the timeout expired.
	Wait(f Fence, value uint64, timeout time.Duration) (bool, error)

	// ReadBuffer copies the device-local contents of b into dst.
	// The caller must ensure no submitted work writes b.
	ReadBuffer(b Buffer, dst []byte) error

	// ReadTexture copies one subresource of t into dst, tightly packed.
	// The caller must ensure no submitted work writes t.
	ReadTexture(t Texture, sub Subresource, dst []byte) error

	// Destroy releases the device. Objects created from it become invalid.
	Destroy()
}

// Limits describes device capability limits relevant to memory placement.
type Limits struct {
	MaxBufferSize         uint64
	MaxTextureDimension1D uint32
	MaxTextureDimension2D uint32
	MaxTextureDimension3D uint32
	MaxTextureArrayLayers uint32
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:         256 << 20,
		MaxTextureDimension1D: 8192,
		MaxTextureDimension2D: 8192,
		MaxTextureDimension3D: 2048,
		MaxTextureArrayLayers: 256,
	}
}

// LimitsFromGPU converts gputypes limits.
func LimitsFromGPU(l gputypes.Limits) Limits {
	return Limits{
		MaxBufferSize:         l.MaxBufferSize,
		MaxTextureDimension1D: l.MaxTextureDimension1D,
		MaxTextureDimension2D: l.MaxTextureDimension2D,
		MaxTextureDimension3D: l.MaxTextureDimension3D,
		MaxTextureArrayLayers: l.MaxTextureArrayLayers,
	}
}

// Resource is any object that occupies heap memory.
type Resource interface {
	Label() string
}

// Heap is a block of device memory that buffers and textures are placed in.
type Heap interface {
	Label() string
	Size() uint64
	Type() HeapType

	// Mapped returns the persistently mapped CPU view of an upload heap.
	// It returns nil for default heaps.
	Mapped() []byte
}

// Buffer is a linear region placed in a heap.
type Buffer interface {
	Resource
	Heap() Heap
	Offset() uint64
	Size() uint64
}

// Texture is an image resource placed in a heap.
type Texture interface {
	Resource
	Heap() Heap
	Offset() uint64
}

// Sampler is an immutable sampler state object.
type Sampler interface {
	Label() string
}

// ViewHeap is a fixed-capacity table of view records.
type ViewHeap interface {
	Label() string
	Type() ViewHeapType
	Capacity() uint32
}

// Fence is a monotonically increasing completion counter.
type Fence interface{}

// CommandList records GPU work. Commands run in recording order.
type CommandList interface {
	Label() string

	// Transition records resource state barriers.
	Transition(barriers ...Barrier)

	// CopyBufferRegion copies size bytes between two buffers.
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)

	// CopyBufferToTexture copies one subresource from a pitched buffer
	// region into a texture.
	CopyBufferToTexture(dst Texture, src Buffer, region TextureCopy)

	// Discard declares the current contents of r dead.
	Discard(r Resource)

	// Close ends recording. A closed list can only be submitted.
	Close() error
}

// HeapType selects the memory pool a heap lives in.
type HeapType uint8

const (
	// HeapTypeDefault is device-local memory, not CPU visible.
	HeapTypeDefault HeapType = iota
	// HeapTypeUpload is CPU-writable memory readable by the GPU.
	HeapTypeUpload
)

// String returns the heap type name.
func (t HeapType) String() string {
	switch t {
	case HeapTypeDefault:
		return "default"
	case HeapTypeUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// HeapUsage restricts which resources a heap may hold.
type HeapUsage uint8

const (
	HeapUsageBuffers HeapUsage = iota
	HeapUsageTextures
)

// String returns the heap usage name.
func (u HeapUsage) String() string {
	switch u {
	case HeapUsageBuffers:
		return "buffers"
	case HeapUsageTextures:
		return "textures"
	default:
		return "unknown"
	}
}

// HeapDescriptor describes a heap.
type HeapDescriptor struct {
	Label string
	Size  uint64
	Type  HeapType
	Usage HeapUsage
}

// BufferDescriptor describes a placed buffer.
type BufferDescriptor struct {
	Label        string
	Heap         Heap
	Offset       uint64
	Size         uint64
	Usage        gputypes.BufferUsage
	InitialState ResourceState
}

// TextureDescriptor describes a placed texture.
type TextureDescriptor struct {
	Label         string
	Heap          Heap
	Offset        uint64
	Dimension     gputypes.TextureDimension
	Size          gputypes.Extent3D
	MipLevelCount uint32
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	InitialState  ResourceState
}

// AddressMode is how texture coordinates outside [0, 1] are resolved.
type AddressMode uint8

const (
	AddressRepeat AddressMode = iota
	AddressMirrorRepeat
	AddressClampToEdge
	AddressClampToBorder
)

// String returns the address mode name.
func (a AddressMode) String() string {
	switch a {
	case AddressRepeat:
		return "repeat"
	case AddressMirrorRepeat:
		return "mirror-repeat"
	case AddressClampToEdge:
		return "clamp-to-edge"
	case AddressClampToBorder:
		return "clamp-to-border"
	default:
		return "unknown"
	}
}

// BorderColor is the color returned for border-addressed samples.
type BorderColor uint8

const (
	BorderColorTransparentBlack BorderColor = iota
	BorderColorOpaqueBlack
	BorderColorOpaqueWhite
)

// SamplerDescriptor describes a sampler.
type SamplerDescriptor struct {
	Label        string
	AddressModeU AddressMode
	AddressModeV AddressMode
	AddressModeW AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
	BorderColor  BorderColor
	LodMinClamp  float32
	LodMaxClamp  float32
}

// ViewHeapType selects which views a view heap stores.
type ViewHeapType uint8

const (
	// ViewHeapResources holds constant buffer, shader resource and
	// unordered access views.
	ViewHeapResources ViewHeapType = iota
	// ViewHeapSamplers holds sampler views.
	ViewHeapSamplers
)

// String returns the view heap type name.
func (t ViewHeapType) String() string {
	switch t {
	case ViewHeapResources:
		return "resources"
	case ViewHeapSamplers:
		return "samplers"
	default:
		return "unknown"
	}
}

// ViewHeapDescriptor describes a view heap.
type ViewHeapDescriptor struct {
	Label         string
	Type          ViewHeapType
	Capacity      uint32
	ShaderVisible bool
}

// ViewType is the kind of a single view record.
type ViewType uint8

const (
	ViewConstantBuffer ViewType = iota
	ViewShaderResource
	ViewUnorderedAccess
	ViewSampler
)

// String returns the view type name.
func (t ViewType) String() string {
	switch t {
	case ViewConstantBuffer:
		return "cbv"
	case ViewShaderResource:
		return "srv"
	case ViewUnorderedAccess:
		return "uav"
	case ViewSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// ViewDescriptor describes one view record. Exactly one of Buffer, Texture
// and Sampler is set.
type ViewDescriptor struct {
	Type    ViewType
	Buffer  Buffer
	Texture Texture
	Sampler Sampler

	// Size is the viewed byte range of a buffer view.
	Size uint64
	// Stride is the element stride of a structured buffer view.
	Stride uint32
	// Dimension is the view dimension of a texture view.
	Dimension gputypes.TextureViewDimension
	// MipLevelCount and ArrayLayerCount bound a texture view.
	MipLevelCount   uint32
	ArrayLayerCount uint32
}

// Barrier is a resource state transition. Exactly one of Buffer and
// Texture is set. Texture barriers cover all subresources.
type Barrier struct {
	Buffer  Buffer
	Texture Texture
	Before  ResourceState
	After   ResourceState
}

// Subresource addresses one mip level of one array layer.
type Subresource struct {
	MipLevel   uint32
	ArrayLayer uint32
}

// TextureCopy describes a buffer to texture copy of one subresource.
// The source rows start at Offset and are RowPitch bytes apart; each
// depth slice spans RowCount rows.
type TextureCopy struct {
	Subresource
	Offset   uint64
	RowPitch uint32
	RowCount uint32
	RowSize  uint32
	Width    uint32
	Height   uint32
	Depth    uint32
}
