package gpumem

import (
	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/footprint"
	"github.com/gogpu/gpumem/internal/freelist"
	"github.com/gogpu/gpumem/internal/page"
)

// AllocationState is the state of a resource record.
type AllocationState = freelist.State

const (
	Unallocated = freelist.Unallocated
	Allocated   = freelist.Allocated
	InFreeList  = freelist.InFreeList
)

// placement is where a resource lives inside its scope's pages.
type placement struct {
	heap   page.HeapKind
	access page.AccessKind
	page   int
	offset uint64
}

// payload holds the backend objects of a resource. It is one of
// *bufferPayload, *texturePayload and *samplerPayload.
type payload interface {
	destroy(dev backend.Device)
}

type bufferPayload struct {
	buffer  backend.Buffer
	staging []backend.Buffer
	// mapped[i] is the CPU view of staging[i].
	mapped [][]byte
}

func (p *bufferPayload) destroy(dev backend.Device) {
	for _, s := range p.staging {
		dev.DestroyBuffer(s)
	}
	if p.buffer != nil {
		dev.DestroyBuffer(p.buffer)
	}
}

type texturePayload struct {
	texture backend.Texture
	layout  footprint.Layout
	staging []backend.Buffer
	mapped  [][]byte
}

func (p *texturePayload) destroy(dev backend.Device) {
	for _, s := range p.staging {
		dev.DestroyBuffer(s)
	}
	if p.texture != nil {
		dev.DestroyTexture(p.texture)
	}
}

type samplerPayload struct {
	sampler backend.Sampler
}

func (p *samplerPayload) destroy(dev backend.Device) {
	if p.sampler != nil {
		dev.DestroySampler(p.sampler)
	}
}

// resource is the record behind a Handle.
type resource struct {
	name  string
	shape Shape
	// size is the number of bytes SetData expects: the buffer size, or the
	// tightly packed size of every texture subresource.
	size uint64

	device  placement
	staging placement
	payload payload

	// view is the descriptor heap entry, -1 when the kind has none or the
	// record is free. Release returns the entry to its heap; reuse
	// acquires a new one.
	view     int
	viewSlot uint32

	// writeFrame and discardFrame are 1 + the frame of the last staged
	// write and discard, 0 when never.
	writeFrame   uint64
	discardFrame uint64
}

// Descriptor is a snapshot of a live allocation.
type Descriptor struct {
	Handle   Handle
	Name     string
	Lifetime Lifetime
	Shape    Shape
	// Size is the byte size SetData expects.
	Size uint64

	// Page and Offset locate the device-local memory. Both are -1 and 0
	// for samplers.
	Page   int
	Offset uint64
	// StagingPage and StagingOffset locate the upload memory of textures.
	// Buffers stage at Page and Offset of the same staged pages.
	StagingPage   int
	StagingOffset uint64

	// ViewSlot is the descriptor heap slot, -1 for vertex and index buffers.
	ViewSlot int
}
