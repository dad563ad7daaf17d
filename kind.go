package gpumem

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem/backend"
)

// Kind is the role a resource plays in the pipeline.
type Kind uint8

const (
	VertexBuffer Kind = iota
	IndexBuffer
	ConstantBuffer
	// ShaderRead resources are read-only shader inputs: structured
	// buffers and sampled textures.
	ShaderRead
	// UnorderedAccess resources are read and written by shaders.
	UnorderedAccess
	Sampler
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case VertexBuffer:
		return "vertex-buffer"
	case IndexBuffer:
		return "index-buffer"
	case ConstantBuffer:
		return "constant-buffer"
	case ShaderRead:
		return "shader-read"
	case UnorderedAccess:
		return "unordered-access"
	case Sampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// steadyState is the state a resource of kind k rests in between uploads.
func (k Kind) steadyState() backend.ResourceState {
	switch k {
	case VertexBuffer, ConstantBuffer:
		return backend.StateVertexAndConstantBuffer
	case IndexBuffer:
		return backend.StateIndexBuffer
	case ShaderRead:
		return backend.StateShaderResource
	case UnorderedAccess:
		return backend.StateUnorderedAccess
	default:
		return backend.StateCommon
	}
}

func (k Kind) bufferUsage() gputypes.BufferUsage {
	const copies = gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	switch k {
	case VertexBuffer:
		return gputypes.BufferUsageVertex | copies
	case IndexBuffer:
		return gputypes.BufferUsageIndex | copies
	case ConstantBuffer:
		return gputypes.BufferUsageUniform | copies
	default:
		return gputypes.BufferUsageStorage | copies
	}
}

func (k Kind) textureUsage() gputypes.TextureUsage {
	u := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	if k == UnorderedAccess {
		u |= gputypes.TextureUsageStorageBinding
	}
	return u
}

// viewType is the view written for kind k, and whether k has one.
func (k Kind) viewType() (backend.ViewType, bool) {
	switch k {
	case ConstantBuffer:
		return backend.ViewConstantBuffer, true
	case ShaderRead:
		return backend.ViewShaderResource, true
	case UnorderedAccess:
		return backend.ViewUnorderedAccess, true
	case Sampler:
		return backend.ViewSampler, true
	default:
		return 0, false
	}
}

// Lifetime is the scope a resource belongs to. Resources of a scope are
// recycled or destroyed together.
type Lifetime uint8

const (
	// PerFrame resources are recycled by ResetPerFrameMemory.
	PerFrame Lifetime = iota
	// PerScene resources are recycled by ResetPerSceneMemory.
	PerScene
	// Permanent resources live until ReleaseAllPermanentMemory.
	Permanent
	numLifetimes
)

// String returns the lifetime name.
func (l Lifetime) String() string {
	switch l {
	case PerFrame:
		return "per-frame"
	case PerScene:
		return "per-scene"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}
