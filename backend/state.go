package backend

// ResourceState is the usage state a buffer or texture is in on the GPU
// timeline. Copies and reads are only valid in the matching state.
type ResourceState uint8

const (
	// StateCommon is the initial state of default heap resources.
	StateCommon ResourceState = iota
	// StateGenericRead is the permanent state of upload heap resources.
	StateGenericRead
	StateVertexAndConstantBuffer
	StateIndexBuffer
	StateShaderResource
	StateUnorderedAccess
	StateCopyDest
	StateCopySource
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StateGenericRead:
		return "generic-read"
	case StateVertexAndConstantBuffer:
		return "vertex-and-constant-buffer"
	case StateIndexBuffer:
		return "index-buffer"
	case StateShaderResource:
		return "shader-resource"
	case StateUnorderedAccess:
		return "unordered-access"
	case StateCopyDest:
		return "copy-dest"
	case StateCopySource:
		return "copy-source"
	default:
		return "unknown"
	}
}

// Readable reports whether a copy may read a resource in state s.
func (s ResourceState) Readable() bool {
	return s == StateGenericRead || s == StateCopySource
}
