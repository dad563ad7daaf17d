package gpumem

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/freelist"
)

// Dimension is the shape class of a resource.
type Dimension uint8

const (
	DimensionBuffer Dimension = iota
	Dimension1D
	Dimension1DArray
	Dimension2D
	Dimension2DArray
	Dimension3D
	DimensionCube
	DimensionCubeArray
	DimensionSampler
)

// String returns the dimension name.
func (d Dimension) String() string {
	switch d {
	case DimensionBuffer:
		return "buffer"
	case Dimension1D:
		return "1d"
	case Dimension1DArray:
		return "1d-array"
	case Dimension2D:
		return "2d"
	case Dimension2DArray:
		return "2d-array"
	case Dimension3D:
		return "3d"
	case DimensionCube:
		return "cube"
	case DimensionCubeArray:
		return "cube-array"
	case DimensionSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// IsTexture reports whether d is a texture dimension.
func (d Dimension) IsTexture() bool {
	return d >= Dimension1D && d <= DimensionCubeArray
}

func (d Dimension) textureDimension() gputypes.TextureDimension {
	switch d {
	case Dimension1D, Dimension1DArray:
		return gputypes.TextureDimension1D
	case Dimension3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

func (d Dimension) viewDimension() gputypes.TextureViewDimension {
	switch d {
	case Dimension1D:
		return gputypes.TextureViewDimension1D
	case Dimension2D:
		return gputypes.TextureViewDimension2D
	case Dimension1DArray, Dimension2DArray:
		// There is no 1D array view; layers are viewed as a 2D array of
		// height 1.
		return gputypes.TextureViewDimension2DArray
	case Dimension3D:
		return gputypes.TextureViewDimension3D
	case DimensionCube:
		return gputypes.TextureViewDimensionCube
	default:
		return gputypes.TextureViewDimensionCubeArray
	}
}

// SamplerDesc is the state of a sampler.
type SamplerDesc struct {
	AddressU  backend.AddressMode
	AddressV  backend.AddressMode
	AddressW  backend.AddressMode
	MinFilter gputypes.FilterMode
	MagFilter gputypes.FilterMode
	MipFilter gputypes.FilterMode
	Border    backend.BorderColor
	MinLOD    float32
	MaxLOD    float32
}

// Shape is everything that makes two resources interchangeable. A released
// resource is only reused by a request with an identical shape.
type Shape struct {
	Kind      Kind
	Dimension Dimension

	// Size is the byte size of a buffer.
	Size uint64
	// Stride is the element size of a vertex or structured buffer.
	Stride uint32
	// IndexFormat is set for index buffers.
	IndexFormat gputypes.IndexFormat

	Width  uint32
	Height uint32
	// DepthOrLayers is the depth of a 3D texture and the layer count of
	// every other texture. Cube layers count faces.
	DepthOrLayers uint32
	MipLevels     uint32
	Format        gputypes.TextureFormat

	Sampler SamplerDesc
}

// String returns a compact description.
func (s Shape) String() string {
	switch {
	case s.Dimension == DimensionBuffer:
		return fmt.Sprintf("%s[%d bytes, stride %d]", s.Kind, s.Size, s.Stride)
	case s.Dimension.IsTexture():
		return fmt.Sprintf("%s %s[%dx%dx%d, %d mips, %v]", s.Kind, s.Dimension,
			s.Width, s.Height, s.DepthOrLayers, s.MipLevels, s.Format)
	default:
		return fmt.Sprintf("sampler[%s/%s/%s, lod %g..%g]",
			s.Sampler.AddressU, s.Sampler.AddressV, s.Sampler.AddressW, s.Sampler.MinLOD, s.Sampler.MaxLOD)
	}
}

// key encodes every field of the shape. Floats are encoded by bit pattern
// so the match is byte-exact.
func (s Shape) key() freelist.Key {
	b := make([]byte, 0, 64)
	b = append(b, byte(s.Kind), byte(s.Dimension))
	b = binary.LittleEndian.AppendUint64(b, s.Size)
	b = binary.LittleEndian.AppendUint32(b, s.Stride)
	b = binary.LittleEndian.AppendUint32(b, uint32(s.IndexFormat))
	b = binary.LittleEndian.AppendUint32(b, s.Width)
	b = binary.LittleEndian.AppendUint32(b, s.Height)
	b = binary.LittleEndian.AppendUint32(b, s.DepthOrLayers)
	b = binary.LittleEndian.AppendUint32(b, s.MipLevels)
	b = binary.LittleEndian.AppendUint32(b, uint32(s.Format))
	sd := s.Sampler
	b = append(b, byte(sd.AddressU), byte(sd.AddressV), byte(sd.AddressW),
		byte(sd.MinFilter), byte(sd.MagFilter), byte(sd.MipFilter), byte(sd.Border))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(sd.MinLOD))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(sd.MaxLOD))
	return freelist.MakeKey(b)
}

// arrayLayers is the layer count of a texture shape.
func (s Shape) arrayLayers() uint32 {
	if s.Dimension == Dimension3D {
		return 1
	}
	return s.DepthOrLayers
}
