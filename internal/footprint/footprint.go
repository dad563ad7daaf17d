// Package footprint computes the linear staging layout of a texture: where
// each subresource starts in an upload buffer and how its rows are pitched.
package footprint

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

const (
	// RowPitchAlignment is the required alignment of a row in a buffer
	// to texture copy (WebGPU and DX12 both use 256).
	RowPitchAlignment = 256

	// PlacementAlignment is the required alignment of a subresource's
	// first byte inside the staging buffer.
	PlacementAlignment = 512
)

// Footprint errors.
var (
	ErrUnsupportedFormat = errors.New("footprint: unsupported texture format")
	ErrInvalidExtent     = errors.New("footprint: invalid texture extent")
)

// texelSizes lists the color formats that can be staged linearly.
var texelSizes = map[gputypes.TextureFormat]uint32{
	gputypes.TextureFormatR8Unorm:        1,
	gputypes.TextureFormatRG8Unorm:       2,
	gputypes.TextureFormatRGBA8Unorm:     4,
	gputypes.TextureFormatRGBA8UnormSrgb: 4,
	gputypes.TextureFormatBGRA8Unorm:     4,
	gputypes.TextureFormatR16Float:       2,
	gputypes.TextureFormatRG16Float:      4,
	gputypes.TextureFormatRGBA16Float:    8,
	gputypes.TextureFormatR32Float:       4,
	gputypes.TextureFormatR32Uint:        4,
	gputypes.TextureFormatRG32Float:      8,
	gputypes.TextureFormatRGBA32Float:    16,
}

// TexelSize returns the byte size of one texel of format f.
func TexelSize(f gputypes.TextureFormat) (uint32, bool) {
	s, ok := texelSizes[f]
	return s, ok
}

// Desc is the texture shape a layout is computed for.
type Desc struct {
	Dimension gputypes.TextureDimension
	Width     uint32
	Height    uint32
	// DepthOrArrayLayers is the depth of a 3D texture and the layer
	// count of every other dimension.
	DepthOrArrayLayers uint32
	MipLevels          uint32
	Format             gputypes.TextureFormat
}

// Subresource is the staging placement of one mip level of one layer.
type Subresource struct {
	MipLevel   uint32
	ArrayLayer uint32

	// Offset is the first byte inside the staging buffer, a multiple of
	// PlacementAlignment.
	Offset uint64
	// RowPitch is the distance between rows, a multiple of RowPitchAlignment.
	RowPitch uint32
	// RowSize is the number of meaningful bytes per row.
	RowSize    uint32
	RowCount   uint32
	SliceCount uint32

	Width  uint32
	Height uint32
	Depth  uint32
}

// PitchedBytes is the staging span of the subresource.
func (s Subresource) PitchedBytes() uint64 {
	return uint64(s.RowPitch) * uint64(s.RowCount) * uint64(s.SliceCount)
}

// TightBytes is the size of the subresource with unpadded rows.
func (s Subresource) TightBytes() uint64 {
	return uint64(s.RowSize) * uint64(s.RowCount) * uint64(s.SliceCount)
}

// Layout is the full staging layout of a texture. Subresources are ordered
// layer-major: all mips of layer 0, then all mips of layer 1.
type Layout struct {
	Subresources []Subresource
	MipLevels    uint32
	ArrayLayers  uint32
	TexelSize    uint32

	// TotalBytes is the staging buffer size the layout needs.
	TotalBytes uint64
	// TightBytes is the size of the texture data with unpadded rows.
	TightBytes uint64
}

// Compute returns the staging layout of d.
func Compute(d Desc) (Layout, error) {
	texel, ok := TexelSize(d.Format)
	if !ok {
		return Layout{}, errors.Wrapf(ErrUnsupportedFormat, "format %v", d.Format)
	}
	if d.Width == 0 || d.Height == 0 || d.DepthOrArrayLayers == 0 || d.MipLevels == 0 {
		return Layout{}, errors.Wrapf(ErrInvalidExtent, "%dx%dx%d mips=%d",
			d.Width, d.Height, d.DepthOrArrayLayers, d.MipLevels)
	}

	layers, depth := d.DepthOrArrayLayers, uint32(1)
	if d.Dimension == gputypes.TextureDimension3D {
		layers, depth = 1, d.DepthOrArrayLayers
	}
	if d.MipLevels > MaxMipLevels(d.Width, d.Height, depth) {
		return Layout{}, errors.Wrapf(ErrInvalidExtent, "%d mips for %dx%dx%d",
			d.MipLevels, d.Width, d.Height, depth)
	}

	l := Layout{
		Subresources: make([]Subresource, 0, layers*d.MipLevels),
		MipLevels:    d.MipLevels,
		ArrayLayers:  layers,
		TexelSize:    texel,
	}
	var offset uint64
	for layer := uint32(0); layer < layers; layer++ {
		for mip := uint32(0); mip < d.MipLevels; mip++ {
			w, h, z := mipExtent(d.Width, mip), mipExtent(d.Height, mip), mipExtent(depth, mip)
			rowSize := w * texel
			s := Subresource{
				MipLevel:   mip,
				ArrayLayer: layer,
				Offset:     alignUp(offset, PlacementAlignment),
				RowPitch:   uint32(alignUp(uint64(rowSize), RowPitchAlignment)),
				RowSize:    rowSize,
				RowCount:   h,
				SliceCount: z,
				Width:      w,
				Height:     h,
				Depth:      z,
			}
			offset = s.Offset + s.PitchedBytes()
			l.TightBytes += s.TightBytes()
			l.Subresources = append(l.Subresources, s)
		}
	}
	l.TotalBytes = alignUp(offset, PlacementAlignment)
	return l, nil
}

// Index returns the position of (mip, layer) in Subresources.
func (l *Layout) Index(mip, layer uint32) int {
	return int(layer*l.MipLevels + mip)
}

// Pack copies tightly packed texture data into a pitched staging region.
// src holds the subresources in layout order; dst must be TotalBytes long.
func (l *Layout) Pack(dst, src []byte) {
	var pos uint64
	for _, s := range l.Subresources {
		for z := uint32(0); z < s.SliceCount; z++ {
			for row := uint32(0); row < s.RowCount; row++ {
				at := s.Offset + (uint64(z)*uint64(s.RowCount)+uint64(row))*uint64(s.RowPitch)
				copy(dst[at:at+uint64(s.RowSize)], src[pos:pos+uint64(s.RowSize)])
				pos += uint64(s.RowSize)
			}
		}
	}
}

// MaxMipLevels returns the length of the full mip chain of an extent.
func MaxMipLevels(w, h, d uint32) uint32 {
	m := max(w, h, d)
	n := uint32(1)
	for m > 1 {
		m >>= 1
		n++
	}
	return n
}

func mipExtent(v, mip uint32) uint32 {
	return max(v>>mip, 1)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
