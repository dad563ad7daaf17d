package gpumem

import (
	"image"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	"github.com/gogpu/gpumem/internal/assert"
)

// SetImage uploads img into a single-subresource 2D texture as part of the
// open frame. The image is converted to the texture format and scaled
// with bilinear filtering when its bounds differ from the texture size.
// Supported formats are RGBA8Unorm, RGBA8UnormSrgb and BGRA8Unorm.
func (m *Manager) SetImage(h Handle, img image.Image) error {
	_, _, r := m.lookup(h)
	s := r.shape
	if s.Dimension != Dimension2D || s.MipLevels != 1 {
		return configErr(ErrInvalidConfig, "SetImage(%q): %s texture with %d mips", r.name, s.Dimension, s.MipLevels)
	}

	pix, err := imagePixels(img, int(s.Width), int(s.Height), s.Format)
	if err != nil {
		return configErr(err, "SetImage(%q)", r.name)
	}
	assert.That(uint64(len(pix)) == r.size, "gpumem: SetImage(%q) packed %d bytes, declared size %d", r.name, len(pix), r.size)
	m.SetData(h, pix)
	return nil
}

// imagePixels returns img as w*h tightly packed texels of format f.
func imagePixels(img image.Image, w, h int, f gputypes.TextureFormat) ([]byte, error) {
	var swap bool
	switch f {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
	case gputypes.TextureFormatBGRA8Unorm:
		swap = true
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "image upload into %v", f)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	if swap {
		for i := 0; i+3 < len(dst.Pix); i += 4 {
			dst.Pix[i], dst.Pix[i+2] = dst.Pix[i+2], dst.Pix[i]
		}
	}
	return dst.Pix, nil
}
