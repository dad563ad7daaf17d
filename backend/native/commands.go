//go:build !nogpu

package native

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpumem/backend"
)

// commandList records directly into a hal command encoder.
type commandList struct {
	dev    *Device
	label  string
	enc    hal.CommandEncoder
	cmd    hal.CommandBuffer
	closed bool
	err    error

	// uploads are the upload heap ranges the list copies from.
	uploads []upload
}

type upload struct {
	heap         *heap
	offset, size uint64
}

// CreateCommandList returns an open command list.
func (d *Device) CreateCommandList(label string) (backend.CommandList, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, errors.Wrapf(err, "native: create encoder %q", label)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, errors.Wrapf(err, "native: begin encoding %q", label)
	}
	return &commandList{dev: d, label: label, enc: enc}, nil
}

func (l *commandList) Label() string { return l.label }

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) recording() bool {
	if l.closed {
		l.fail(errors.Newf("native: record into closed list %q", l.label))
		return false
	}
	return l.err == nil
}

// Transition records texture layout barriers. Buffers live in heap
// buffers with every usage, so buffer barriers only validate.
func (l *commandList) Transition(barriers ...backend.Barrier) {
	if !l.recording() {
		return
	}
	var texBarriers []hal.TextureBarrier
	for _, b := range barriers {
		if (b.Buffer == nil) == (b.Texture == nil) {
			l.fail(errors.New("native: barrier must name exactly one resource"))
			return
		}
		if b.Buffer != nil {
			if _, ok := b.Buffer.(*buffer); !ok {
				l.fail(errors.Wrapf(backend.ErrWrongObject, "barrier buffer %T", b.Buffer))
				return
			}
			continue
		}
		t, ok := b.Texture.(*texture)
		if !ok {
			l.fail(errors.Wrapf(backend.ErrWrongObject, "barrier texture %T", b.Texture))
			return
		}
		if t.state != b.Before {
			l.fail(errors.Wrapf(backend.ErrInvalidState, "barrier on %q: before %s, tracked %s", t.label, b.Before, t.state))
			return
		}
		old := textureUsage(b.Before)
		if !t.written {
			old = gputypes.TextureUsage(0)
		}
		texBarriers = append(texBarriers, hal.TextureBarrier{
			Texture: t.hal,
			Usage:   hal.TextureUsageTransition{OldUsage: old, NewUsage: textureUsage(b.After)},
		})
		t.state = b.After
		t.written = true
	}
	if len(texBarriers) > 0 {
		l.enc.TransitionTextures(texBarriers)
	}
}

func (l *commandList) CopyBufferRegion(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset, size uint64) {
	if !l.recording() {
		return
	}
	d, ok1 := dst.(*buffer)
	s, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errors.Wrapf(backend.ErrWrongObject, "copy %T <- %T", dst, src))
		return
	}
	if dstOffset+size > d.size || srcOffset+size > s.size {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy %d bytes %q+%d <- %q+%d",
			size, d.label, dstOffset, s.label, srcOffset))
		return
	}
	if d.heap.typ == backend.HeapTypeUpload {
		l.fail(errors.Newf("native: copy into upload buffer %q", d.label))
		return
	}
	l.enc.CopyBufferToBuffer(s.heap.buffer, d.heap.buffer, []hal.BufferCopy{{
		SrcOffset: s.offset + srcOffset,
		DstOffset: d.offset + dstOffset,
		Size:      size,
	}})
	l.staged(s, srcOffset, size)
}

func (l *commandList) CopyBufferToTexture(dst backend.Texture, src backend.Buffer, region backend.TextureCopy) {
	if !l.recording() {
		return
	}
	t, ok1 := dst.(*texture)
	s, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errors.Wrapf(backend.ErrWrongObject, "copy %T <- %T", dst, src))
		return
	}
	if region.MipLevel >= t.layout.MipLevels || region.ArrayLayer >= t.layout.ArrayLayers {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy to subresource %+v of %q", region.Subresource, t.label))
		return
	}
	if t.state != backend.StateCopyDest {
		l.fail(errors.Wrapf(backend.ErrInvalidState, "copy into %q in state %s", t.label, t.state))
		return
	}
	span := uint64(region.RowPitch) * uint64(region.RowCount) * uint64(region.Depth)
	if region.RowPitch < region.RowSize || region.Offset+span > s.size {
		l.fail(errors.Wrapf(backend.ErrOutOfRange, "copy source %q+%d pitch %d", s.label, region.Offset, region.RowPitch))
		return
	}
	l.enc.CopyBufferToTexture(s.heap.buffer, t.hal, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       s.offset + region.Offset,
			BytesPerRow:  region.RowPitch,
			RowsPerImage: region.RowCount,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  t.hal,
			MipLevel: region.MipLevel,
			Origin:   hal.Origin3D{Z: layerOrigin(t, region.ArrayLayer)},
		},
		Size: hal.Extent3D{Width: region.Width, Height: region.Height, DepthOrArrayLayers: region.Depth},
	}})
	l.staged(s, region.Offset, span)
}

// staged remembers a range read from an upload heap so Submit can flush it.
func (l *commandList) staged(b *buffer, offset, size uint64) {
	if b.heap.typ != backend.HeapTypeUpload || size == 0 {
		return
	}
	l.uploads = append(l.uploads, upload{heap: b.heap, offset: b.offset + offset, size: size})
}

// Discard makes the next barrier on a texture start from an undefined
// layout. Buffer contents are left as they are.
func (l *commandList) Discard(r backend.Resource) {
	if !l.recording() {
		return
	}
	switch r := r.(type) {
	case *buffer:
	case *texture:
		r.written = false
	default:
		l.fail(errors.Wrapf(backend.ErrWrongObject, "discard %T", r))
	}
}

func (l *commandList) Close() error {
	if l.closed {
		return errors.Newf("native: command list %q already closed", l.label)
	}
	l.closed = true
	if l.err != nil {
		l.enc.DiscardEncoding()
		return l.err
	}
	cmd, err := l.enc.EndEncoding()
	if err != nil {
		return errors.Wrapf(err, "native: end encoding %q", l.label)
	}
	l.cmd = cmd
	return nil
}
