package gpumem

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
)

// ReadBack returns the device-local contents of a resource, in the layout
// SetData takes. It waits for all submitted work first, so it sees every
// upload of every submitted frame. It must not be called inside a frame.
func (m *Manager) ReadBack(h Handle) ([]byte, error) {
	_, _, r := m.lookup(h)
	assert.That(!m.frameOpen, "gpumem: ReadBack(%q) inside frame %d", r.name, m.frame-1)
	assert.That(m.immediate == nil, "gpumem: ReadBack(%q) with unsubmitted immediate uploads", r.name)

	if m.gpuBusy {
		if err := m.sync.SignalAndWait(); err != nil {
			return nil, deviceErr(err, "gpumem: wait before readback")
		}
		m.gpuBusy = false
	}

	switch p := r.payload.(type) {
	case *bufferPayload:
		dst := make([]byte, r.size)
		if err := m.dev.ReadBuffer(p.buffer, dst); err != nil {
			return nil, classify(errors.Wrapf(err, "read back %q", r.name))
		}
		return dst, nil

	case *texturePayload:
		dst := make([]byte, 0, r.size)
		for _, sub := range p.layout.Subresources {
			part := make([]byte, sub.TightBytes())
			err := m.dev.ReadTexture(p.texture, backend.Subresource{MipLevel: sub.MipLevel, ArrayLayer: sub.ArrayLayer}, part)
			if err != nil {
				return nil, classify(errors.Wrapf(err, "read back %q mip %d layer %d", r.name, sub.MipLevel, sub.ArrayLayer))
			}
			dst = append(dst, part...)
		}
		return dst, nil
	}
	assert.Fail("gpumem: ReadBack of %s %q", r.shape.Kind, r.name)
	return nil, nil
}
