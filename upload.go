package gpumem

import (
	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
)

// SetData uploads data into a resource as part of the open frame. The
// bytes are copied into the frame slot's staging memory at once and the
// frame's command list records a transition to the copy destination
// state, one copy per subresource and a transition back. SetData never
// blocks.
//
// len(data) must equal the resource's declared size. Texture data is
// every subresource tightly packed, layer-major: all mips of layer 0,
// then all mips of layer 1.
//
// A nil data discards the resource instead: its current contents are
// declared dead and nothing is copied. Repeated discards within a frame
// record a single discard.
func (m *Manager) SetData(h Handle, data []byte) {
	_, _, r := m.lookup(h)
	assert.That(m.frameOpen, "gpumem: SetData(%q) outside a frame", r.name)
	assert.That(r.shape.Kind != Sampler, "gpumem: SetData on sampler %s", h)

	if data == nil {
		m.discard(r)
		return
	}
	assert.That(uint64(len(data)) == r.size, "gpumem: SetData(%q) with %d bytes, declared size %d",
		r.name, len(data), r.size)
	m.stage(m.list, m.slot, r, data)
	r.writeFrame = m.frame
}

// discard records a discard of the device-local copy once per frame.
func (m *Manager) discard(r *resource) {
	if r.discardFrame == m.frame {
		return
	}
	if r.writeFrame == 0 {
		m.log().Warn("gpumem: discard of a resource never written", "name", r.name)
	}
	switch p := r.payload.(type) {
	case *bufferPayload:
		m.list.Discard(p.buffer)
	case *texturePayload:
		m.list.Discard(p.texture)
	}
	r.discardFrame = m.frame
}

// stage writes data into staging slot and records the transfer into list.
func (m *Manager) stage(list backend.CommandList, slot int, r *resource, data []byte) {
	steady := r.shape.Kind.steadyState()
	switch p := r.payload.(type) {
	case *bufferPayload:
		copy(p.mapped[slot], data)
		list.Transition(backend.Barrier{Buffer: p.buffer, Before: steady, After: backend.StateCopyDest})
		list.CopyBufferRegion(p.buffer, 0, p.staging[slot], 0, r.size)
		list.Transition(backend.Barrier{Buffer: p.buffer, Before: backend.StateCopyDest, After: steady})

	case *texturePayload:
		p.layout.Pack(p.mapped[slot], data)
		list.Transition(backend.Barrier{Texture: p.texture, Before: steady, After: backend.StateCopyDest})
		for _, sub := range p.layout.Subresources {
			list.CopyBufferToTexture(p.texture, p.staging[slot], backend.TextureCopy{
				Subresource: backend.Subresource{MipLevel: sub.MipLevel, ArrayLayer: sub.ArrayLayer},
				Offset:      sub.Offset,
				RowPitch:    sub.RowPitch,
				RowCount:    sub.RowCount,
				RowSize:     sub.RowSize,
				Width:       sub.Width,
				Height:      sub.Height,
				Depth:       sub.Depth,
			})
		}
		list.Transition(backend.Barrier{Texture: p.texture, Before: backend.StateCopyDest, After: steady})

	default:
		assert.Fail("gpumem: upload into %s %q", r.shape.Kind, r.name)
	}
}

// SetDataImmediate uploads data through a one-shot command list that is
// submitted by SubmitImmediate, ahead of the open frame's list. Use it for
// setup-time uploads that must be visible before the first frame.
//
// Outside a frame, the first immediate upload waits for submitted frames
// to finish so every staging slot is free.
func (m *Manager) SetDataImmediate(h Handle, data []byte) error {
	_, _, r := m.lookup(h)
	assert.That(r.shape.Kind != Sampler, "gpumem: SetDataImmediate on sampler %s", h)
	assert.That(data != nil && uint64(len(data)) == r.size,
		"gpumem: SetDataImmediate(%q) with %d bytes, declared size %d", r.name, len(data), r.size)
	assert.That(!m.frameOpen || r.writeFrame != m.frame,
		"gpumem: SetDataImmediate(%q) after SetData in the same frame", r.name)

	if m.immediate == nil {
		if !m.frameOpen && m.gpuBusy {
			if err := m.sync.SignalAndWait(); err != nil {
				return deviceErr(err, "gpumem: wait before immediate upload")
			}
			m.gpuBusy = false
		}
		list, err := m.dev.CreateCommandList("gpumem immediate")
		if err != nil {
			return deviceErr(err, "gpumem: create immediate command list")
		}
		m.immediate = list
		m.immediateSlot = max(m.slot, 0)
	}

	m.stage(m.immediate, m.immediateSlot, r, data)
	if m.frameOpen {
		r.writeFrame = m.frame
	}
	return nil
}

// SubmitImmediate submits the uploads recorded by SetDataImmediate and
// blocks until the GPU has executed them. It does nothing when there are
// none.
func (m *Manager) SubmitImmediate() error {
	m.checkOpen()
	if m.immediate == nil {
		return nil
	}
	list := m.immediate
	m.immediate = nil
	if err := list.Close(); err != nil {
		return deviceErr(err, "gpumem: close immediate command list")
	}
	if err := m.dev.Submit(list); err != nil {
		return deviceErr(err, "gpumem: submit immediate uploads")
	}
	if err := m.sync.SignalAndWait(); err != nil {
		err = deviceErr(err, "gpumem: wait for immediate uploads")
		m.log().Error("gpumem: immediate upload failed", "kind", "device", "err", err)
		return err
	}
	m.gpuBusy = false
	return nil
}
