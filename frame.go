package gpumem

import (
	"fmt"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
)

// BeginFrame opens the next frame. It signals the end of the work
// submitted so far and, when the frame slot it is about to reuse is still
// in flight, blocks until the GPU has finished with it. This is the only
// blocking call on the steady-state frame path.
func (m *Manager) BeginFrame() error {
	m.checkOpen()
	assert.That(!m.frameOpen, "gpumem: BeginFrame inside frame %d", m.frame-1)
	assert.That(m.immediate == nil, "gpumem: BeginFrame with unsubmitted immediate uploads")

	next := int(m.frame % uint64(m.cfg.FramesInFlight))
	if err := m.sync.SignalAndWaitForPreviousUse(next); err != nil {
		err = deviceErr(err, "gpumem: begin frame")
		m.log().Error("gpumem: frame slot wait failed", "frame", m.frame, "slot", next, "kind", "device", "err", err)
		return err
	}
	list, err := m.dev.CreateCommandList(fmt.Sprintf("gpumem frame %d", m.frame))
	if err != nil {
		return deviceErr(err, "gpumem: begin frame")
	}

	m.slot = next
	m.list = list
	m.frameOpen = true
	m.frame++
	m.log().Debug("gpumem: frame begun", "frame", m.frame-1, "slot", next, "fence", m.sync.Counter())
	return nil
}

// EndFrame closes the frame's command list and submits it.
func (m *Manager) EndFrame() error {
	m.checkOpen()
	assert.That(m.frameOpen, "gpumem: EndFrame without BeginFrame")
	assert.That(m.immediate == nil, "gpumem: EndFrame with unsubmitted immediate uploads")

	list := m.list
	m.list = nil
	m.frameOpen = false
	m.retirePending()
	if err := list.Close(); err != nil {
		return deviceErr(err, "gpumem: close frame command list")
	}
	if err := m.dev.Submit(list); err != nil {
		err = deviceErr(err, "gpumem: submit frame")
		m.log().Error("gpumem: frame submission failed", "frame", m.frame-1, "kind", "device", "err", err)
		return err
	}
	m.gpuBusy = true
	return nil
}

// CommandList returns the open frame's command list. Uploads recorded by
// SetData precede anything recorded after them.
func (m *Manager) CommandList() backend.CommandList {
	m.checkOpen()
	assert.That(m.frameOpen, "gpumem: CommandList outside a frame")
	return m.list
}

// Frame returns the number of frames begun so far.
func (m *Manager) Frame() uint64 { return m.frame }

// FrameSlot returns the slot of the open frame, or of the last frame when
// none is open. It is -1 before the first frame.
func (m *Manager) FrameSlot() int { return m.slot }

// InFrame reports whether a frame is open.
func (m *Manager) InFrame() bool { return m.frameOpen }

// FlushGPU blocks until all submitted work has completed, cycling through
// every frame slot. Use it at full idle points such as a swap chain
// resize, never per frame.
func (m *Manager) FlushGPU() error {
	m.checkOpen()
	assert.That(!m.frameOpen, "gpumem: FlushGPU inside frame %d", m.frame-1)
	return m.waitIdle()
}

func (m *Manager) waitIdle() error {
	if err := m.sync.FlushAllSlots(); err != nil {
		err = deviceErr(err, "gpumem: flush frame slots")
		m.log().Error("gpumem: flush failed", "kind", "device", "err", err)
		return err
	}
	m.gpuBusy = false
	return nil
}

// ResetPerFrameMemory returns every live per-frame resource to the
// per-frame free list. Handles to them become invalid.
func (m *Manager) ResetPerFrameMemory() {
	m.checkOpen()
	m.recycle(m.scopes[PerFrame])
}

// ResetPerSceneMemory returns every live per-scene resource to the
// per-scene free list. Handles to them become invalid.
func (m *Manager) ResetPerSceneMemory() {
	m.checkOpen()
	m.recycle(m.scopes[PerScene])
}

// ReleaseAllPermanentMemory waits for the GPU and destroys the permanent
// scope: every resource, live or free, and every page. Afterwards the
// scope holds no pages and no records.
func (m *Manager) ReleaseAllPermanentMemory() error {
	return m.ReleaseAll(Permanent)
}

// ReleaseAll waits for the GPU and destroys one scope. It must not be
// called inside a frame. On a device error the scope is still destroyed
// and the error is returned.
func (m *Manager) ReleaseAll(l Lifetime) error {
	m.checkOpen()
	assert.That(l < numLifetimes, "gpumem: unknown lifetime %d", l)
	assert.That(!m.frameOpen, "gpumem: release of %s memory inside frame %d", l, m.frame-1)
	assert.That(m.immediate == nil, "gpumem: release of %s memory with unsubmitted immediate uploads", l)

	err := m.waitIdle()
	m.teardown(m.scopes[l])
	return err
}

// recycle releases every live record of a scope in index order.
func (m *Manager) recycle(sc *scope) {
	live := sc.live.ToArray()
	for _, idx := range live {
		m.release(sc, int(idx))
	}
	if n := len(live); n > 0 {
		m.log().Debug("gpumem: scope reset", "lifetime", sc.lifetime, "released", n, "free", sc.records.FreeLen())
	}
}

// teardown destroys every record and page of a scope. The GPU must be
// idle or lost.
func (m *Manager) teardown(sc *scope) {
	completed := m.sync.Completed()
	records := 0
	sc.records.Each(func(idx int, _ AllocationState, r *resource) {
		if r.view >= 0 {
			m.viewHeap(r.shape.Kind).Release(r.view, completed)
			r.view = -1
		}
		if r.payload != nil {
			r.payload.destroy(m.dev)
		}
		records++
	})
	pages := sc.pages.PageCount()
	sc.pages.Release()
	sc.records.Reset()
	sc.live.Clear()
	m.log().Info("gpumem: scope released", "lifetime", sc.lifetime, "records", records, "pages", pages)
}
