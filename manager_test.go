package gpumem

import (
	"bytes"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/backend/soft"
)

const testPageSize = 64 << 10

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = testPageSize
	cfg.BudgetMB = 0
	cfg.ViewHeapCapacity = 64
	cfg.SamplerHeapCapacity = 8
	return cfg
}

// newTestManager creates a manager on a fresh software device. mutate may
// adjust the test configuration.
func newTestManager(t *testing.T, opts soft.Options, mutate func(*Config)) (*Manager, *soft.Device) {
	t.Helper()
	dev := soft.New(opts)
	t.Cleanup(dev.Destroy)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, dev
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

// mustAlloc returns a check for an allocation result:
//
//	h := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "cb"))
func mustAlloc(t *testing.T) func(Handle, error) Handle {
	t.Helper()
	return func(h Handle, err error) Handle {
		t.Helper()
		if err != nil {
			t.Fatalf("allocation error = %v", err)
		}
		return h
	}
}

func mustFrame(t *testing.T, m *Manager, record func()) {
	t.Helper()
	if err := m.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	if record != nil {
		record()
	}
	if err := m.EndFrame(); err != nil {
		t.Fatalf("EndFrame() error = %v", err)
	}
}

func TestShapeMatchReuse(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{}, nil)

	h := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "first"))
	first := m.Describe(h)
	heaps := dev.Stats().HeapsCreated
	m.Release(h)

	h = mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "second"))
	second := m.Describe(h)
	if second.Page != first.Page || second.Offset != first.Offset {
		t.Errorf("reused allocation at page %d offset %d, want page %d offset %d",
			second.Page, second.Offset, first.Page, first.Offset)
	}
	if got := dev.Stats().HeapsCreated; got != heaps {
		t.Errorf("HeapsCreated = %d after reuse, want %d", got, heaps)
	}
	if got := m.Stats().Scopes[PerFrame].Pages.CreatedPages; got != 1 {
		t.Errorf("CreatedPages = %d, want 1", got)
	}
	if m.Name(h) != "second" {
		t.Errorf("Name() = %q, want %q", m.Name(h), "second")
	}
	if m.Stats().Reused != 1 {
		t.Errorf("Reused = %d, want 1", m.Stats().Reused)
	}
}

func TestShapeMismatchAllocatesFresh(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)
	tests := []struct {
		name  string
		alloc func() (Handle, error)
	}{
		{"different size", func() (Handle, error) { return m.AllocateConstantBuffer(128, PerFrame, "") }},
		{"different kind", func() (Handle, error) { return m.AllocateVertexBuffer(16, 4, PerFrame, "") }},
		{"different stride", func() (Handle, error) { return m.AllocateShaderReadBuffer(8, 8, PerFrame, "") }},
		{"different scope", func() (Handle, error) { return m.AllocateConstantBuffer(64, PerScene, "") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "base"))
			m.Release(h)
			free := m.Stats().Scopes[PerFrame].Free

			other := mustAlloc(t)(tt.alloc())
			if m.Stats().Scopes[PerFrame].Free != free {
				t.Errorf("%s reused a 64 byte constant buffer", tt.name)
			}
			m.Release(other)
		})
	}
}

func TestNoPrematureReuse(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{Latency: 20 * time.Millisecond}, nil)
	const size = 64
	p1, p2 := pattern(size, 1), pattern(size, 100)

	capture := mustAlloc(t)(m.AllocateShaderReadBuffer(size/4, 4, Permanent, "capture"))

	var first Descriptor
	mustFrame(t, m, func() {
		a := mustAlloc(t)(m.AllocateVertexBuffer(size/4, 4, PerFrame, "a"))
		m.SetData(a, p1)

		// Copy a into capture the way a draw would consume it.
		l := m.CommandList()
		l.Transition(
			backend.Barrier{Buffer: m.Buffer(a), Before: backend.StateVertexAndConstantBuffer, After: backend.StateCopySource},
			backend.Barrier{Buffer: m.Buffer(capture), Before: backend.StateShaderResource, After: backend.StateCopyDest},
		)
		l.CopyBufferRegion(m.Buffer(capture), 0, m.Buffer(a), 0, size)
		l.Transition(
			backend.Barrier{Buffer: m.Buffer(a), Before: backend.StateCopySource, After: backend.StateVertexAndConstantBuffer},
			backend.Barrier{Buffer: m.Buffer(capture), Before: backend.StateCopyDest, After: backend.StateShaderResource},
		)

		first = m.Describe(a)
		m.Release(a)

		// a's staging memory still holds p1 for the pending copy.
		b := mustAlloc(t)(m.AllocateVertexBuffer(size/4, 4, PerFrame, "b"))
		if d := m.Describe(b); d.Page == first.Page && d.Offset == first.Offset {
			t.Fatalf("resource written this frame was reused in the same frame")
		}
		m.SetData(b, p2)
	})

	got, err := m.ReadBack(capture)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, p1) {
		t.Errorf("captured %v, want %v", got[:8], p1[:8])
	}

	// Once the frame is over the released memory is reused.
	m.ResetPerFrameMemory()
	heaps := m.Stats().Scopes[PerFrame].Pages.CreatedPages
	mustFrame(t, m, func() {
		mustAlloc(t)(m.AllocateVertexBuffer(size/4, 4, PerFrame, "c"))
		mustAlloc(t)(m.AllocateVertexBuffer(size/4, 4, PerFrame, "d"))
	})
	s := m.Stats()
	if s.Reused != 2 || s.Scopes[PerFrame].Pages.CreatedPages != heaps {
		t.Errorf("Reused = %d, CreatedPages = %d, want 2 and %d", s.Reused, s.Scopes[PerFrame].Pages.CreatedPages, heaps)
	}
}

func TestPageOverflowCreatesOnePage(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)

	const quarter = testPageSize / 4
	for i := 0; i < 4; i++ {
		h := mustAlloc(t)(m.AllocateConstantBuffer(quarter, PerScene, "fill"))
		if d := m.Describe(h); d.Page != 0 {
			t.Fatalf("fill %d landed on page %d", i, d.Page)
		}
	}
	if got := m.Stats().Scopes[PerScene].Pages.Pages; got != 1 {
		t.Fatalf("Pages = %d after filling one page, want 1", got)
	}

	h := mustAlloc(t)(m.AllocateConstantBuffer(1, PerScene, "overflow"))
	d := m.Describe(h)
	if d.Page != 1 || d.Offset != 0 {
		t.Errorf("overflow at page %d offset %d, want page 1 offset 0", d.Page, d.Offset)
	}
	if got := m.Stats().Scopes[PerScene].Pages.Pages; got != 2 {
		t.Errorf("Pages = %d, want 2", got)
	}
}

func TestAlignmentInvariant(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)
	var handles []Handle
	for _, n := range []uint32{1, 3, 17, 64, 100, 255} {
		handles = append(handles,
			mustAlloc(t)(m.AllocateVertexBuffer(n, 12, PerScene, "vb")),
			mustAlloc(t)(m.AllocateIndexBuffer(n, gputypes.IndexFormatUint16, PerScene, "ib")),
			mustAlloc(t)(m.AllocateConstantBuffer(uint64(n), PerScene, "cb")),
			mustAlloc(t)(m.AllocateTexture2D(n, 3, 1, gputypes.TextureFormatRGBA8Unorm, PerScene, "tex")),
		)
	}
	for _, h := range handles {
		d := m.Describe(h)
		align := uint64(DefaultAlignment)
		if d.Shape.Dimension.IsTexture() {
			align = TextureAlignment
			if d.StagingOffset%align != 0 {
				t.Errorf("%s staging offset %d not aligned to %d", d.Name, d.StagingOffset, align)
			}
		}
		if d.Offset%align != 0 {
			t.Errorf("%s offset %d not aligned to %d", d.Name, d.Offset, align)
		}
	}
}

func TestIdempotentDiscard(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{}, nil)
	h := mustAlloc(t)(m.AllocateVertexBuffer(64, 4, Permanent, "vb"))
	before := m.Stats().Scopes[Permanent].Pages

	mustFrame(t, m, func() {
		m.SetData(h, nil)
		m.SetData(h, nil)
	})
	if err := m.FlushGPU(); err != nil {
		t.Fatal(err)
	}

	after := m.Stats().Scopes[Permanent].Pages
	if after.OccupiedBytes != before.OccupiedBytes {
		t.Errorf("OccupiedBytes %d -> %d after discard", before.OccupiedBytes, after.OccupiedBytes)
	}
	if got := dev.Stats().Discards; got != 1 {
		t.Errorf("Discards = %d, want 1", got)
	}
}

func TestEndToEndConstantBuffer(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{Latency: 5 * time.Millisecond}, nil)
	mvp := mustAlloc(t)(m.AllocateConstantBuffer(64, Permanent, "MVP"))
	want := pattern(64, 42)

	mustFrame(t, m, func() { m.SetData(mvp, want) })
	// The frame's fence completes when its slot is next reused.
	mustFrame(t, m, nil)
	mustFrame(t, m, nil)

	got, err := m.ReadBack(mvp)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadBack() = %v, want %v", got, want)
	}
	if m.Name(mvp) != "MVP" {
		t.Errorf("Name() = %q", m.Name(mvp))
	}
	m.AppendName(mvp, "/camera")
	if m.Name(mvp) != "MVP/camera" {
		t.Errorf("Name() after AppendName = %q", m.Name(mvp))
	}
	if slot, ok := m.ViewSlot(mvp); !ok {
		t.Errorf("ViewSlot() = %d, %v, want a view", slot, ok)
	}
}

func TestSlotReuseBlocks(t *testing.T) {
	const latency = 40 * time.Millisecond
	m, _ := newTestManager(t, soft.Options{Latency: latency}, nil)
	mustFrame(t, m, nil)
	mustFrame(t, m, nil)

	start := time.Now()
	mustFrame(t, m, nil)
	if elapsed := time.Since(start); elapsed < latency/2 {
		t.Errorf("third frame began after %v, expected to wait for slot 0", elapsed)
	}
	if m.Stats().FenceWaits == 0 {
		t.Error("FenceWaits = 0, want a wait")
	}
}

func TestTeardown(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{}, nil)
	keep := mustAlloc(t)(m.AllocateVertexBuffer(16, 4, PerScene, "scene"))
	var released Handle
	for i := 0; i < 3; i++ {
		mustAlloc(t)(m.AllocateConstantBuffer(256, Permanent, "cb"))
		mustAlloc(t)(m.AllocateTextureCube(8, 1, gputypes.TextureFormatRGBA8Unorm, Permanent, "cube"))
		released = mustAlloc(t)(m.AllocateSampler(backend.AddressClampToEdge, backend.BorderColorOpaqueBlack, 0, float32(i), Permanent))
	}
	m.Release(released)
	mustFrame(t, m, nil)
	liveBefore := dev.Stats().LiveHeapBytes

	if err := m.ReleaseAllPermanentMemory(); err != nil {
		t.Fatal(err)
	}

	s := m.Stats().Scopes[Permanent]
	if s.Pages.Pages != 0 || s.Pages.OccupiedBytes != 0 || s.Pages.ReservedBytes != 0 {
		t.Errorf("permanent pages after release: %s", s.Pages)
	}
	if s.Live != 0 || s.Free != 0 {
		t.Errorf("permanent records after release: %d live, %d free", s.Live, s.Free)
	}
	if dev.Stats().LiveHeapBytes >= liveBefore {
		t.Errorf("LiveHeapBytes = %d, want below %d", dev.Stats().LiveHeapBytes, liveBefore)
	}
	if m.Stats().Views.Live != 0 || m.Stats().Samplers.Live != 0 {
		t.Errorf("views still live: %+v %+v", m.Stats().Views, m.Stats().Samplers)
	}

	// Other scopes are untouched.
	if m.Name(keep) != "scene" || m.Stats().Scopes[PerScene].Pages.Pages != 1 {
		t.Error("per-scene scope changed by permanent teardown")
	}
	// The scope is usable again.
	mustAlloc(t)(m.AllocateConstantBuffer(64, Permanent, "again"))
}

func TestResetInvalidatesHandles(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)
	a := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "a"))
	s := mustAlloc(t)(m.AllocateConstantBuffer(64, PerScene, "s"))

	m.ResetPerFrameMemory()
	st := m.Stats()
	if st.Scopes[PerFrame].Live != 0 || st.Scopes[PerFrame].Free != 1 {
		t.Errorf("per-frame after reset: %d live, %d free", st.Scopes[PerFrame].Live, st.Scopes[PerFrame].Free)
	}
	if st.Scopes[PerScene].Live != 1 {
		t.Errorf("per-scene live = %d, want 1", st.Scopes[PerScene].Live)
	}

	b := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "b"))
	if a == b {
		t.Errorf("reused record kept handle %s", a)
	}
	if a.index() != b.index() || a.generation() == b.generation() {
		t.Errorf("handles %s and %s: want same record, new generation", a, b)
	}

	m.ResetPerSceneMemory()
	if m.Stats().Scopes[PerScene].Free != 1 {
		t.Error("per-scene resource not recycled")
	}
	_ = s
}

func TestTextureUpload(t *testing.T) {
	tests := []struct {
		name  string
		alloc func(m *Manager) (Handle, error)
	}{
		{"2d mips", func(m *Manager) (Handle, error) {
			return m.AllocateTexture2D(5, 3, 2, gputypes.TextureFormatRGBA8Unorm, Permanent, "2d")
		}},
		{"2d array", func(m *Manager) (Handle, error) {
			return m.AllocateTexture2DArray(4, 4, 3, 0, gputypes.TextureFormatR8Unorm, Permanent, "array")
		}},
		{"1d", func(m *Manager) (Handle, error) {
			return m.AllocateTexture1D(70, 1, gputypes.TextureFormatRG16Float, Permanent, "1d")
		}},
		{"3d", func(m *Manager) (Handle, error) {
			return m.AllocateTexture3D(4, 2, 3, 2, gputypes.TextureFormatRGBA8Unorm, Permanent, "3d")
		}},
		{"cube", func(m *Manager) (Handle, error) {
			return m.AllocateTextureCube(2, 1, gputypes.TextureFormatBGRA8Unorm, Permanent, "cube")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, dev := newTestManager(t, soft.Options{}, nil)
			h := mustAlloc(t)(tt.alloc(m))
			d := m.Describe(h)
			want := pattern(int(d.Size), 9)

			mustFrame(t, m, func() { m.SetData(h, want) })
			got, err := m.ReadBack(h)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("ReadBack() differs from uploaded data")
			}
			if err := dev.Lost(); err != nil {
				t.Errorf("device lost: %v", err)
			}
		})
	}
}

func TestSetDataImmediate(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{Latency: 5 * time.Millisecond}, nil)
	vb := mustAlloc(t)(m.AllocateVertexBuffer(32, 8, Permanent, "vb"))
	tex := mustAlloc(t)(m.AllocateTexture2D(8, 8, 1, gputypes.TextureFormatRGBA8Unorm, Permanent, "tex"))

	// Frames in flight must not race the immediate upload.
	mustFrame(t, m, nil)

	wantVB, wantTex := pattern(256, 3), pattern(8*8*4, 5)
	if err := m.SetDataImmediate(vb, wantVB); err != nil {
		t.Fatal(err)
	}
	if err := m.SetDataImmediate(tex, wantTex); err != nil {
		t.Fatal(err)
	}
	submits := dev.Stats().Submits
	if err := m.SubmitImmediate(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Stats().Submits; got != submits+1 {
		t.Errorf("Submits = %d, want %d", got, submits+1)
	}
	if err := m.SubmitImmediate(); err != nil {
		t.Errorf("empty SubmitImmediate() error = %v", err)
	}

	for _, c := range []struct {
		h    Handle
		want []byte
	}{{vb, wantVB}, {tex, wantTex}} {
		got, err := m.ReadBack(c.h)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, c.want) {
			t.Errorf("%s: ReadBack() differs after immediate upload", m.Name(c.h))
		}
	}
}

func TestSampler(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)
	h := mustAlloc(t)(m.AllocateSampler(backend.AddressClampToBorder, backend.BorderColorOpaqueWhite, 0, 8, PerScene))

	slot, ok := m.ViewSlot(h)
	if !ok {
		t.Fatal("sampler has no view")
	}
	state, ok := soft.SamplerState(m.Sampler(h))
	if !ok || state.AddressModeU != backend.AddressClampToBorder || state.BorderColor != backend.BorderColorOpaqueWhite || state.LodMaxClamp != 8 {
		t.Errorf("sampler state = %+v", state)
	}
	if d := m.Describe(h); d.Page != -1 || d.ViewSlot != int(slot) {
		t.Errorf("Describe() = %+v", d)
	}

	first := m.Sampler(h)
	m.Release(h)
	again := mustAlloc(t)(m.AllocateSampler(backend.AddressClampToBorder, backend.BorderColorOpaqueWhite, 0, 8, PerScene))
	if m.Sampler(again) != first {
		t.Error("sampler object changed on reuse")
	}
	if m.Stats().Reused != 1 {
		t.Errorf("Reused = %d, want 1", m.Stats().Reused)
	}
}

func TestViewsAreRetiredByFence(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)

	var slots []uint32
	for frame := 0; frame < 4; frame++ {
		mustFrame(t, m, func() {
			m.ResetPerFrameMemory()
			h := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "per-frame"))
			slot, _ := m.ViewSlot(h)
			slots = append(slots, slot)
		})
	}
	// A view released in frame F is not rewritten before frame F has
	// completed, so consecutive frames never share a slot.
	for i := 1; i < len(slots); i++ {
		if slots[i] == slots[i-1] {
			t.Errorf("frames %d and %d share view slot %d", i-1, i, slots[i])
		}
	}
	if used := m.Stats().Views.Used; used > 3 {
		t.Errorf("views used = %d, want at most 3 with two frames in flight", used)
	}
}

func TestViewReleasedInFrameOutlivesImmediateSubmit(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{Latency: time.Millisecond}, nil)
	vb := mustAlloc(t)(m.AllocateVertexBuffer(4, 4, Permanent, "vb"))

	var first uint32
	mustFrame(t, m, func() {
		cb := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "first"))
		first, _ = m.ViewSlot(cb)
		m.Release(cb)

		// The immediate wait completes a fence value, but the frame's
		// list, which may still read the released view, is not submitted.
		if err := m.SetDataImmediate(vb, pattern(16, 1)); err != nil {
			t.Fatal(err)
		}
		if err := m.SubmitImmediate(); err != nil {
			t.Fatal(err)
		}
		again := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "second"))
		if slot, _ := m.ViewSlot(again); slot == first {
			t.Errorf("view slot %d rewritten inside the frame that released it", slot)
		}
	})

	if err := m.FlushGPU(); err != nil {
		t.Fatal(err)
	}
	third := mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "third"))
	if slot, _ := m.ViewSlot(third); slot != first {
		t.Errorf("ViewSlot() after the frame completed = %d, want recycled slot %d", slot, first)
	}
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*Config)
		alloc func(m *Manager) (Handle, error)
		want  error
	}{
		{"zero size", nil, func(m *Manager) (Handle, error) {
			return m.AllocateConstantBuffer(0, PerFrame, "empty")
		}, ErrZeroSize},
		{"zero texture", nil, func(m *Manager) (Handle, error) {
			return m.AllocateTexture2D(0, 4, 1, gputypes.TextureFormatRGBA8Unorm, PerFrame, "empty")
		}, ErrZeroSize},
		{"buffer over device limit", nil, func(m *Manager) (Handle, error) {
			return m.AllocateVertexBuffer(1<<27, 4, PerFrame, "huge")
		}, ErrExceedsDeviceLimits},
		{"texture over device limit", nil, func(m *Manager) (Handle, error) {
			return m.AllocateTexture2D(16384, 4, 1, gputypes.TextureFormatRGBA8Unorm, PerFrame, "wide")
		}, ErrExceedsDeviceLimits},
		{"too many mips", nil, func(m *Manager) (Handle, error) {
			return m.AllocateTexture2D(4, 4, 5, gputypes.TextureFormatRGBA8Unorm, PerFrame, "mips")
		}, ErrExceedsDeviceLimits},
		{"unsupported texture format", nil, func(m *Manager) (Handle, error) {
			return m.AllocateTexture2D(4, 4, 1, gputypes.TextureFormatDepth24PlusStencil8, PerFrame, "depth")
		}, ErrUnsupportedFormat},
		{"unsupported index format", nil, func(m *Manager) (Handle, error) {
			return m.AllocateIndexBuffer(4, gputypes.IndexFormat(99), PerFrame, "ib")
		}, ErrUnsupportedFormat},
		{"larger than a page", nil, func(m *Manager) (Handle, error) {
			return m.AllocateVertexBuffer(testPageSize/4+1, 4, PerFrame, "big")
		}, ErrPageTooSmall},
		{"budget exceeded", func(c *Config) {
			c.PageSize = 4 << 20
			c.BudgetMB = 16
		}, func(m *Manager) (Handle, error) {
			if _, err := m.AllocateVertexBuffer(1<<20, 4, PerFrame, "fill"); err != nil {
				return 0, err
			}
			return m.AllocateVertexBuffer(1, 4, PerFrame, "over")
		}, ErrBudgetExceeded},
		{"sampler heap full", func(c *Config) { c.SamplerHeapCapacity = 2 }, func(m *Manager) (Handle, error) {
			for i := 0; i < 2; i++ {
				if _, err := m.AllocateSampler(backend.AddressRepeat, backend.BorderColorTransparentBlack, 0, float32(i), PerFrame); err != nil {
					return 0, err
				}
			}
			return m.AllocateSampler(backend.AddressRepeat, backend.BorderColorTransparentBlack, 0, 2, PerFrame)
		}, ErrDescriptorHeapFull},
		{"inverted lod range", nil, func(m *Manager) (Handle, error) {
			return m.AllocateSampler(backend.AddressRepeat, backend.BorderColorTransparentBlack, 4, 1, PerFrame)
		}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, soft.Options{}, tt.cfg)
			_, err := tt.alloc(m)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrConfiguration) || errors.Is(err, ErrDevice) {
				t.Errorf("error %v is not classified as a configuration error", err)
			}
		})
	}
}

func TestHeapCreationFailureIsConfiguration(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{MaxHeapBytes: 2 * testPageSize}, nil)
	_, err := m.AllocateConstantBuffer(64, PerFrame, "cb")
	if !errors.Is(err, backend.ErrOutOfMemory) || !errors.Is(err, ErrConfiguration) {
		t.Errorf("error = %v, want out of memory configuration error", err)
	}
	if got := m.Stats().Scopes[PerFrame].Pages.Pages; got != 0 {
		t.Errorf("Pages = %d after failed creation", got)
	}
}

func TestDeviceLost(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{}, nil)
	h := mustAlloc(t)(m.AllocateConstantBuffer(64, Permanent, "cb"))
	dev.LoseDevice("test")

	err := m.BeginFrame()
	if !errors.Is(err, ErrDevice) || !errors.Is(err, ErrDeviceLost) {
		t.Errorf("BeginFrame() error = %v, want device lost", err)
	}
	if errors.Is(err, ErrConfiguration) {
		t.Errorf("device loss classified as configuration error: %v", err)
	}

	_, err = m.AllocateVertexBuffer(4, 4, PerScene, "vb")
	if !errors.Is(err, ErrDevice) {
		t.Errorf("allocation after loss error = %v, want ErrDevice", err)
	}
	if _, err := m.ReadBack(h); !errors.Is(err, ErrDevice) {
		t.Errorf("ReadBack() after loss error = %v, want ErrDevice", err)
	}
	if err := m.Close(); !errors.Is(err, ErrDevice) {
		t.Errorf("Close() error = %v, want ErrDevice", err)
	}
}

func TestInvalidTransitionLosesDevice(t *testing.T) {
	for _, latency := range []time.Duration{0, 5 * time.Millisecond} {
		t.Run(latency.String(), func(t *testing.T) {
			m, dev := newTestManager(t, soft.Options{Latency: latency}, nil)
			h := mustAlloc(t)(m.AllocateVertexBuffer(4, 4, Permanent, "vb"))
			mustFrame(t, m, func() {
				// Wrong before-state: the buffer rests in the vertex buffer state.
				m.CommandList().Transition(backend.Barrier{Buffer: m.Buffer(h), Before: backend.StateCopyDest, After: backend.StateCommon})
			})
			// Fences queued behind the failed list never complete.
			err := m.FlushGPU()
			if !errors.Is(err, ErrDevice) || !errors.Is(err, ErrDeviceLost) {
				t.Errorf("FlushGPU() error = %v, want device lost", err)
			}
			if !errors.Is(dev.Lost(), backend.ErrInvalidState) {
				t.Errorf("Lost() = %v, want ErrInvalidState", dev.Lost())
			}
			if err := m.FlushGPU(); !errors.Is(err, ErrDeviceLost) {
				t.Errorf("second FlushGPU() error = %v, want device lost", err)
			}
		})
	}
}

func TestFenceTimeout(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{Latency: 200 * time.Millisecond}, func(c *Config) {
		c.FramesInFlight = 1
		c.FenceTimeout = Duration(5 * time.Millisecond)
	})
	mustFrame(t, m, nil)
	err := m.BeginFrame()
	if !errors.Is(err, ErrFenceTimeout) || !errors.Is(err, ErrDevice) {
		t.Errorf("BeginFrame() error = %v, want fence timeout", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, dev := newTestManager(t, soft.Options{}, nil)
	mustAlloc(t)(m.AllocateVertexBuffer(4, 4, PerFrame, "vb"))
	if err := m.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	// An open frame is dropped.
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if got := dev.Stats().LiveHeapBytes; got != 0 {
		t.Errorf("LiveHeapBytes = %d after Close, want 0", got)
	}
}

func TestStatsString(t *testing.T) {
	m, _ := newTestManager(t, soft.Options{}, nil)
	mustAlloc(t)(m.AllocateConstantBuffer(64, PerFrame, "cb"))
	s := m.Stats().String()
	for _, want := range []string{"GPUMemory[", "per-frame: 1 live", "permanent: 0 live", "views: 1/64"} {
		if !bytes.Contains([]byte(s), []byte(want)) {
			t.Errorf("Stats().String() = %q, missing %q", s, want)
		}
	}
}
