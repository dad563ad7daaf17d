package gpumem

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpumem/backend"
)

func TestHandlePacking(t *testing.T) {
	tests := []struct {
		lifetime Lifetime
		gen      uint32
		idx      int
	}{
		{PerFrame, 0, 0},
		{PerScene, 1, 41},
		{Permanent, handleGenMask, 1<<32 - 2},
	}
	for _, tt := range tests {
		h := makeHandle(tt.lifetime, tt.gen, tt.idx)
		if !h.Valid() {
			t.Errorf("makeHandle(%v, %d, %d) is invalid", tt.lifetime, tt.gen, tt.idx)
		}
		if h.Lifetime() != tt.lifetime || h.generation() != tt.gen || h.index() != tt.idx {
			t.Errorf("%s unpacks to %v, %d, %d", h, h.Lifetime(), h.generation(), h.index())
		}
	}

	// Generations wrap within the handle.
	if h := makeHandle(PerFrame, handleGenMask+2, 0); h.generation() != 1 {
		t.Errorf("generation = %d, want 1", h.generation())
	}
	if Handle(0).Valid() || Handle(0).String() != "gpumem.Handle(invalid)" {
		t.Error("zero handle is valid")
	}
	if got := makeHandle(PerScene, 3, 7).String(); got != "gpumem.Handle(per-scene#7.3)" {
		t.Errorf("String() = %q", got)
	}
}

func TestShapeKey(t *testing.T) {
	cb := Shape{Kind: ConstantBuffer, Dimension: DimensionBuffer, Size: 64}
	tex := Shape{Kind: ShaderRead, Dimension: Dimension2D, Width: 4, Height: 4, DepthOrLayers: 1, MipLevels: 1, Format: gputypes.TextureFormatRGBA8Unorm}
	smp := Shape{Kind: Sampler, Dimension: DimensionSampler, Sampler: SamplerDesc{AddressU: backend.AddressRepeat, MaxLOD: 1}}

	tests := []struct {
		name string
		a, b Shape
		same bool
	}{
		{"identical buffer", cb, cb, true},
		{"identical texture", tex, tex, true},
		{"size", cb, Shape{Kind: ConstantBuffer, Dimension: DimensionBuffer, Size: 65}, false},
		{"kind", cb, Shape{Kind: ShaderRead, Dimension: DimensionBuffer, Size: 64}, false},
		{"format", tex, func() Shape { s := tex; s.Format = gputypes.TextureFormatBGRA8Unorm; return s }(), false},
		{"mips", tex, func() Shape { s := tex; s.MipLevels = 2; return s }(), false},
		{"lod", smp, func() Shape { s := smp; s.Sampler.MaxLOD = 2; return s }(), false},
		{"negative zero lod", smp, func() Shape { s := smp; s.Sampler.MinLOD = float32(negZero()); return s }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.key() == tt.b.key(); got != tt.same {
				t.Errorf("key(%s) == key(%s) is %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func negZero() float64 {
	z := 0.0
	return -z
}
