package gpumem

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unlimited budget", func(c *Config) { c.BudgetMB = 0 }, true},
		{"single frame", func(c *Config) { c.FramesInFlight = 1 }, true},
		{"max frames", func(c *Config) { c.FramesInFlight = MaxFramesInFlight }, true},
		{"large alignment", func(c *Config) { c.Alignment = 4096 }, true},
		{"zero frames", func(c *Config) { c.FramesInFlight = 0 }, false},
		{"too many frames", func(c *Config) { c.FramesInFlight = MaxFramesInFlight + 1 }, false},
		{"small alignment", func(c *Config) { c.Alignment = 128 }, false},
		{"odd alignment", func(c *Config) { c.Alignment = 384 }, false},
		{"small page", func(c *Config) { c.PageSize = MinPageSize - TextureAlignment }, false},
		{"unaligned page", func(c *Config) { c.PageSize = MinPageSize + 100 }, false},
		{"small budget", func(c *Config) { c.BudgetMB = MinBudgetMB - 1 }, false},
		{"no views", func(c *Config) { c.ViewHeapCapacity = 0 }, false},
		{"no samplers", func(c *Config) { c.SamplerHeapCapacity = 0 }, false},
		{"negative timeout", func(c *Config) { c.FenceTimeout = Duration(-time.Second) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() = %v, want invalid configuration", err)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
page_size = 4194304
frames_in_flight = 3
fence_timeout = "250ms"
`))
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.PageSize = 4 << 20
	want.FramesInFlight = 3
	want.FenceTimeout = Duration(250 * time.Millisecond)
	if cfg != want {
		t.Errorf("ParseConfig() = %+v, want %+v", cfg, want)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "page_size = "},
		{"bad duration", `fence_timeout = "soon"`},
		{"invalid value", "frames_in_flight = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc))
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("ParseConfig(%q) = %v, want configuration error", tt.doc, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpumem.toml")
	if err := os.WriteFile(path, []byte("budget_mb = 64\nview_heap_capacity = 128\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BudgetMB != 64 || cfg.ViewHeapCapacity != 128 || cfg.PageSize != DefaultPageSize {
		t.Errorf("LoadConfig() = %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("LoadConfig(missing) = %v, want configuration error", err)
	}
}

func TestDurationText(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalText()
	if err != nil || string(b) != "1.5s" {
		t.Fatalf("MarshalText() = %q, %v", b, err)
	}
	var back Duration
	if err := back.UnmarshalText(b); err != nil || back != d {
		t.Errorf("UnmarshalText(%q) = %v, %v", b, back, err)
	}
}
