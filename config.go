package gpumem

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Configuration defaults and bounds.
const (
	// DefaultPageSize is the capacity of one page.
	DefaultPageSize = 16 << 20

	// MinPageSize is the smallest accepted page size.
	MinPageSize = 64 << 10

	// DefaultAlignment is the placement alignment of buffers.
	DefaultAlignment = 256

	// TextureAlignment is the placement alignment of textures and their
	// staging memory.
	TextureAlignment = 512

	// DefaultFramesInFlight is the number of frame slots.
	DefaultFramesInFlight = 2

	// MaxFramesInFlight bounds FramesInFlight.
	MaxFramesInFlight = 8

	// DefaultBudgetMB caps device memory reserved by pages.
	DefaultBudgetMB = 1024

	// MinBudgetMB is the smallest accepted non-zero budget.
	MinBudgetMB = 16

	DefaultViewHeapCapacity    = 4096
	DefaultSamplerHeapCapacity = 256
)

// Config holds the manager configuration. The zero value is not valid;
// start from DefaultConfig.
type Config struct {
	// PageSize is the capacity of every page, a multiple of
	// TextureAlignment. Resources larger than a page cannot be allocated.
	PageSize uint64 `toml:"page_size"`

	// Alignment is the placement alignment of buffers, a power of two of
	// at least 256.
	Alignment uint64 `toml:"alignment"`

	// FramesInFlight is the number of frame slots, between 1 and
	// MaxFramesInFlight.
	FramesInFlight int `toml:"frames_in_flight"`

	// BudgetMB caps device memory reserved by pages across all scopes,
	// counting per-slot upload heaps. Zero means unlimited.
	BudgetMB uint64 `toml:"budget_mb"`

	ViewHeapCapacity    uint32 `toml:"view_heap_capacity"`
	SamplerHeapCapacity uint32 `toml:"sampler_heap_capacity"`

	// FenceTimeout bounds every fence wait. Zero waits forever.
	FenceTimeout Duration `toml:"fence_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:            DefaultPageSize,
		Alignment:           DefaultAlignment,
		FramesInFlight:      DefaultFramesInFlight,
		BudgetMB:            DefaultBudgetMB,
		ViewHeapCapacity:    DefaultViewHeapCapacity,
		SamplerHeapCapacity: DefaultSamplerHeapCapacity,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Alignment < DefaultAlignment || c.Alignment&(c.Alignment-1) != 0:
		return configErr(ErrInvalidConfig, "alignment %d is not a power of two >= %d", c.Alignment, DefaultAlignment)
	case c.PageSize < MinPageSize:
		return configErr(ErrInvalidConfig, "page size %d below %d", c.PageSize, MinPageSize)
	case c.PageSize%c.textureAlignment() != 0:
		return configErr(ErrInvalidConfig, "page size %d is not a multiple of %d", c.PageSize, c.textureAlignment())
	case c.FramesInFlight < 1 || c.FramesInFlight > MaxFramesInFlight:
		return configErr(ErrInvalidConfig, "frames in flight %d outside [1, %d]", c.FramesInFlight, MaxFramesInFlight)
	case c.BudgetMB != 0 && c.BudgetMB < MinBudgetMB:
		return configErr(ErrInvalidConfig, "budget %d MB below %d MB", c.BudgetMB, MinBudgetMB)
	case c.ViewHeapCapacity == 0:
		return configErr(ErrInvalidConfig, "view heap capacity is zero")
	case c.SamplerHeapCapacity == 0:
		return configErr(ErrInvalidConfig, "sampler heap capacity is zero")
	case c.FenceTimeout < 0:
		return configErr(ErrInvalidConfig, "negative fence timeout %s", time.Duration(c.FenceTimeout))
	}
	return nil
}

// textureAlignment is the placement alignment of textures.
func (c Config) textureAlignment() uint64 {
	return max(c.Alignment, TextureAlignment)
}

// budgetBytes returns the page budget in bytes, zero for unlimited.
func (c Config) budgetBytes() uint64 {
	return c.BudgetMB << 20
}

// ParseConfig decodes a TOML document over DefaultConfig and validates
// the result. Keys missing from the document keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, configErr(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configErr(err, "read config %s", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Duration is a time.Duration that reads and writes TOML strings such as
// "250ms" or "2s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.Wrapf(err, "duration %q", b)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
