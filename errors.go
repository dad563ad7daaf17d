package gpumem

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
	"github.com/gogpu/gpumem/internal/descheap"
	"github.com/gogpu/gpumem/internal/fence"
	"github.com/gogpu/gpumem/internal/footprint"
	"github.com/gogpu/gpumem/internal/page"
)

// Error classes. Every error returned by a Manager is marked with exactly
// one of ErrConfiguration and ErrDevice, so callers can branch with
// errors.Is without knowing the underlying cause.
var (
	// ErrConfiguration marks failures caused by what was asked for: sizes,
	// formats, limits, budgets and exhausted descriptor heaps.
	ErrConfiguration = errors.New("gpumem: configuration error")

	// ErrDevice marks failures reported by the device: device loss,
	// fence timeouts and rejected submissions.
	ErrDevice = errors.New("gpumem: device error")

	// ErrContractViolation marks the panics raised when the caller breaks
	// the usage contract: stale handles, writes outside a frame, size
	// mismatches. It is never returned as an error.
	ErrContractViolation = assert.ErrViolation
)

// Configuration causes.
var (
	// ErrZeroSize is returned for empty buffers and textures.
	ErrZeroSize = errors.New("gpumem: zero-sized resource")

	// ErrExceedsDeviceLimits is returned when a shape exceeds a device limit.
	ErrExceedsDeviceLimits = errors.New("gpumem: exceeds device limits")

	// ErrUnsupportedFormat is returned for formats that cannot be staged.
	ErrUnsupportedFormat = footprint.ErrUnsupportedFormat

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("gpumem: invalid config")

	// ErrBudgetExceeded is returned when a new page would exceed BudgetMB.
	ErrBudgetExceeded = page.ErrBudgetExceeded

	// ErrPageTooSmall is returned when a resource cannot fit in one page.
	ErrPageTooSmall = page.ErrTooLarge

	// ErrDescriptorHeapFull is returned when a view or sampler heap has no
	// slot left.
	ErrDescriptorHeapFull = descheap.ErrHeapFull
)

// Device causes.
var (
	// ErrDeviceLost is returned once the device has been lost.
	ErrDeviceLost = backend.ErrDeviceLost

	// ErrFenceTimeout is returned when a fence wait exceeds FenceTimeout.
	ErrFenceTimeout = fence.ErrTimeout
)

// classify marks err as a device or configuration error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDevice) || errors.Is(err, ErrConfiguration) {
		return err
	}
	if errors.Is(err, backend.ErrDeviceLost) || errors.Is(err, backend.ErrInvalidState) ||
		errors.Is(err, ErrFenceTimeout) {
		return errors.Mark(err, ErrDevice)
	}
	return errors.Mark(err, ErrConfiguration)
}

// deviceErr marks err as a device error regardless of its cause.
func deviceErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrDevice)
}

// configErr wraps cause as a configuration error.
func configErr(cause error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrConfiguration)
}
