// Package assert implements the contract checks of gpumem.
//
// Checks are on by default. Building with the gpumem_release tag compiles
// them out, after which violating a contract has unspecified results.
package assert

import "github.com/cockroachdb/errors"

// ErrViolation marks every contract violation panic.
var ErrViolation = errors.New("gpumem: contract violation")

// That panics with an assertion failure marked ErrViolation when checks
// are enabled and cond is false. A recovered value satisfies both
// errors.Is(err, ErrViolation) and errors.HasAssertionFailure(err).
func That(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(errors.Mark(errors.AssertionFailedWithDepthf(1, format, args...), ErrViolation))
	}
}

// Fail panics unconditionally when checks are enabled.
func Fail(format string, args ...any) {
	if Enabled {
		panic(errors.Mark(errors.AssertionFailedWithDepthf(1, format, args...), ErrViolation))
	}
}
