//go:build nogpu

package native

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
)

// Device is unavailable in nogpu builds.
type Device struct{ backend.Device }

// Open reports backend.ErrBackendNotAvailable in nogpu builds.
func Open() (*Device, error) {
	return nil, errors.Wrap(backend.ErrBackendNotAvailable, "native: built with nogpu")
}

// OpenNoop reports backend.ErrBackendNotAvailable in nogpu builds.
func OpenNoop() (*Device, error) { return Open() }
