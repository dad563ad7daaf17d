package backend

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Backend name constants.
const (
	// BackendSoftware is the name of the CPU-emulated device (backend/soft).
	BackendSoftware = "software"
	// BackendNative is the name of the Pure Go GPU device (gogpu/wgpu hal).
	BackendNative = "native"
)

// DeviceFactory opens a new device.
type DeviceFactory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]DeviceFactory)
	// Priority order for backend selection (first that opens wins).
	backendPriority = []string{BackendNative, BackendSoftware}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory DeviceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens a device from the named backend.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrBackendNotAvailable, "%q", name)
	}
	dev, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s device", name)
	}
	return dev, nil
}

// Default opens the best available device based on priority.
// Priority order: native > software, then any other registered backend.
// Backends whose factory fails are skipped.
func Default() (Device, error) {
	registryMu.RLock()
	factories := make([]DeviceFactory, 0, len(backends))
	for _, name := range backendPriority {
		if f, ok := backends[name]; ok {
			factories = append(factories, f)
		}
	}
	rest := make([]string, 0, len(backends))
	for name := range backends {
		if !isPriority(name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		factories = append(factories, backends[name])
	}
	registryMu.RUnlock()

	var errs error
	for _, f := range factories {
		dev, err := f()
		if err == nil && dev != nil {
			return dev, nil
		}
		errs = errors.CombineErrors(errs, err)
	}
	if errs != nil {
		return nil, errors.Mark(errs, ErrBackendNotAvailable)
	}
	return nil, ErrBackendNotAvailable
}

// MustDefault returns the default device or panics.
func MustDefault() Device {
	d, err := Default()
	if err != nil {
		panic("backend: no backend available: " + err.Error())
	}
	return d
}

func isPriority(name string) bool {
	for _, p := range backendPriority {
		if p == name {
			return true
		}
	}
	return false
}
