package backend

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// fakeDevice implements Device by embedding; only Name is callable.
type fakeDevice struct {
	Device
	name string
}

func (d *fakeDevice) Name() string { return d.name }

func registerFake(t *testing.T, name string, err error) {
	t.Helper()
	Register(name, func() (Device, error) {
		if err != nil {
			return nil, err
		}
		return &fakeDevice{name: name}, nil
	})
	t.Cleanup(func() { Unregister(name) })
}

// isolate empties the registry for the duration of a test.
func isolate(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]DeviceFactory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func TestRegistryRegisterAndOpen(t *testing.T) {
	isolate(t)
	registerFake(t, "test-a", nil)

	if !IsRegistered("test-a") {
		t.Fatal("test-a should be registered")
	}
	dev, err := Open("test-a")
	if err != nil {
		t.Fatalf("Open(test-a) error = %v", err)
	}
	if dev.Name() != "test-a" {
		t.Errorf("Open(test-a).Name() = %q", dev.Name())
	}
}

func TestRegistryOpenUnregistered(t *testing.T) {
	isolate(t)
	_, err := Open("nonexistent")
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(nonexistent) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestRegistryOpenFactoryError(t *testing.T) {
	isolate(t)
	registerFake(t, "broken", ErrOutOfMemory)
	_, err := Open("broken")
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Open(broken) error = %v, want wrapped factory error", err)
	}
}

func TestRegistryAvailableSorted(t *testing.T) {
	isolate(t)
	registerFake(t, "zeta", nil)
	registerFake(t, "alpha", nil)
	got := Available()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Available() = %v, want [alpha zeta]", got)
	}
}

func TestRegistryDefaultPriority(t *testing.T) {
	tests := []struct {
		name       string
		registered map[string]error
		want       string
	}{
		{"native first", map[string]error{BackendNative: nil, BackendSoftware: nil, "other": nil}, BackendNative},
		{"falls back to software", map[string]error{BackendNative: ErrDeviceLost, BackendSoftware: nil}, BackendSoftware},
		{"then others in name order", map[string]error{BackendNative: ErrDeviceLost, "b": nil, "a": nil}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for name, err := range tt.registered {
				registerFake(t, name, err)
			}
			dev, err := Default()
			if err != nil {
				t.Fatalf("Default() error = %v", err)
			}
			if dev.Name() != tt.want {
				t.Errorf("Default().Name() = %q, want %q", dev.Name(), tt.want)
			}
		})
	}
}

func TestRegistryDefaultNoneAvailable(t *testing.T) {
	isolate(t)
	if _, err := Default(); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Default() on empty registry error = %v", err)
	}

	registerFake(t, BackendNative, ErrDeviceLost)
	_, err := Default()
	if !errors.Is(err, ErrBackendNotAvailable) || !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Default() error = %v, want both the registry and factory errors", err)
	}
}

func TestRegistryMustDefaultPanics(t *testing.T) {
	isolate(t)
	defer func() {
		if recover() == nil {
			t.Error("MustDefault() did not panic on an empty registry")
		}
	}()
	MustDefault()
}

func TestRegistryUnregister(t *testing.T) {
	isolate(t)
	Register("test-backend", func() (Device, error) { return &fakeDevice{name: "test-backend"}, nil })
	Unregister("test-backend")
	if IsRegistered("test-backend") {
		t.Error("test-backend should be unregistered")
	}
}

func TestStateReadable(t *testing.T) {
	for _, s := range []ResourceState{StateGenericRead, StateCopySource} {
		if !s.Readable() {
			t.Errorf("%s should be readable", s)
		}
	}
	for _, s := range []ResourceState{StateCommon, StateCopyDest, StateShaderResource, StateVertexAndConstantBuffer} {
		if s.Readable() {
			t.Errorf("%s should not be readable", s)
		}
	}
}

func TestLimitsFromGPU(t *testing.T) {
	gl := gputypes.DefaultLimits()
	l := LimitsFromGPU(gl)
	if l.MaxBufferSize != gl.MaxBufferSize || l.MaxTextureDimension2D != gl.MaxTextureDimension2D {
		t.Errorf("LimitsFromGPU() = %+v", l)
	}
	if d := DefaultLimits(); d.MaxBufferSize == 0 || d.MaxTextureArrayLayers == 0 {
		t.Errorf("DefaultLimits() = %+v", d)
	}
}
