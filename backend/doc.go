// Package backend defines the device abstraction gpumem allocates from and
// a registry of device implementations.
//
// The abstraction follows explicit graphics APIs: heaps are large blocks of
// default (device-local) or upload (CPU-writable) memory, buffers and
// textures are placed inside heaps at caller-chosen offsets, and GPU work is
// recorded into command lists, submitted to one queue and observed through
// fences.
//
// # Backend Registration
//
// Backends register themselves from init() functions. Import the ones you
// want:
//
//	import (
//	    _ "github.com/gogpu/gpumem/backend/native"
//	    _ "github.com/gogpu/gpumem/backend/soft"
//	)
//
// # Backend Selection
//
// Use Default() to open the best available device, or Open() to request a
// specific backend by name:
//
//	dev, err := backend.Default()
//
//	// Or request a specific backend
//	dev, err := backend.Open(backend.BackendSoftware)
//
// # Resource States
//
// Every placed resource carries a [ResourceState]. Command lists move
// resources between states with [Barrier] records; copies require the
// destination in [StateCopyDest] and the source in a readable state.
package backend
