// Package gpumem manages the GPU memory of a frame-based renderer: it
// allocates, recycles, uploads and synchronizes buffers, textures and
// samplers together with their descriptor heap entries.
//
// # Overview
//
// A [Manager] is created on a backend device and driven from the render
// goroutine:
//
//	dev, _ := backend.Default()
//	m, err := gpumem.New(dev, gpumem.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	mvp, _ := m.AllocateConstantBuffer(64, gpumem.Permanent, "MVP")
//	for running {
//	    m.BeginFrame()
//	    m.SetData(mvp, matrix[:])
//	    // record draws into m.CommandList()
//	    m.EndFrame()
//	    m.ResetPerFrameMemory()
//	}
//
// # Memory model
//
// Each [Lifetime] scope owns pages: large blocks of device memory carved
// by a bump allocator. Buffers live in staged pages, which pair the
// device-local heap with one CPU-writable upload heap per frame in
// flight at the same offset. Textures live in device-local pages; their
// staging memory is a pitched linear copy in upload pages.
//
// Page space is never reclaimed while a page lives. Instead, released
// resources go onto their scope's free list and are handed out again to
// the next request with a byte-identical [Shape], reusing the GPU memory
// as is. ResetPerFrameMemory and ResetPerSceneMemory release every live
// resource of their scope; ReleaseAllPermanentMemory destroys the
// permanent scope outright.
//
// # Frames
//
// FramesInFlight staging slots rotate between frames. BeginFrame blocks
// only when the slot it is about to reuse is still read by the GPU, so a
// slot's staging memory alternates strictly between CPU writes and GPU
// copies. SetData writes the slot's staging memory and records the copy
// into the frame's command list; it never blocks.
//
// # Errors
//
// Returned errors are marked [ErrConfiguration] or [ErrDevice]. Misuse of
// the API, such as a stale handle or a SetData of the wrong size, panics
// with an error marked [ErrContractViolation]. Building with the
// gpumem_release tag compiles these checks out.
package gpumem
