//go:build !nogpu

// Package native implements backend.Device on gogpu/wgpu hal.
//
// hal has no placed resources, so heaps are emulated: a buffer heap is one
// hal buffer and placed buffers are ranges of it; texture heaps only
// account for memory and every texture is its own hal texture. Upload
// heaps are CPU memory flushed into their hal buffer with
// Queue.WriteBuffer when a command list that copies from them is
// submitted. View heaps are CPU tables.
package native

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gpumem/backend"
)

func init() {
	backend.Register(backend.BackendNative, func() (backend.Device, error) {
		return Open()
	})
}

// Device adapts a hal device and queue to backend.Device.
type Device struct {
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	// external devices are owned by the provider.
	external bool

	limits backend.Limits
	log    *slog.Logger

	// submitFence orders submissions; submitted is its last value.
	submitFence hal.Fence
	submitted   uint64
	inflight    []submission
	// marks records, per fence signal, the last submission it covers.
	marks map[*fence][]mark

	lost error
}

type submission struct {
	value uint64
	cmds  []hal.CommandBuffer
}

type mark struct {
	value     uint64
	submitted uint64
}

// Open opens the first discrete or integrated Vulkan adapter.
func Open() (*Device, error) {
	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.Wrap(backend.ErrBackendNotAvailable, "native: vulkan backend not available")
	}
	return open(api)
}

// OpenNoop opens a device on the hal noop backend. Work is accepted and
// fences complete, but no memory is read back.
func OpenNoop() (*Device, error) {
	return open(noop.API{})
}

func open(api hal.Backend) (*Device, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, errors.Wrap(err, "native: create instance")
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.Wrap(backend.ErrBackendNotAvailable, "native: no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, errors.Wrap(err, "native: open device")
	}
	d, err := newDevice(openDev.Device, openDev.Queue, limits)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	return d, nil
}

// FromProvider wraps the device of a host application. The provider must
// expose HalDevice() and HalQueue() returning hal.Device and hal.Queue.
// Destroy leaves the shared device open.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := any(provider).(halProvider)
	if !ok {
		return nil, errors.New("native: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("native: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.New("native: provider HalQueue is not hal.Queue")
	}
	d, err := newDevice(device, queue, gputypes.DefaultLimits())
	if err != nil {
		return nil, err
	}
	d.external = true
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, limits gputypes.Limits) (*Device, error) {
	f, err := device.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "native: create submission fence")
	}
	return &Device{
		device:      device,
		queue:       queue,
		limits:      backend.LimitsFromGPU(limits),
		log:         slog.New(nopHandler{}),
		submitFence: f,
		marks:       make(map[*fence][]mark),
	}, nil
}

// Name returns backend.BackendNative.
func (d *Device) Name() string { return backend.BackendNative }

// Limits returns the limits the device was opened with.
func (d *Device) Limits() backend.Limits { return d.limits }

// SetLogger replaces the logger. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	d.log = l
}

// HalDevice returns the wrapped hal.Device.
func (d *Device) HalDevice() any { return d.device }

// HalQueue returns the wrapped hal.Queue.
func (d *Device) HalQueue() any { return d.queue }

// lose marks the device lost after an unrecoverable queue error.
func (d *Device) lose(err error) error {
	if d.lost == nil {
		d.lost = errors.Mark(errors.Wrap(err, "native device"), backend.ErrDeviceLost)
		d.log.Error("native: device lost", "err", d.lost)
	}
	return d.lost
}

// Submit flushes the upload ranges the lists copy from, then submits the
// lists in order.
func (d *Device) Submit(lists ...backend.CommandList) error {
	if d.lost != nil {
		return d.lost
	}
	cmds := make([]hal.CommandBuffer, 0, len(lists))
	for _, bl := range lists {
		l, ok := bl.(*commandList)
		if !ok || l.dev != d {
			return errors.Wrapf(backend.ErrWrongObject, "submit %T", bl)
		}
		if !l.closed || l.cmd == nil {
			return errors.Newf("native: submit of unclosed list %q", l.label)
		}
		for _, u := range l.uploads {
			d.queue.WriteBuffer(u.heap.buffer, u.offset, u.heap.data[u.offset:u.offset+u.size])
		}
		cmds = append(cmds, l.cmd)
		l.cmd = nil
	}
	d.submitted++
	if err := d.queue.Submit(cmds, d.submitFence, d.submitted); err != nil {
		for _, c := range cmds {
			d.device.FreeCommandBuffer(c)
		}
		return d.lose(errors.Wrap(err, "submit"))
	}
	d.inflight = append(d.inflight, submission{value: d.submitted, cmds: cmds})
	return nil
}

// fence is a hal fence and the highest value waited for.
type fence struct {
	hal       hal.Fence
	completed uint64
}

// CreateFence creates a fence at zero.
func (d *Device) CreateFence() (backend.Fence, error) {
	if d.lost != nil {
		return nil, d.lost
	}
	f, err := d.device.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "native: create fence")
	}
	return &fence{hal: f}, nil
}

// DestroyFence destroys a fence.
func (d *Device) DestroyFence(bf backend.Fence) {
	if f, ok := bf.(*fence); ok {
		delete(d.marks, f)
		d.device.DestroyFence(f.hal)
	}
}

// Signal submits an empty batch that signals f to value after all
// previously submitted work.
func (d *Device) Signal(bf backend.Fence, value uint64) error {
	if d.lost != nil {
		return d.lost
	}
	f, ok := bf.(*fence)
	if !ok {
		return errors.Wrapf(backend.ErrWrongObject, "fence %T", bf)
	}
	if err := d.queue.Submit(nil, f.hal, value); err != nil {
		return d.lose(errors.Wrapf(err, "signal fence value %d", value))
	}
	d.marks[f] = append(d.marks[f], mark{value: value, submitted: d.submitted})
	return nil
}

// Wait blocks until f reaches value. Command buffers of submissions the
// value covers are freed.
func (d *Device) Wait(bf backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	if d.lost != nil {
		return false, d.lost
	}
	f, ok := bf.(*fence)
	if !ok {
		return false, errors.Wrapf(backend.ErrWrongObject, "fence %T", bf)
	}
	if value <= f.completed {
		return true, nil
	}
	if timeout <= 0 {
		timeout = time.Duration(math.MaxInt64)
	}
	done, err := d.device.Wait(f.hal, value, timeout)
	if err != nil {
		return false, d.lose(errors.Wrapf(err, "wait for fence value %d", value))
	}
	if !done {
		return false, nil
	}
	f.completed = value

	var covered uint64
	marks := d.marks[f]
	for len(marks) > 0 && marks[0].value <= value {
		covered = max(covered, marks[0].submitted)
		marks = marks[1:]
	}
	d.marks[f] = marks
	d.reap(covered)
	return true, nil
}

// reap frees the command buffers of submissions up to value.
func (d *Device) reap(value uint64) {
	n := 0
	for _, s := range d.inflight {
		if s.value > value {
			break
		}
		for _, c := range s.cmds {
			d.device.FreeCommandBuffer(c)
		}
		n++
	}
	d.inflight = d.inflight[n:]
}

// idle waits for every submission. Readback needs it since hal has no
// fine-grained buffer synchronization.
func (d *Device) idle() error {
	if d.submitted == 0 {
		return nil
	}
	done, err := d.device.Wait(d.submitFence, d.submitted, 5*time.Second)
	if err != nil {
		return d.lose(errors.Wrap(err, "wait for submissions"))
	}
	if !done {
		return errors.Newf("native: submissions did not complete within 5s")
	}
	d.reap(d.submitted)
	return nil
}

// Destroy waits for the queue and releases the device. A device from
// FromProvider is left open.
func (d *Device) Destroy() {
	if err := d.idle(); err != nil {
		d.log.Warn("native: destroy with pending work", "err", err)
	}
	d.device.DestroyFence(d.submitFence)
	if d.external {
		return
	}
	d.device.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
