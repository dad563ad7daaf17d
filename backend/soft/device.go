// Package soft implements backend.Device on the CPU.
//
// The device behaves like an explicit GPU API: submitted command lists run
// asynchronously on a queue goroutine, optionally after an artificial
// latency, and their completion is only observable through fences. Upload
// heaps are anonymous memory mappings that stay mapped for the heap's
// lifetime. Barriers and copies are validated against tracked resource
// states at execution time; a violation loses the device.
//
// The software device is meant for tests and tools. It registers itself as
// backend.BackendSoftware on import.
package soft

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpumem/backend"
)

func init() {
	backend.Register(backend.BackendSoftware, func() (backend.Device, error) {
		return New(Options{}), nil
	})
}

// Options configures a software device.
type Options struct {
	// Latency delays the execution of every submission.
	Latency time.Duration

	// MaxHeapBytes caps the total size of live heaps. Zero means unlimited.
	MaxHeapBytes uint64

	// Limits overrides backend.DefaultLimits when non-zero.
	Limits backend.Limits

	// Logger receives device-lost reports. Nil disables logging.
	Logger *slog.Logger
}

// Stats counts device activity.
type Stats struct {
	HeapsCreated     int
	HeapsDestroyed   int
	LiveHeapBytes    uint64
	BuffersCreated   int
	TexturesCreated  int
	SamplersCreated  int
	Submits          int
	CommandsExecuted int
	Barriers         int
	Copies           int
	Discards         int
}

// work is one queue entry: either command lists or a fence signal.
type work struct {
	lists []*commandList
	fence *fence
	value uint64
}

// Device is a CPU-emulated backend.Device.
type Device struct {
	opts   Options
	limits backend.Limits
	log    *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	lost      error
	destroyed bool
	stats     Stats
	heaps     map[*heap]struct{}

	queue chan work
	done  chan struct{}
}

// New creates a software device and starts its queue.
func New(opts Options) *Device {
	limits := opts.Limits
	if limits == (backend.Limits{}) {
		limits = backend.DefaultLimits()
	}
	l := opts.Logger
	if l == nil {
		l = slog.New(nopHandler{})
	}
	d := &Device{
		opts:   opts,
		limits: limits,
		log:    l,
		heaps:  make(map[*heap]struct{}),
		queue:  make(chan work, 64),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Name returns backend.BackendSoftware.
func (d *Device) Name() string { return backend.BackendSoftware }

// Limits returns the device limits.
func (d *Device) Limits() backend.Limits { return d.limits }

// SetLogger replaces the logger. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	d.mu.Lock()
	d.log = l
	d.mu.Unlock()
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Lost returns the error that lost the device, or nil.
func (d *Device) Lost() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// LoseDevice simulates device removal. Every later call fails with
// backend.ErrDeviceLost and pending waits return.
func (d *Device) LoseDevice(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loseLocked(errors.Newf("removed: %s", reason))
}

func (d *Device) loseLocked(cause error) {
	if d.lost != nil {
		return
	}
	d.lost = errors.Mark(errors.Wrap(cause, "soft device"), backend.ErrDeviceLost)
	d.log.Error("soft: device lost", "err", d.lost)
	d.cond.Broadcast()
}

func (d *Device) checkLocked() error {
	if d.destroyed {
		return errors.Mark(errors.New("soft device destroyed"), backend.ErrDeviceLost)
	}
	return d.lost
}

// Submit queues closed command lists.
func (d *Device) Submit(lists ...backend.CommandList) error {
	batch := make([]*commandList, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != d {
			return errors.Wrapf(backend.ErrWrongObject, "command list %T", l)
		}
		if !cl.closed {
			return errors.Newf("soft: command list %q submitted while open", cl.label)
		}
		if cl.err != nil {
			return errors.Wrapf(cl.err, "command list %q", cl.label)
		}
		batch = append(batch, cl)
	}

	d.mu.Lock()
	if err := d.checkLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.stats.Submits++
	d.mu.Unlock()

	d.queue <- work{lists: batch}
	return nil
}

// CreateFence creates a fence with value 0.
func (d *Device) CreateFence() (backend.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return &fence{dev: d}, nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(backend.Fence) {}

// Signal queues a fence signal behind all submitted work.
func (d *Device) Signal(f backend.Fence, value uint64) error {
	sf, err := d.fence(f)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if err := d.checkLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.queue <- work{fence: sf, value: value}
	return nil
}

// Wait blocks until the fence reaches value, the timeout expires or the
// device is lost.
func (d *Device) Wait(f backend.Fence, value uint64, timeout time.Duration) (bool, error) {
	sf, err := d.fence(f)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	expired := false
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			d.mu.Lock()
			expired = true
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer t.Stop()
	}

	for {
		if err := d.checkLocked(); err != nil {
			return false, err
		}
		if sf.value >= value {
			return true, nil
		}
		if expired {
			return false, nil
		}
		d.cond.Wait()
	}
}

// Completed returns the last value the fence reached.
func (d *Device) Completed(f backend.Fence) uint64 {
	sf, err := d.fence(f)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return sf.value
}

// Destroy stops the queue after draining it and unmaps all heaps.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	close(d.queue)
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	for h := range d.heaps {
		h.release()
	}
	clear(d.heaps)
}

// run is the queue goroutine.
func (d *Device) run() {
	defer close(d.done)
	for w := range d.queue {
		if w.fence != nil {
			d.mu.Lock()
			// A lost device never completes work queued behind the failure.
			if d.lost == nil && w.value > w.fence.value {
				w.fence.value = w.value
			}
			d.cond.Broadcast()
			d.mu.Unlock()
			continue
		}

		if d.opts.Latency > 0 {
			time.Sleep(d.opts.Latency)
		}

		d.mu.Lock()
		if d.lost == nil {
			for _, l := range w.lists {
				if err := d.executeLocked(l); err != nil {
					d.loseLocked(errors.Wrapf(err, "execute %q", l.label))
					break
				}
			}
		}
		d.mu.Unlock()
	}
}

type fence struct {
	dev   *Device
	value uint64
}

func (d *Device) fence(f backend.Fence) (*fence, error) {
	sf, ok := f.(*fence)
	if !ok || sf.dev != d {
		return nil, errors.Wrapf(backend.ErrWrongObject, "fence %T", f)
	}
	return sf, nil
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }
