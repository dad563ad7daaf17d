// Package fence paces the CPU against the GPU over N frame slots.
//
// One monotonically increasing fence value is signaled on the queue each
// time a new slot becomes active. The value marks the end of the work
// recorded while the previous slot was active. Before a slot is reused
// the CPU waits for the value recorded for it, so memory owned by a slot
// alternates strictly between CPU writes and GPU reads.
package fence

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpumem/backend"
	"github.com/gogpu/gpumem/internal/assert"
)

// ErrTimeout is returned when a fence wait exceeds the configured timeout.
var ErrTimeout = errors.New("fence: wait timed out")

// SlotState is the state of one frame slot.
type SlotState uint8

const (
	// Idle slots are owned by the CPU.
	Idle SlotState = iota
	// Signaled slots have work in flight up to their recorded value.
	Signaled
	// Completed slots had their recorded value reached.
	Completed
)

// String returns the state name.
func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Signaled:
		return "signaled"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

type slot struct {
	value uint64
	state SlotState
}

// Synchronizer owns one fence and the per-slot values. It is not safe for
// concurrent use.
type Synchronizer struct {
	dev     backend.Device
	fence   backend.Fence
	timeout time.Duration

	counter   uint64
	completed uint64
	slots     []slot
	active    int
	waits     int
}

// New creates a synchronizer for n slots. A timeout <= 0 waits forever.
func New(dev backend.Device, n int, timeout time.Duration) (*Synchronizer, error) {
	if n <= 0 {
		return nil, errors.Newf("fence: %d slots", n)
	}
	f, err := dev.CreateFence()
	if err != nil {
		return nil, errors.Wrap(err, "create fence")
	}
	return &Synchronizer{
		dev:     dev,
		fence:   f,
		timeout: timeout,
		slots:   make([]slot, n),
		active:  -1,
	}, nil
}

// SignalAndWaitForPreviousUse signals the next fence value for the work
// of the active slot, then blocks until the GPU has finished the work last
// recorded for slot, and makes slot active.
func (s *Synchronizer) SignalAndWaitForPreviousUse(next int) error {
	assert.That(next >= 0 && next < len(s.slots), "fence: slot %d of %d", next, len(s.slots))

	v, err := s.signal()
	if err != nil {
		return err
	}
	if s.active >= 0 {
		s.slots[s.active] = slot{value: v, state: Signaled}
	}

	target := &s.slots[next]
	if target.state == Signaled {
		if err := s.waitFor(target.value); err != nil {
			return errors.Wrapf(err, "wait for slot %d", next)
		}
		target.state = Completed
	}
	target.state = Idle
	s.active = next
	return nil
}

// FlushAllSlots cycles through every slot starting after the active one.
// On return all work submitted before the call has completed.
func (s *Synchronizer) FlushAllSlots() error {
	start := max(s.active, 0)
	for i := 1; i <= len(s.slots); i++ {
		if err := s.SignalAndWaitForPreviousUse((start + i) % len(s.slots)); err != nil {
			return err
		}
	}
	return nil
}

// SignalAndWait signals a fresh value and waits for it. Slot states are
// unchanged.
func (s *Synchronizer) SignalAndWait() error {
	v, err := s.signal()
	if err != nil {
		return err
	}
	return s.waitFor(v)
}

func (s *Synchronizer) signal() (uint64, error) {
	s.counter++
	if err := s.dev.Signal(s.fence, s.counter); err != nil {
		return 0, errors.Wrapf(err, "signal fence value %d", s.counter)
	}
	return s.counter, nil
}

func (s *Synchronizer) waitFor(v uint64) error {
	if v <= s.completed {
		return nil
	}
	ok, err := s.dev.Wait(s.fence, v, s.timeout)
	if err != nil {
		return errors.Wrapf(err, "wait for fence value %d", v)
	}
	if !ok {
		return errors.Wrapf(ErrTimeout, "fence value %d after %s", v, s.timeout)
	}
	s.completed = v
	s.waits++
	return nil
}

// Active returns the active slot, or -1 before the first frame.
func (s *Synchronizer) Active() int { return s.active }

// Slots returns the slot count.
func (s *Synchronizer) Slots() int { return len(s.slots) }

// State returns the state and recorded value of a slot.
func (s *Synchronizer) State(i int) (SlotState, uint64) {
	return s.slots[i].state, s.slots[i].value
}

// Counter returns the last signaled value.
func (s *Synchronizer) Counter() uint64 { return s.counter }

// Completed returns the highest value known to be reached.
func (s *Synchronizer) Completed() uint64 { return s.completed }

// Waits returns the number of waits that reached the device.
func (s *Synchronizer) Waits() int { return s.waits }

// Destroy releases the fence.
func (s *Synchronizer) Destroy() {
	if s.fence != nil {
		s.dev.DestroyFence(s.fence)
		s.fence = nil
	}
}
