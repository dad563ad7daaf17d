// Package freelist recycles records keyed by a byte-exact shape.
//
// Records live in an arena and are addressed by a stable index. Released
// records are pushed onto a stack of free indices; an allocation request
// scans that stack from the top (the most recently released record) down
// and takes the first record whose key matches exactly. A miss appends a
// fresh record, and the caller creates its backing memory.
package freelist

import (
	"github.com/cespare/xxhash/v2"

	"github.com/gogpu/gpumem/internal/assert"
)

// State is the allocation state of a record.
type State uint8

const (
	// Unallocated records are vacant arena slots.
	Unallocated State = iota
	// Allocated records are owned by a caller.
	Allocated
	// InFreeList records are idle and reachable from the free stack.
	InFreeList
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocated:
		return "allocated"
	case InFreeList:
		return "in-free-list"
	default:
		return "unknown"
	}
}

// Key is the recycling key of a record. Two keys are equal when their
// encodings are byte-identical; the hash only short-circuits mismatches.
type Key struct {
	sum uint64
	enc string
}

// MakeKey returns the key of an encoded shape.
func MakeKey(enc []byte) Key {
	return Key{sum: xxhash.Sum64(enc), enc: string(enc)}
}

// Equal reports whether k and o have identical encodings.
func (k Key) Equal(o Key) bool {
	return k.sum == o.sum && k.enc == o.enc
}

// Sum returns the xxhash of the encoding.
func (k Key) Sum() uint64 { return k.sum }

type slot[T any] struct {
	key   Key
	state State
	gen   uint32
	value T
}

// Recycler is an arena of records of type T with a free-index stack.
// It is not safe for concurrent use.
type Recycler[T any] struct {
	slots  []slot[T]
	free   []int
	vacant []int
}

// FindOrAllocate returns an Allocated record for key. It reuses the first
// free record with an equal key, scanning from the most recently released,
// for which eligible (if non-nil) reports true. Otherwise it allocates a
// fresh zero record and reports newlyAllocated.
func (r *Recycler[T]) FindOrAllocate(key Key, eligible func(idx int) bool) (idx int, newlyAllocated bool) {
	for i := len(r.free) - 1; i >= 0; i-- {
		idx := r.free[i]
		if !r.slots[idx].key.Equal(key) || (eligible != nil && !eligible(idx)) {
			continue
		}
		r.free = append(r.free[:i], r.free[i+1:]...)
		r.slots[idx].state = Allocated
		return idx, false
	}

	if n := len(r.vacant); n > 0 {
		idx = r.vacant[n-1]
		r.vacant = r.vacant[:n-1]
	} else {
		idx = len(r.slots)
		r.slots = append(r.slots, slot[T]{})
	}
	s := &r.slots[idx]
	s.key = key
	s.state = Allocated
	return idx, true
}

// Release returns an Allocated record to the free stack. Releasing a record
// that is not Allocated is a contract violation.
func (r *Recycler[T]) Release(idx int) {
	assert.That(r.valid(idx), "freelist: release of unknown record %d", idx)
	s := &r.slots[idx]
	assert.That(s.state == Allocated, "freelist: release of record %d in state %s", idx, s.state)
	s.state = InFreeList
	s.gen++
	r.free = append(r.free, idx)
}

// Discard returns an Allocated record to Unallocated and zeroes its value.
// It is used when creating the backing memory of a fresh record failed.
func (r *Recycler[T]) Discard(idx int) {
	assert.That(r.valid(idx), "freelist: discard of unknown record %d", idx)
	s := &r.slots[idx]
	assert.That(s.state == Allocated, "freelist: discard of record %d in state %s", idx, s.state)
	var zero T
	s.value = zero
	s.key = Key{}
	s.state = Unallocated
	s.gen++
	r.vacant = append(r.vacant, idx)
}

// Value returns a pointer to the record's value. The pointer is valid
// until the next FindOrAllocate.
func (r *Recycler[T]) Value(idx int) *T {
	return &r.slots[idx].value
}

// State returns the state of a record. Unknown indices are Unallocated.
func (r *Recycler[T]) State(idx int) State {
	if !r.valid(idx) {
		return Unallocated
	}
	return r.slots[idx].state
}

// Generation returns the number of times the record has been released
// or discarded.
func (r *Recycler[T]) Generation(idx int) uint32 {
	if !r.valid(idx) {
		return 0
	}
	return r.slots[idx].gen
}

// Key returns the key of a record.
func (r *Recycler[T]) Key(idx int) Key {
	return r.slots[idx].key
}

// Each calls fn for every record that is Allocated or InFreeList, in
// arena order.
func (r *Recycler[T]) Each(fn func(idx int, state State, v *T)) {
	for i := range r.slots {
		if s := &r.slots[i]; s.state != Unallocated {
			fn(i, s.state, &s.value)
		}
	}
}

// Len returns the number of records that are Allocated or InFreeList.
func (r *Recycler[T]) Len() int {
	return len(r.slots) - len(r.vacant)
}

// FreeLen returns the number of records in the free stack.
func (r *Recycler[T]) FreeLen() int {
	return len(r.free)
}

// Reset drops every record. Arena slots become vacant but keep their
// generations, so indices handed out before the reset stay stale.
func (r *Recycler[T]) Reset() {
	r.free = r.free[:0]
	r.vacant = r.vacant[:0]
	var zero T
	for i := len(r.slots) - 1; i >= 0; i-- {
		s := &r.slots[i]
		if s.state != Unallocated {
			s.gen++
		}
		s.key = Key{}
		s.state = Unallocated
		s.value = zero
		r.vacant = append(r.vacant, i)
	}
}

func (r *Recycler[T]) valid(idx int) bool {
	return idx >= 0 && idx < len(r.slots)
}
