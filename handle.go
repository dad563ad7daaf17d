package gpumem

import "fmt"

// Handle identifies one allocation. It packs the lifetime, the record
// index and the generation the record had when it was handed out, so a
// handle kept past Release or a scope reset is detected on use.
// The zero Handle is invalid.
type Handle uint64

const (
	handleGenBits = 24
	handleGenMask = 1<<handleGenBits - 1
)

func makeHandle(l Lifetime, gen uint32, idx int) Handle {
	return Handle(uint64(l)<<56 | uint64(gen&handleGenMask)<<32 | uint64(uint32(idx+1)))
}

// Valid reports whether h was returned by an allocation. It does not
// report whether the allocation is still live.
func (h Handle) Valid() bool { return h != 0 }

// Lifetime returns the scope the handle belongs to.
func (h Handle) Lifetime() Lifetime { return Lifetime(h >> 56) }

func (h Handle) generation() uint32 { return uint32(h>>32) & handleGenMask }

func (h Handle) index() int { return int(uint32(h)) - 1 }

// String returns the handle as lifetime#index.generation.
func (h Handle) String() string {
	if !h.Valid() {
		return "gpumem.Handle(invalid)"
	}
	return fmt.Sprintf("gpumem.Handle(%s#%d.%d)", h.Lifetime(), h.index(), h.generation())
}
