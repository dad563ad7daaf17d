package gpumem

import (
	"fmt"
	"strings"

	"github.com/gogpu/gpumem/internal/page"
)

// ScopeStats summarizes one lifetime scope.
type ScopeStats struct {
	Lifetime Lifetime
	Pages    page.Stats
	// Live counts handed-out resources, Free those waiting for reuse.
	Live int
	Free int
}

// HeapStats summarizes a descriptor heap.
type HeapStats struct {
	Used     uint32
	Capacity uint32
	Live     int
	Free     int
}

// Stats is a snapshot of a manager.
type Stats struct {
	Scopes   [numLifetimes]ScopeStats
	Views    HeapStats
	Samplers HeapStats

	// ReservedBytes is the device memory held by pages of all scopes.
	ReservedBytes uint64
	BudgetBytes   uint64

	Frames         uint64
	FenceValue     uint64
	CompletedValue uint64
	FenceWaits     int
	// Reused counts allocations served from a free list.
	Reused int
}

// Stats returns usage statistics.
func (m *Manager) Stats() Stats {
	m.checkOpen()
	s := Stats{
		ReservedBytes:  m.budget.Reserved(),
		BudgetBytes:    m.budget.Limit,
		Frames:         m.frame,
		FenceValue:     m.sync.Counter(),
		CompletedValue: m.sync.Completed(),
		FenceWaits:     m.sync.Waits(),
		Reused:         m.reused,
		Views: HeapStats{
			Used: m.views.Used(), Capacity: m.views.Capacity(),
			Live: m.views.Live(), Free: m.views.FreeLen(),
		},
		Samplers: HeapStats{
			Used: m.samplers.Used(), Capacity: m.samplers.Capacity(),
			Live: m.samplers.Live(), Free: m.samplers.FreeLen(),
		},
	}
	for l, sc := range m.scopes {
		s.Scopes[l] = ScopeStats{
			Lifetime: sc.lifetime,
			Pages:    sc.pages.Stats(),
			Live:     int(sc.live.GetCardinality()),
			Free:     sc.records.FreeLen(),
		}
	}
	return s
}

// String returns a human-readable summary.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GPUMemory[%d frames, fence %d/%d, %d KB reserved", s.Frames, s.CompletedValue, s.FenceValue, s.ReservedBytes/1024)
	if s.BudgetBytes > 0 {
		fmt.Fprintf(&b, " of %d KB", s.BudgetBytes/1024)
	}
	b.WriteString("]")
	for _, sc := range s.Scopes {
		fmt.Fprintf(&b, "\n  %s: %d live, %d free, %s", sc.Lifetime, sc.Live, sc.Free, sc.Pages)
	}
	fmt.Fprintf(&b, "\n  views: %d/%d slots, samplers: %d/%d slots, %d reused",
		s.Views.Used, s.Views.Capacity, s.Samplers.Used, s.Samplers.Capacity, s.Reused)
	return b.String()
}
