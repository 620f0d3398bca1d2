package heap

import (
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
)

// Slot is one word that may hold a colored reference.
//
// Heap slots live inside region memory and know their own address, which
// the store barrier uses to find the owning region. Root slots (globals,
// frame and code oops) are allocated off-heap and have address zero.
//
// Thread Safety: All accessors are atomic.
type Slot struct {
	v    atomic.Uint64
	addr uintptr
}

// NewRootSlot returns an off-heap slot holding p.
func NewRootSlot(p color.Ptr) *Slot {
	s := &Slot{}
	s.v.Store(uint64(p))
	return s
}

// Load atomically reads the slot.
func (s *Slot) Load() color.Ptr {
	return color.Ptr(s.v.Load())
}

// Store atomically writes the slot.
func (s *Slot) Store(p color.Ptr) {
	s.v.Store(uint64(p))
}

// CompareAndSwap replaces old with new if the slot still holds old.
func (s *Slot) CompareAndSwap(old, new color.Ptr) bool {
	return s.v.CompareAndSwap(uint64(old), uint64(new))
}

// Addr returns the heap address of the slot, or zero for root slots.
func (s *Slot) Addr() uintptr {
	return s.addr
}

// IsRoot reports whether the slot lives outside the heap.
func (s *Slot) IsRoot() bool {
	return s.addr == 0
}
