package thread

import (
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/heap"
)

// StoreEntry is one deferred store barrier: the slot that was written and
// the value it held before the store.
type StoreEntry struct {
	Slot *heap.Slot
	Prev color.Ptr
}

// StoreBuffer defers store barrier work of one thread.
//
// The buffer is drained when it fills up, before a safepoint changes the
// colors, and whenever marking needs to know about all pending work.
type StoreBuffer struct {
	entries []StoreEntry
	n       int
}

// NewStoreBuffer returns a buffer with room for capacity entries.
func NewStoreBuffer(capacity int) *StoreBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &StoreBuffer{entries: make([]StoreEntry, capacity)}
}

// Add records a store to slot that overwrote prev. It reports whether the
// buffer is now full.
func (b *StoreBuffer) Add(slot *heap.Slot, prev color.Ptr) bool {
	b.entries[b.n] = StoreEntry{Slot: slot, Prev: prev}
	b.n++
	return b.n == len(b.entries)
}

// Len returns the number of pending entries.
func (b *StoreBuffer) Len() int { return b.n }

// Cap returns the buffer capacity.
func (b *StoreBuffer) Cap() int { return len(b.entries) }

// IsEmpty reports whether no entry is pending.
func (b *StoreBuffer) IsEmpty() bool { return b.n == 0 }

// Drain passes every pending entry to fn, oldest first, and empties the
// buffer. It reports whether there was anything to drain.
func (b *StoreBuffer) Drain(fn func(StoreEntry)) bool {
	if b.n == 0 {
		return false
	}
	n := b.n
	b.n = 0
	for i := 0; i < n; i++ {
		e := b.entries[i]
		b.entries[i] = StoreEntry{}
		fn(e)
	}
	return true
}
