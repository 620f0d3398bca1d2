package heap

import (
	"sync"
	"sync/atomic"
)

// tableSize is the number of cells in an addrTable (2^16).
const tableSize = 1 << 16

// maxProbes bounds linear probing before falling back to the overflow map.
const maxProbes = 8

type tableCell[V any] struct {
	addr uintptr
	val  V
}

// addrTable maps heap addresses to values with CAS-published cells.
//
// Lookups and inserts probe a fixed array of atomic cell pointers. Keys
// that exhaust their probe sequence go to a mutex-guarded overflow map, so
// unlike a pure cache the table never drops entries.
//
// Thread Safety: Load, LoadOrStore and Range are safe for concurrent use.
// Reset must not race with them.
type addrTable[V any] struct {
	cells [tableSize]atomic.Pointer[tableCell[V]]

	mu       sync.Mutex
	overflow map[uintptr]V
	count    atomic.Int64
}

// fastHash is a multiplicative hash on the golden ratio, taking the top
// sixteen bits.
func fastHash(addr uintptr) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(addr) * goldenRatio) >> 48
}

// Load returns the value stored for addr.
func (t *addrTable[V]) Load(addr uintptr) (V, bool) {
	hash := fastHash(addr)
	for i := uint64(0); i < maxProbes; i++ {
		c := t.cells[(hash+i)&(tableSize-1)].Load()
		if c == nil {
			var zero V
			return zero, false
		}
		if c.addr == addr {
			return c.val, true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.overflow[addr]
	return v, ok
}

// LoadOrStore returns the existing value for addr if present. Otherwise it
// stores v and returns it. loaded reports whether the value was present.
func (t *addrTable[V]) LoadOrStore(addr uintptr, v V) (actual V, loaded bool) {
	var cell *tableCell[V]
	hash := fastHash(addr)
	for i := uint64(0); i < maxProbes; i++ {
		idx := (hash + i) & (tableSize - 1)
		c := t.cells[idx].Load()
		if c == nil {
			if cell == nil {
				cell = &tableCell[V]{addr: addr, val: v}
			}
			if t.cells[idx].CompareAndSwap(nil, cell) {
				t.count.Add(1)
				return v, false
			}
			// Lost the race for this cell; it may hold our key now.
			c = t.cells[idx].Load()
		}
		if c.addr == addr {
			return c.val, true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.overflow[addr]; ok {
		return existing, true
	}
	if t.overflow == nil {
		t.overflow = make(map[uintptr]V)
	}
	t.overflow[addr] = v
	t.count.Add(1)
	return v, false
}

// Range calls fn for every entry until fn returns false. Entries inserted
// concurrently may or may not be visited.
func (t *addrTable[V]) Range(fn func(addr uintptr, v V) bool) {
	for i := range t.cells {
		c := t.cells[i].Load()
		if c == nil {
			continue
		}
		if !fn(c.addr, c.val) {
			return
		}
	}

	t.mu.Lock()
	overflow := make(map[uintptr]V, len(t.overflow))
	for a, v := range t.overflow {
		overflow[a] = v
	}
	t.mu.Unlock()

	for a, v := range overflow {
		if !fn(a, v) {
			return
		}
	}
}

// Len returns the number of entries.
func (t *addrTable[V]) Len() int {
	return int(t.count.Load())
}

// Reset removes every entry.
func (t *addrTable[V]) Reset() {
	if t.count.Load() == 0 {
		return
	}
	for i := range t.cells {
		t.cells[i].Store(nil)
	}
	t.mu.Lock()
	t.overflow = nil
	t.mu.Unlock()
	t.count.Store(0)
}
