package heap

import "sync/atomic"

// LiveMap is a per-region mark bitmap with two bits per object slot.
//
// For the object at index i, bit 2i records "marked" (finalizable or
// strong) and bit 2i+1 records "strongly marked". A strong mark sets both
// bits in one CAS.
//
// Thread Safety: Set and the queries are lock-free. Reset must not race
// with Set.
type LiveMap struct {
	bits    []atomic.Uint64
	objects atomic.Uint64
	bytes   atomic.Uint64
}

func newLiveMap(nobjects int) LiveMap {
	return LiveMap{bits: make([]atomic.Uint64, (2*nobjects+63)/64)}
}

func (m *LiveMap) reset() {
	for i := range m.bits {
		m.bits[i].Store(0)
	}
	m.objects.Store(0)
	m.bytes.Store(0)
}

// Set marks object index. It returns marked=true if this call changed the
// mark state, and incLive=true if the object was not marked at all before,
// so exactly one marker accounts its live bytes.
//
// A strong mark of a finalizable object returns marked=true with
// incLive=false: the object must be followed again with strong semantics
// but was already counted.
func (m *LiveMap) Set(index int, finalizable bool) (marked, incLive bool) {
	bit := uint(2 * index)
	word := &m.bits[bit/64]
	shift := bit % 64

	if finalizable {
		mask := uint64(1) << shift
		for {
			old := word.Load()
			if old&mask != 0 {
				return false, false
			}
			if word.CompareAndSwap(old, old|mask) {
				return true, true
			}
		}
	}

	pair := uint64(3) << shift
	for {
		old := word.Load()
		next := old | pair
		if next == old {
			// Someone else beat us to it.
			return false, false
		}
		if word.CompareAndSwap(old, next) {
			return true, old&(uint64(1)<<shift) == 0
		}
	}
}

// IsMarked reports whether object index is marked finalizably or strongly.
func (m *LiveMap) IsMarked(index int) bool {
	bit := uint(2 * index)
	return m.bits[bit/64].Load()&(uint64(1)<<(bit%64)) != 0
}

// IsStronglyMarked reports whether object index is strongly marked.
func (m *LiveMap) IsStronglyMarked(index int) bool {
	bit := uint(2*index + 1)
	return m.bits[bit/64].Load()&(uint64(1)<<(bit%64)) != 0
}

// IncLive adds to the live object and byte counters.
func (m *LiveMap) IncLive(objects, bytes uint64) {
	m.objects.Add(objects)
	m.bytes.Add(bytes)
}

// LiveObjects returns the number of objects accounted live.
func (m *LiveMap) LiveObjects() uint64 {
	return m.objects.Load()
}

// LiveBytes returns the number of bytes accounted live.
func (m *LiveMap) LiveBytes() uint64 {
	return m.bytes.Load()
}
