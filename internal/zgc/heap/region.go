package heap

import (
	"fmt"
	"sync/atomic"
)

// Generation identifies a heap generation, and also the marker that
// marks it.
type Generation uint8

const (
	// Young is the generation new objects are allocated in.
	Young Generation = iota
	// Old is the tenured generation. Its marker traces the whole heap.
	Old
)

// NumGenerations is the number of generations.
const NumGenerations = 2

// String returns "young" or "old".
func (g Generation) String() string {
	if g == Young {
		return "young"
	}
	return "old"
}

// Region is a contiguous run of granules holding objects of one
// generation. Allocation bumps top; objects are never freed individually.
type Region struct {
	heap  *Heap
	index uint32
	start uintptr
	end   uintptr
	gen   Generation
	large bool

	top   atomic.Uintptr
	words []Slot

	// seq records each marker's sequence number at creation. A region
	// created after a marker started is allocating for that marker, and
	// every object in it is implicitly live.
	seq  [NumGenerations]uint32
	live [NumGenerations]LiveMap
}

func newRegion(h *Heap, index uint32, ngranules int, gen Generation, large bool) *Region {
	start := uintptr(index) << RegionShift
	size := uintptr(ngranules) << RegionShift
	nwords := int(size / WordSize)

	r := &Region{
		heap:  h,
		index: index,
		start: start,
		end:   start + size,
		gen:   gen,
		large: large,
		words: make([]Slot, nwords),
	}
	for i := range r.words {
		r.words[i].addr = start + uintptr(i)*WordSize
	}
	for g := range r.live {
		r.live[g] = newLiveMap(nwords)
		r.seq[g] = h.markSeq[g].Load()
	}
	r.top.Store(start)
	return r
}

// Index returns the page table index of the region's first granule.
func (r *Region) Index() uint32 { return r.index }

// Start returns the first address of the region.
func (r *Region) Start() uintptr { return r.start }

// End returns the address just past the region.
func (r *Region) End() uintptr { return r.end }

// Top returns the current allocation top.
func (r *Region) Top() uintptr { return r.top.Load() }

// Generation returns the generation the region belongs to.
func (r *Region) Generation() Generation { return r.gen }

// IsLarge reports whether the region holds a single large object.
func (r *Region) IsLarge() bool { return r.large }

// Contains reports whether addr lies in the allocated part of the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.start && addr < r.top.Load()
}

func (r *Region) allocate(size uintptr) (uintptr, bool) {
	for {
		top := r.top.Load()
		next := top + size
		if next > r.end {
			return 0, false
		}
		if r.top.CompareAndSwap(top, next) {
			return top, true
		}
	}
}

func (r *Region) slot(addr uintptr) *Slot {
	return &r.words[(addr-r.start)/WordSize]
}

func (r *Region) objectIndex(addr uintptr) int {
	return int((addr - r.start) >> ObjectAlignmentShift)
}

// IsAllocating reports whether the region was created after marker gen
// started its current cycle.
func (r *Region) IsAllocating(gen Generation) bool {
	return r.seq[gen] == r.heap.markSeq[gen].Load()
}

// MarkObject sets the mark bits of the object at addr in marker gen's map.
// See LiveMap.Set for the meaning of the results.
func (r *Region) MarkObject(gen Generation, addr uintptr, finalizable bool) (marked, incLive bool) {
	return r.live[gen].Set(r.objectIndex(addr), finalizable)
}

// IsMarked reports whether addr is marked (finalizable or strong) by gen.
func (r *Region) IsMarked(gen Generation, addr uintptr) bool {
	return r.live[gen].IsMarked(r.objectIndex(addr))
}

// IsStronglyMarked reports whether addr is strongly marked by gen.
func (r *Region) IsStronglyMarked(gen Generation, addr uintptr) bool {
	return r.live[gen].IsStronglyMarked(r.objectIndex(addr))
}

// IncLive accounts live objects and bytes for marker gen.
func (r *Region) IncLive(gen Generation, objects, bytes uint64) {
	r.live[gen].IncLive(objects, bytes)
}

// LiveBytes returns the bytes marker gen accounted live in the region.
func (r *Region) LiveBytes(gen Generation) uint64 {
	return r.live[gen].LiveBytes()
}

// LiveObjects returns the objects marker gen accounted live in the region.
func (r *Region) LiveObjects(gen Generation) uint64 {
	return r.live[gen].LiveObjects()
}

func (r *Region) resetMarking(gen Generation) {
	r.live[gen].reset()
}

// String describes the region for logs.
func (r *Region) String() string {
	return fmt.Sprintf("region[%d %s 0x%x-0x%x]", r.index, r.gen, r.start, r.end)
}
