// Package heap implements the region-based managed heap the collector
// marks: a page table from addresses to regions, bump allocation, object
// headers, per-region mark bitmaps, remembered sets and forwarding.
//
// Addresses are byte offsets into a simulated address space. Every object
// starts with a header word followed by its reference slots and then its
// primitive payload words:
//
//	+--------+--------+-----+--------+---------+-----+
//	| header | ref 0  | ... | ref n-1| word 0  | ... |
//	+--------+--------+-----+--------+---------+-----+
//
// Offset zero is never a valid object, so a zero offset is the null
// reference.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// Layout constants.
const (
	// WordSize is the size of one slot in bytes.
	WordSize = 8

	// ObjectAlignmentShift is log2 of the object alignment.
	ObjectAlignmentShift = 3

	// RegionShift is log2 of the granule size (2M). Mark stripes hash
	// addresses by granule.
	RegionShift = 21

	// RegionSize is the size of one granule in bytes.
	RegionSize = 1 << RegionShift

	// MaxRegions is the number of page table entries.
	MaxRegions = 1024

	// LargeObjectLimit is the size above which an object gets a region of
	// its own.
	LargeObjectLimit = RegionSize / 8
)

// ErrOutOfMemory is returned when an allocation would exceed the heap
// capacity or the page table.
var ErrOutOfMemory = errors.New("heap: out of memory")

// Heap is the managed heap.
//
// Thread Safety: Allocation, lookups and liveness queries are safe for
// concurrent use. StartMark is expected to run inside a safepoint.
type Heap struct {
	pages [MaxRegions]atomic.Pointer[Region]

	mu        sync.Mutex
	nextIndex uint32
	regions   []*Region
	alloc     [NumGenerations]atomic.Pointer[Region]

	markSeq [NumGenerations]atomic.Uint32

	capacity  int64
	committed atomic.Int64

	forwarding *Forwarding
	remembered *RememberedSet
	roots      *Roots
	dedup      *DedupQueue

	log *slog.Logger
}

// New creates a heap that may commit up to capacity bytes, covering both
// regions and collector side structures committed through Commit.
func New(capacity int64) *Heap {
	h := &Heap{
		nextIndex:  1,
		capacity:   capacity,
		remembered: NewRememberedSet(),
		roots:      NewRoots(),
		dedup:      &DedupQueue{},
		log:        zlog.For(zlog.TagHeap),
	}
	h.forwarding = NewForwarding(h)
	return h
}

// Forwarding returns the relocation forwarding table.
func (h *Heap) Forwarding() *Forwarding { return h.forwarding }

// Remembered returns the old-to-young remembered set.
func (h *Heap) Remembered() *RememberedSet { return h.remembered }

// Roots returns the global root set.
func (h *Heap) Roots() *Roots { return h.roots }

// Dedup returns the string deduplication request queue.
func (h *Heap) Dedup() *DedupQueue { return h.dedup }

// Commit reserves n bytes of heap capacity for a collector side structure.
func (h *Heap) Commit(n int64) error {
	for {
		cur := h.committed.Load()
		if cur+n > h.capacity {
			return fmt.Errorf("commit %d bytes (committed %d of %d): %w", n, cur, h.capacity, ErrOutOfMemory)
		}
		if h.committed.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Uncommit returns n bytes reserved by Commit.
func (h *Heap) Uncommit(n int64) {
	h.committed.Add(-n)
}

// Committed returns the number of committed bytes.
func (h *Heap) Committed() int64 {
	return h.committed.Load()
}

// Capacity returns the maximum number of committed bytes.
func (h *Heap) Capacity() int64 {
	return h.capacity
}

func (h *Heap) newRegion(ngranules int, gen Generation, large bool) (*Region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(h.nextIndex)+ngranules > MaxRegions {
		return nil, fmt.Errorf("page table full: %w", ErrOutOfMemory)
	}
	if err := h.Commit(int64(ngranules) * RegionSize); err != nil {
		return nil, err
	}

	r := newRegion(h, h.nextIndex, ngranules, gen, large)
	for i := 0; i < ngranules; i++ {
		h.pages[int(h.nextIndex)+i].Store(r)
	}
	h.nextIndex += uint32(ngranules)
	h.regions = append(h.regions, r)

	h.log.Debug("Region allocated", "region", r.String(), "large", large)
	return r, nil
}

// Allocate allocates an object of kind in generation gen with nrefs
// reference slots and npayload primitive words. All slots start null.
func (h *Heap) Allocate(gen Generation, kind Kind, nrefs, npayload int) (uintptr, error) {
	if nrefs < 0 || nrefs > MaxRefs || npayload < 0 || npayload > MaxPayload {
		return 0, fmt.Errorf("heap: invalid object shape refs=%d payload=%d", nrefs, npayload)
	}
	size := uintptr(1+nrefs+npayload) * WordSize

	var addr uintptr
	if size > LargeObjectLimit {
		ngranules := int((size + RegionSize - 1) >> RegionShift)
		r, err := h.newRegion(ngranules, gen, true)
		if err != nil {
			return 0, err
		}
		addr, _ = r.allocate(size)
	} else {
		var err error
		addr, err = h.allocateSmall(gen, size)
		if err != nil {
			return 0, err
		}
	}

	h.Slot(addr).v.Store(uint64(makeHeader(kind, nrefs, npayload)))
	return addr, nil
}

func (h *Heap) allocateSmall(gen Generation, size uintptr) (uintptr, error) {
	for {
		r := h.alloc[gen].Load()
		if r != nil {
			if addr, ok := r.allocate(size); ok {
				return addr, nil
			}
		}

		next, err := h.newRegion(1, gen, false)
		if err != nil {
			return 0, err
		}
		// Losing this race leaves next partially unused, like a retired
		// allocation region.
		h.alloc[gen].CompareAndSwap(r, next)
	}
}

// RegionFor returns the region containing addr, or nil.
func (h *Heap) RegionFor(addr uintptr) *Region {
	index := addr >> RegionShift
	if index == 0 || index >= MaxRegions {
		return nil
	}
	return h.pages[index].Load()
}

// Regions returns a snapshot of all regions in allocation order.
func (h *Heap) Regions() []*Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Region(nil), h.regions...)
}

// Slot returns the slot at heap address addr.
func (h *Heap) Slot(addr uintptr) *Slot {
	r := h.RegionFor(addr)
	if r == nil {
		panic(fmt.Sprintf("heap: address 0x%x outside heap", addr))
	}
	return r.slot(addr)
}

// Slots returns n consecutive slots starting at heap address addr.
func (h *Heap) Slots(addr uintptr, n int) []Slot {
	r := h.RegionFor(addr)
	i := int((addr - r.start) / WordSize)
	return r.words[i : i+n : i+n]
}

// Header returns the header of the object at addr.
func (h *Heap) Header(addr uintptr) Header {
	return Header(h.Slot(addr).v.Load())
}

// RefSlot returns reference slot i of the object at addr.
func (h *Heap) RefSlot(addr uintptr, i int) *Slot {
	return h.Slot(addr + uintptr(1+i)*WordSize)
}

// RefSlots returns all reference slots of the object at addr.
func (h *Heap) RefSlots(addr uintptr) []Slot {
	n := h.Header(addr).Refs()
	return h.Slots(addr+WordSize, n)
}

// ArrayBase returns the address of element 0 of the array at addr.
func (h *Heap) ArrayBase(addr uintptr) uintptr {
	return addr + WordSize
}

// Payload returns primitive word i of the object at addr.
func (h *Heap) Payload(addr uintptr, i int) uint64 {
	hdr := h.Header(addr)
	return h.Slot(addr + uintptr(1+hdr.Refs()+i)*WordSize).v.Load()
}

// SetPayload sets primitive word i of the object at addr.
func (h *Heap) SetPayload(addr uintptr, i int, v uint64) {
	hdr := h.Header(addr)
	h.Slot(addr + uintptr(1+hdr.Refs()+i)*WordSize).v.Store(v)
}

// ObjectSize returns the size in bytes of the object at addr, rounded up
// to the object alignment.
func (h *Heap) ObjectSize(addr uintptr) uintptr {
	return h.Header(addr).Size()
}

// IsOld reports whether addr lies in an old region.
func (h *Heap) IsOld(addr uintptr) bool {
	r := h.RegionFor(addr)
	return r != nil && r.gen == Old
}

// IsYoung reports whether addr lies in a young region.
func (h *Heap) IsYoung(addr uintptr) bool {
	r := h.RegionFor(addr)
	return r != nil && r.gen == Young
}

// IsObjectLive reports whether the object at addr was marked, finalizably
// or strongly, by the marker of its own generation, or was allocated after
// that marker started.
func (h *Heap) IsObjectLive(addr uintptr) bool {
	r := h.RegionFor(addr)
	return r.IsAllocating(r.gen) || r.IsMarked(r.gen, addr)
}

// IsObjectStronglyLive is IsObjectLive restricted to strong marks.
func (h *Heap) IsObjectStronglyLive(addr uintptr) bool {
	r := h.RegionFor(addr)
	return r.IsAllocating(r.gen) || r.IsStronglyMarked(r.gen, addr)
}

// StartMark prepares marker gen for a new cycle: allocation regions are
// retired, the marker sequence number advances and the affected live maps
// are cleared. The old marker traces every region; the young marker only
// young regions.
func (h *Heap) StartMark(gen Generation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for g := range h.alloc {
		h.alloc[g].Store(nil)
	}
	h.markSeq[gen].Add(1)

	for _, r := range h.regions {
		if gen == Old || r.gen == Young {
			r.resetMarking(gen)
		}
	}
}

// MarkSeq returns the current sequence number of marker gen.
func (h *Heap) MarkSeq(gen Generation) uint32 {
	return h.markSeq[gen].Load()
}

// LiveBytes sums the bytes marker gen accounted live over all regions.
func (h *Heap) LiveBytes(gen Generation) uint64 {
	var total uint64
	for _, r := range h.Regions() {
		total += r.LiveBytes(gen)
	}
	return total
}

// LiveObjects sums the objects marker gen accounted live over all regions.
func (h *Heap) LiveObjects(gen Generation) uint64 {
	var total uint64
	for _, r := range h.Regions() {
		total += r.LiveObjects(gen)
	}
	return total
}
