package mark

import (
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/markstack"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

func alignUp(v, align uintptr) uintptr   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }

// markAndFollow processes one popped entry.
func (m *Marker) markAndFollow(mc *workContext, e markstack.Entry) {
	if e.IsPartialArray() {
		m.followPartialArray(mc, e)
		return
	}

	addr := e.ObjectAddress()
	r := m.heap.RegionFor(addr)
	incLive := e.IncLive()
	if e.Mark() {
		marked, inc := r.MarkObject(m.gen, addr, e.Finalizable())
		if !marked {
			// Already marked by another thread.
			return
		}
		incLive = inc
	}
	if incLive {
		mc.cache.incLive(r, m.heap.ObjectSize(addr))
	}
	if e.Follow() {
		m.followObject(mc, addr, e.Finalizable())
	}
}

func (m *Marker) followObject(mc *workContext, addr uintptr, finalizable bool) {
	hdr := m.heap.Header(addr)
	if hdr.IsArray() {
		m.followArray(mc, m.heap.ArrayBase(addr), uintptr(hdr.Refs())*heap.WordSize, finalizable)
		return
	}

	slots := m.heap.RefSlots(addr)
	for i := range slots {
		m.barrierOnField(mc.t, &slots[i], finalizable)
	}
	if hdr.Kind() == heap.String {
		m.tryDeduplicate(mc, addr)
	}
}

func (m *Marker) barrierOnField(t *thread.Thread, slot *heap.Slot, finalizable bool) {
	if m.gen == heap.Young {
		m.bs.MarkBarrierOnYoungField(t, slot)
		return
	}
	m.bs.MarkBarrierOnOldField(t, slot, finalizable)
}

func (m *Marker) followPartialArray(mc *workContext, e markstack.Entry) {
	addr := e.PartialArrayOffset() << m.cfg.PartialArrayMinSizeShift
	size := uintptr(e.PartialArrayLength()) * heap.WordSize
	m.followArray(mc, addr, size, e.Finalizable())
}

// followArray follows size bytes of array elements starting at addr.
func (m *Marker) followArray(mc *workContext, addr, size uintptr, finalizable bool) {
	if size <= m.cfg.PartialArrayMinSize() {
		m.followSmallArray(mc, addr, size, finalizable)
		return
	}
	leadingEnd := splitLargeArray(addr, size, m.cfg.PartialArrayMinSize(), func(start, size uintptr) {
		m.pushPartialArray(mc, start, size, finalizable)
	})
	m.followSmallArray(mc, addr, leadingEnd-addr, finalizable)
}

func (m *Marker) followSmallArray(mc *workContext, addr, size uintptr, finalizable bool) {
	if size == 0 {
		return
	}
	slots := m.heap.Slots(addr, int(size/heap.WordSize))
	for i := range slots {
		m.barrierOnField(mc.t, &slots[i], finalizable)
	}
}

func (m *Marker) pushPartialArray(mc *workContext, addr, size uintptr, finalizable bool) {
	offset := addr >> m.cfg.PartialArrayMinSizeShift
	length := uint32(size / heap.WordSize)
	e := markstack.PartialArrayEntry(offset, length, finalizable)
	if !mc.stacks.Push(m.stripes, m.stripes.StripeForAddr(addr), e, false) {
		m.overflow.Store(true)
	}
}

// splitLargeArray splits the array range [start, start+size) for parallel
// following. The unaligned trailing part and aligned middle parts of
// halving size are handed to push, and the end of the leading part, which
// the caller follows itself, is returned. The middle start lies strictly
// above start so the caller always does some of the work.
func splitLargeArray(start, size, min uintptr, push func(addr, size uintptr)) uintptr {
	end := start + size
	middleStart := alignUp(start+1, min)
	middleSize := alignDown(end-middleStart, min)
	middleEnd := middleStart + middleSize

	if end > middleEnd {
		push(middleEnd, end-middleEnd)
	}

	partial := middleEnd
	for partial > middleStart {
		const parts = 2
		partialSize := alignUp((partial-middleStart)/parts, min)
		partial -= partialSize
		push(partial, partialSize)
	}

	return middleStart
}
