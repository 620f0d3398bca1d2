// Package barrier implements the colored pointer barriers run by
// application threads and by the marker.
//
// Every heap access goes through a barrier. The fast path compares the
// color of the pointer with the thread's cached good mask and does nothing
// else. The slow path remaps the pointer, marks its referent for every
// generation currently marking and writes the healed pointer back into the
// slot, so the next access to the same slot takes the fast path.
//
// Store barriers look at the value being overwritten: it is marked (the
// marker must see every object that was reachable when marking started)
// and the written slot is added to the remembered set if it lives in an
// old region. The marking work may be deferred into the thread's store
// buffer.
package barrier

import (
	"log/slog"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/thread"
	"github.com/kolkov/zmark/internal/zgc/zdebug"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// MarkOptions selects how a barrier asks a marker to mark an object.
type MarkOptions struct {
	// Resurrect reports that the object may have been unreachable: the
	// marker must not terminate the current round without seeing it.
	Resurrect bool
	// GCThread is set when the calling thread is a GC thread rather than
	// an application thread.
	GCThread bool
	// Follow requests the object's references to be followed.
	Follow bool
	// Finalizable marks the object as only finalizably reachable.
	Finalizable bool
}

// Marker is a generation's concurrent marker as seen by the barriers.
type Marker interface {
	IsMarking() bool
	MarkObject(t *thread.Thread, addr uintptr, opts MarkOptions)
}

// Decorators select the strength and flavor of a barrier.
type Decorators uint32

const (
	// InHeap accesses a field of a heap object.
	InHeap Decorators = 1 << iota
	// OnStrong accesses a strong reference.
	OnStrong
	// OnWeak accesses the referent of a weak reference.
	OnWeak
	// OnPhantom accesses the referent of a phantom reference.
	OnPhantom
	// NoKeepAlive skips marking the overwritten value of a store.
	NoKeepAlive
	// Native accesses an off-heap root that is not in the remembered set.
	Native
)

// Stats counts slow path activity.
type Stats struct {
	SlowLoads  uint64
	SlowStores uint64
	Heals      uint64
	Flushes    uint64
}

// Set is the barrier set of a runtime.
//
// Thread Safety: All barriers are safe for concurrent use. SetMarkers must
// run before any thread uses the barriers.
type Set struct {
	heap   *heap.Heap
	colors *color.State
	cfg    config.Config

	young, old Marker
	entry      *nmethod.EntryBarrier[*thread.Thread]

	// resurrection is zero, or one plus the generation whose weak
	// referents are being decided.
	resurrection atomic.Uint32

	slowLoads  atomic.Uint64
	slowStores atomic.Uint64
	heals      atomic.Uint64
	flushes    atomic.Uint64

	log *slog.Logger
}

// New returns the barrier set for h.
func New(h *heap.Heap, colors *color.State, cfg config.Config) *Set {
	s := &Set{
		heap:   h,
		colors: colors,
		cfg:    cfg.Normalize(),
		log:    zlog.For(zlog.TagBarrier),
	}
	s.entry = nmethod.NewEntryBarrier[*thread.Thread](colors, s.HealMethod)
	return s
}

// SetMarkers installs the young and old markers.
func (s *Set) SetMarkers(young, old Marker) {
	s.young, s.old = young, old
}

// EntryBarrier returns the code entry barrier healing compiled methods
// with this set.
func (s *Set) EntryBarrier() *nmethod.EntryBarrier[*thread.Thread] {
	return s.entry
}

// Enter runs the code entry barrier for t entering m.
func (s *Set) Enter(t *thread.Thread, m *nmethod.Method) bool {
	return s.entry.Enter(t, m)
}

// Stats returns the slow path counters.
func (s *Set) Stats() Stats {
	return Stats{
		SlowLoads:  s.slowLoads.Load(),
		SlowStores: s.slowStores.Load(),
		Heals:      s.heals.Load(),
		Flushes:    s.flushes.Load(),
	}
}

// LoadAt loads slot with the barrier selected by d.
func (s *Set) LoadAt(t *thread.Thread, slot *heap.Slot, d Decorators) color.Ptr {
	switch {
	case d&OnWeak != 0:
		return s.LoadWeak(t, slot)
	case d&OnPhantom != 0:
		return s.LoadPhantom(t, slot)
	case d&Native != 0:
		return s.LoadNative(t, slot)
	default:
		return s.Load(t, slot)
	}
}

// StoreAt stores v into slot with the barrier selected by d.
func (s *Set) StoreAt(t *thread.Thread, slot *heap.Slot, v color.Ptr, d Decorators) {
	switch {
	case d&Native != 0:
		s.StoreNative(t, slot, v)
	case d&NoKeepAlive != 0:
		s.StoreNoKeepAlive(t, slot, v)
	default:
		s.Store(t, slot, v)
	}
}

// Load is the strong load barrier. It returns the healed pointer.
func (s *Set) Load(t *thread.Thread, slot *heap.Slot) color.Ptr {
	c := t.Colors()
	p := slot.Load()
	if c.IsMarkGoodOrNull(p) {
		return p
	}
	return s.loadSlow(t, c, slot, p, true)
}

// LoadNative is the load barrier for off-heap roots.
func (s *Set) LoadNative(t *thread.Thread, slot *heap.Slot) color.Ptr {
	c := t.Colors()
	p := slot.Load()
	if c.IsMarkGoodOrNull(p) {
		return p
	}
	return s.loadSlow(t, c, slot, p, false)
}

// TryResolveNative returns the pointer in slot if it needs no barrier work.
// It never marks or heals.
func (s *Set) TryResolveNative(t *thread.Thread, slot *heap.Slot) (color.Ptr, bool) {
	p := slot.Load()
	if t.Colors().IsMarkGoodOrNull(p) {
		return p, true
	}
	return 0, false
}

func (s *Set) loadSlow(t *thread.Thread, c *color.Colors, slot *heap.Slot, p color.Ptr, remember bool) color.Ptr {
	s.slowLoads.Add(1)

	if p.IsNull() {
		good := c.Good(0)
		s.selfHeal(slot, p, func(color.Ptr) color.Ptr { return good }, c.IsMarkGoodOrNull)
		return good
	}

	addr := s.remap(c, p)
	s.markAddr(t, c, p, addr, MarkOptions{Follow: true, GCThread: !t.IsMutator()})

	good := c.Good(addr)
	s.selfHeal(slot, p, func(color.Ptr) color.Ptr { return good }, c.IsMarkGoodOrNull)
	if remember {
		// The healed pointer is store-good, so a later store to this slot
		// takes the fast path and never reaches the remembered set.
		s.rememberSlot(slot)
	}
	return good
}

// Store is the strong store barrier. v is recolored with the good mask.
func (s *Set) Store(t *thread.Thread, slot *heap.Slot, v color.Ptr) {
	c := t.Colors()
	prev := slot.Load()
	if !c.IsStoreGood(prev) {
		s.storeSlow(t, c, slot, prev)
	}
	slot.Store(c.Good(v.Offset()))
}

func (s *Set) storeSlow(t *thread.Thread, c *color.Colors, slot *heap.Slot, prev color.Ptr) {
	s.slowStores.Add(1)

	if buf := t.StoreBuffer(); buf != nil && s.cfg.BufferStoreBarriers {
		if buf.Add(slot, prev) {
			s.FlushStoreBuffer(t, t)
		}
		return
	}
	s.markAndRemember(t, c, slot, prev)
}

// StoreNoKeepAlive stores v without marking the overwritten value.
func (s *Set) StoreNoKeepAlive(t *thread.Thread, slot *heap.Slot, v color.Ptr) {
	c := t.Colors()
	if prev := slot.Load(); !c.IsStoreGood(prev) {
		s.slowStores.Add(1)
		s.rememberSlot(slot)
	}
	slot.Store(c.Good(v.Offset()))
}

// StoreNative stores v into an off-heap root, marking the overwritten
// value.
func (s *Set) StoreNative(t *thread.Thread, slot *heap.Slot, v color.Ptr) {
	c := t.Colors()
	if prev := slot.Load(); !c.IsStoreGood(prev) && !prev.IsNull() {
		s.slowStores.Add(1)
		s.markAddr(t, c, prev, s.remap(c, prev), MarkOptions{Follow: true, GCThread: !t.IsMutator()})
	}
	slot.Store(c.Good(v.Offset()))
}

// KeepAlive marks the object p refers to, whatever its color. It is used
// when a referent obtained without a strong barrier escapes to strong
// reachability.
func (s *Set) KeepAlive(t *thread.Thread, p color.Ptr) {
	if p.IsNull() {
		return
	}
	c := t.Colors()
	addr := s.remap(c, p)
	opts := MarkOptions{Resurrect: true, Follow: true, GCThread: !t.IsMutator()}
	if s.old != nil && s.old.IsMarking() {
		s.old.MarkObject(t, addr, opts)
	}
	if s.young != nil && s.young.IsMarking() && s.heap.IsYoung(addr) {
		s.young.MarkObject(t, addr, opts)
	}
}

// OnAllocationBufferRetire runs when t retires its allocation buffer and
// applies the thread's pending store barriers.
func (s *Set) OnAllocationBufferRetire(t *thread.Thread) {
	s.FlushStoreBuffer(t, t)
}

// FlushStoreBuffer applies owner's buffered store barriers on behalf of
// ctx, whose mark stacks receive the work. It reports whether the buffer
// held any entry. owner must not be running managed code unless it is ctx.
func (s *Set) FlushStoreBuffer(owner, ctx *thread.Thread) bool {
	buf := owner.StoreBuffer()
	if buf == nil || buf.IsEmpty() {
		return false
	}
	c := s.colors.Current()
	s.flushes.Add(1)
	return buf.Drain(func(e thread.StoreEntry) {
		s.markAndRemember(ctx, c, e.Slot, e.Prev)
	})
}

func (s *Set) markAndRemember(t *thread.Thread, c *color.Colors, slot *heap.Slot, prev color.Ptr) {
	if !prev.IsNull() {
		s.markAddr(t, c, prev, s.remap(c, prev), MarkOptions{Follow: true, GCThread: !t.IsMutator()})
	}
	s.rememberSlot(slot)
}

// remap returns the current address of the object p refers to.
func (s *Set) remap(c *color.Colors, p color.Ptr) uintptr {
	if c.IsLoadGood(p) {
		return p.Offset()
	}
	return s.heap.Forwarding().Remap(p.Offset())
}

// markAddr marks addr for every active marker p is not yet good for.
func (s *Set) markAddr(t *thread.Thread, c *color.Colors, p color.Ptr, addr uintptr, opts MarkOptions) {
	zdebug.Assert(addr != 0, "barrier", "mark", "null address from %v", p)
	if s.old != nil && s.old.IsMarking() && !c.IsMarkOldGood(p) {
		s.old.MarkObject(t, addr, opts)
	}
	if s.young != nil && s.young.IsMarking() && !c.IsMarkYoungGood(p) && s.heap.IsYoung(addr) {
		s.young.MarkObject(t, addr, opts)
	}
}

func (s *Set) rememberSlot(slot *heap.Slot) {
	if slot.IsRoot() || !s.heap.IsOld(slot.Addr()) {
		return
	}
	s.heap.Remembered().Remember(slot.Addr())
}

// selfHeal installs heal(prev) in slot. It gives up when another thread
// installed a pointer that is already good or that refers to a different
// object, and retries when another thread only recolored the slot.
func (s *Set) selfHeal(slot *heap.Slot, prev color.Ptr, heal func(color.Ptr) color.Ptr, good func(color.Ptr) bool) {
	for {
		if slot.CompareAndSwap(prev, heal(prev)) {
			s.heals.Add(1)
			return
		}
		cur := slot.Load()
		if good(cur) || cur.Offset() != prev.Offset() {
			return
		}
		prev = cur
	}
}
