package barrier

import (
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// oldFields are the metadata fields owned by the old marker.
const oldFields = color.RemappedMask | color.FinalizableMask | color.MarkedOldMask

// MarkBarrierOnOldField is applied by the old marker to every reference
// field of an object it follows.
//
// A store-good pointer does not prove its referent was marked (stores
// color the new value without marking it), so the referent is marked even
// when the pointer is already good. Only the old mark state of the slot is
// healed; the young marker owns the young mark bits.
func (s *Set) MarkBarrierOnOldField(t *thread.Thread, slot *heap.Slot, finalizable bool) {
	c := t.Colors()
	p := slot.Load()
	if p.IsNull() {
		return
	}

	if finalizable {
		if bits := p & oldFields; bits == c.MarkGood&oldFields || bits == c.FinalizableGood&oldFields {
			return
		}
		addr := s.remap(c, p)
		s.old.MarkObject(t, addr, MarkOptions{GCThread: true, Follow: true, Finalizable: true})
		s.selfHeal(slot, p, func(prev color.Ptr) color.Ptr {
			return color.Color(addr, prev&^oldFields|c.FinalizableGood&oldFields)
		}, func(cur color.Ptr) bool {
			return c.IsMarkOldGood(cur) || cur&oldFields == c.FinalizableGood&oldFields
		})
		return
	}

	if c.IsMarkOldGood(p) {
		s.old.MarkObject(t, p.Offset(), MarkOptions{GCThread: true, Follow: true})
		return
	}
	addr := s.remap(c, p)
	s.old.MarkObject(t, addr, MarkOptions{GCThread: true, Follow: true})
	s.selfHeal(slot, p, func(prev color.Ptr) color.Ptr {
		return c.Heal(addr, prev, color.HealOld)
	}, c.IsMarkOldGood)
}

// MarkBarrierOnYoungField is applied by the young marker to reference
// fields of young objects and to remembered old slots. Referents outside
// the young generation are healed but not marked.
func (s *Set) MarkBarrierOnYoungField(t *thread.Thread, slot *heap.Slot) {
	c := t.Colors()
	p := slot.Load()
	if p.IsNull() {
		return
	}
	addr := s.remap(c, p)
	if s.heap.IsYoung(addr) {
		s.young.MarkObject(t, addr, MarkOptions{GCThread: true, Follow: true})
	}
	if !c.IsMarkYoungGood(p) {
		s.selfHeal(slot, p, func(prev color.Ptr) color.Ptr {
			return c.Heal(addr, prev, color.HealYoung)
		}, c.IsMarkYoungGood)
	}
}

// MarkRoot marks the referent of an uncolored root for every active
// marker, whatever its color, and stores the good pointer.
func (s *Set) MarkRoot(t *thread.Thread, slot *heap.Slot) {
	p := slot.Load()
	if p.IsNull() {
		return
	}
	c := t.Colors()
	addr := s.heap.Forwarding().Remap(p.Offset())
	opts := MarkOptions{GCThread: !t.IsMutator(), Follow: true}
	if s.old != nil && s.old.IsMarking() {
		s.old.MarkObject(t, addr, opts)
	}
	if s.young != nil && s.young.IsMarking() && s.heap.IsYoung(addr) {
		s.young.MarkObject(t, addr, opts)
	}
	slot.Store(c.Good(addr))
}

// MarkYoungRoot marks the referent of an uncolored root for the young
// marker only, healing the young mark state of the root.
func (s *Set) MarkYoungRoot(t *thread.Thread, slot *heap.Slot) {
	p := slot.Load()
	if p.IsNull() {
		return
	}
	c := t.Colors()
	addr := s.heap.Forwarding().Remap(p.Offset())
	if s.heap.IsYoung(addr) {
		s.young.MarkObject(t, addr, MarkOptions{GCThread: !t.IsMutator(), Follow: true})
	}
	slot.Store(c.Heal(addr, p, color.HealYoung))
}

// ProcessRoot heals a root whose color is tracked outside the slot, such
// as an oop embedded in compiled code. bits is the color the root was last
// healed with.
func (s *Set) ProcessRoot(t *thread.Thread, slot *heap.Slot, bits color.Ptr) {
	p := slot.Load()
	if p.IsNull() {
		return
	}
	c := t.Colors()
	eff := p.WithBits(bits)
	if c.IsStoreGood(eff) {
		return
	}
	addr := s.remap(c, eff)
	s.markAddr(t, c, eff, addr, MarkOptions{GCThread: !t.IsMutator(), Follow: true})
	slot.Store(c.Good(addr))
}
