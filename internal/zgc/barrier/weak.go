package barrier

import (
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// BlockResurrection makes weak and phantom loads stop reviving referents
// of gen. The collector blocks resurrection after gen's marking ended and
// until it decided which of gen's weak referents died.
func (s *Set) BlockResurrection(gen heap.Generation) {
	s.resurrection.Store(uint32(gen) + 1)
	s.log.Debug("Resurrection blocked", "generation", gen.String())
}

// UnblockResurrection restores normal weak and phantom loads.
func (s *Set) UnblockResurrection() {
	s.resurrection.Store(0)
	s.log.Debug("Resurrection unblocked")
}

// IsResurrectionBlocked reports whether weak loads may return null for
// unmarked referents.
func (s *Set) IsResurrectionBlocked() bool {
	return s.resurrection.Load() != 0
}

// blockedGeneration returns the generation whose referents are being
// decided.
func (s *Set) blockedGeneration() (heap.Generation, bool) {
	v := s.resurrection.Load()
	if v == 0 {
		return 0, false
	}
	return heap.Generation(v - 1), true
}

// LoadWeak is the load barrier for the referent of a weak reference. It
// returns null for a referent that was not proven strongly live.
func (s *Set) LoadWeak(t *thread.Thread, slot *heap.Slot) color.Ptr {
	return s.loadReference(t, slot, false)
}

// LoadPhantom is the load barrier for the referent of a phantom reference.
// Finalizably reachable referents count as live.
func (s *Set) LoadPhantom(t *thread.Thread, slot *heap.Slot) color.Ptr {
	return s.loadReference(t, slot, true)
}

func (s *Set) loadReference(t *thread.Thread, slot *heap.Slot, phantom bool) color.Ptr {
	deciding, blocked := s.blockedGeneration()
	if !blocked {
		// Reviving the referent is safe: marking has not decided it yet.
		return s.Load(t, slot)
	}

	p := slot.Load()
	if p.IsNull() {
		return 0
	}
	c := t.Colors()
	addr := s.remap(c, p)

	gen := heap.Old
	if s.heap.IsYoung(addr) {
		gen = heap.Young
	}
	if gen != deciding && s.cfg.WeakPolicy == config.WeakPolicyGenerational {
		// The referent's generation is not being decided; it stays
		// alive until its own marking completes.
		s.keepAlive(t, gen, addr)
		return c.Good(addr)
	}

	live := s.heap.IsObjectStronglyLive(addr)
	if phantom {
		live = s.heap.IsObjectLive(addr)
	}
	if !live {
		return 0
	}
	return c.Good(addr)
}

func (s *Set) keepAlive(t *thread.Thread, gen heap.Generation, addr uintptr) {
	m := s.young
	if gen == heap.Old {
		m = s.old
	}
	if m == nil || !m.IsMarking() {
		return
	}
	m.MarkObject(t, addr, MarkOptions{Resurrect: true, Follow: true, GCThread: !t.IsMutator()})
}
