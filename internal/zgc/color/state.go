package color

import (
	"sync"
	"sync/atomic"
)

// Colors is an immutable snapshot of the good masks for one phase.
//
// A new snapshot is published on every flip. Threads cache the snapshot
// that was current when they last started stack processing, so barrier
// fast paths never touch shared state.
type Colors struct {
	// Epoch increases by one on every flip. Stack watermarks and code
	// barriers use it to detect stale per-thread state.
	Epoch uint32

	// Current member index (0 or 1) of each one-hot pair.
	remapped   uint8
	old        uint8
	young      uint8
	remembered uint8

	// LoadGood holds the current remap bit.
	LoadGood Ptr

	// MarkGood is LoadGood plus the current old and young mark bits.
	MarkGood Ptr

	// FinalizableGood is MarkGood with the old mark bit replaced by the
	// matching finalizable bit.
	FinalizableGood Ptr

	// StoreGood is MarkGood plus the current remembered bit. This is the
	// good mask: a pointer whose metadata equals it needs no barrier work.
	StoreGood Ptr
}

func newColors(epoch uint32, remapped, old, young, remembered uint8) *Colors {
	c := &Colors{
		Epoch:      epoch,
		remapped:   remapped,
		old:        old,
		young:      young,
		remembered: remembered,
	}
	c.LoadGood = Remapped0 << remapped
	c.MarkGood = c.LoadGood | MarkedOld0<<old | MarkedYoung0<<young
	c.FinalizableGood = c.LoadGood | Finalizable0<<old | MarkedYoung0<<young
	c.StoreGood = c.MarkGood | Remembered0<<remembered
	return c
}

// MarkedOld returns the current old mark bit.
func (c *Colors) MarkedOld() Ptr { return MarkedOld0 << c.old }

// MarkedYoung returns the current young mark bit.
func (c *Colors) MarkedYoung() Ptr { return MarkedYoung0 << c.young }

// Remembered returns the current remembered bit.
func (c *Colors) Remembered() Ptr { return Remembered0 << c.remembered }

// IsLoadGood reports whether p carries the current remap bit.
func (c *Colors) IsLoadGood(p Ptr) bool {
	return p&RemappedMask == c.LoadGood
}

// IsLoadGoodOrNull is the load barrier fast path test for loads that do
// not need marking.
func (c *Colors) IsLoadGoodOrNull(p Ptr) bool {
	return p == 0 || c.IsLoadGood(p)
}

// IsMarkGood reports whether p was colored after its referent was marked
// by every generation that is currently marking.
func (c *Colors) IsMarkGood(p Ptr) bool {
	return p&(RemappedMask|MarkedMask) == c.MarkGood
}

// IsMarkGoodOrNull is the strong load barrier fast path test.
func (c *Colors) IsMarkGoodOrNull(p Ptr) bool {
	return p == 0 || c.IsMarkGood(p)
}

// IsMarkFinalizableGood reports whether p is at least finalizably marked.
func (c *Colors) IsMarkFinalizableGood(p Ptr) bool {
	bits := p & (RemappedMask | MarkedMask)
	return bits == c.MarkGood || bits == c.FinalizableGood
}

// IsMarkOldGood reports whether p is remapped and strongly marked for the
// current old mark, ignoring the young mark bit.
func (c *Colors) IsMarkOldGood(p Ptr) bool {
	const fields = RemappedMask | FinalizableMask | MarkedOldMask
	return p&fields == c.MarkGood&fields
}

// IsMarkYoungGood reports whether p is remapped and marked for the current
// young mark, ignoring old mark state.
func (c *Colors) IsMarkYoungGood(p Ptr) bool {
	const fields = RemappedMask | MarkedYoungMask
	return p&fields == c.MarkGood&fields
}

// IsStoreGood reports whether the metadata of p equals the good mask.
func (c *Colors) IsStoreGood(p Ptr) bool {
	return p&MetadataMask == c.StoreGood
}

// IsGood is an alias of IsStoreGood.
func (c *Colors) IsGood(p Ptr) bool {
	return c.IsStoreGood(p)
}

// Heal recolors prev for offset: the metadata fields selected by fields are
// taken from the good mask, the remaining fields are kept from prev.
func (c *Colors) Heal(offset uintptr, prev, fields Ptr) Ptr {
	return Color(offset, prev&^fields|c.StoreGood&fields)
}

// Good returns offset colored with the good mask.
func (c *Colors) Good(offset uintptr) Ptr {
	return Color(offset, c.StoreGood)
}

// Finalizable returns offset colored finalizable-good, keeping the
// remembered bit of prev.
func (c *Colors) Finalizable(offset uintptr, prev Ptr) Ptr {
	return Color(offset, prev&RememberedMask|c.FinalizableGood)
}

// DisarmedValue is the code barrier value that means "healed for the
// current phase".
func (c *Colors) DisarmedValue() uint32 {
	return uint32(c.StoreGood)
}

// IsMarkGoodValue reports whether a code barrier value, read as pointer
// metadata, is mark-good.
func (c *Colors) IsMarkGoodValue(v uint32) bool {
	return c.IsMarkGood(Ptr(v))
}

// Phase-change fields used by Heal.
const (
	// HealAll produces a pointer equal to the good mask.
	HealAll = AllMask

	// HealOld updates remap and old mark state only.
	HealOld = RemappedMask | FinalizableMask | MarkedOldMask

	// HealYoung updates remap and young mark state only.
	HealYoung = RemappedMask | MarkedYoungMask

	// HealRemap updates the remap bit only.
	HealRemap = RemappedMask
)

// State holds the process-wide current Colors.
//
// Flips are expected to run inside a safepoint; State itself only
// serializes concurrent flips and publishes snapshots atomically.
//
// Thread Safety: Current is lock-free; flips are serialized.
type State struct {
	mu      sync.Mutex
	current atomic.Pointer[Colors]
}

// NewState returns a State in its initial phase (epoch 1).
func NewState() *State {
	s := &State{}
	s.current.Store(newColors(1, 0, 0, 0, 0))
	return s
}

// Current returns the current snapshot.
func (s *State) Current() *Colors {
	return s.current.Load()
}

// Epoch returns the current epoch.
func (s *State) Epoch() uint32 {
	return s.current.Load().Epoch
}

// FlipMarkStart flips the mark colors for a mark phase. A young mark also
// flips the remembered bit, so every old-to-young store in the new phase
// takes the store slow path once.
func (s *State) FlipMarkStart(young bool) *Colors {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current.Load()
	var next *Colors
	if young {
		next = newColors(c.Epoch+1, c.remapped, c.old, c.young^1, c.remembered^1)
	} else {
		next = newColors(c.Epoch+1, c.remapped, c.old^1, c.young, c.remembered)
	}
	s.current.Store(next)
	return next
}

// FlipRelocateStart flips the remap bit; every pointer becomes load-bad and
// is remapped through the forwarding table on first use.
func (s *State) FlipRelocateStart() *Colors {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current.Load()
	next := newColors(c.Epoch+1, c.remapped^1, c.old, c.young, c.remembered)
	s.current.Store(next)
	return next
}
