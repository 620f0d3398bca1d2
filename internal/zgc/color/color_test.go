package color

import (
	"sync"
	"testing"
)

// ========================================
// Pointer Encoding Tests
// ========================================

// TestColor_RoundTrip verifies offset and metadata survive encoding.
func TestColor_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		offset uintptr
		bits   Ptr
	}{
		{"null uncolored", 0, 0},
		{"null colored", 0, Remapped0 | MarkedOld0},
		{"small offset", 0x200008, Remapped1 | MarkedYoung1 | Remembered0},
		{"large offset", 0x7fff_ffff_fff8, AllMask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Color(tt.offset, tt.bits)
			if got := p.Offset(); got != tt.offset {
				t.Errorf("Offset() = 0x%x, want 0x%x", got, tt.offset)
			}
			if got := p.Bits(); got != tt.bits {
				t.Errorf("Bits() = 0x%x, want 0x%x", got, tt.bits)
			}
			if got := p.IsNull(); got != (tt.offset == 0) {
				t.Errorf("IsNull() = %v, want %v", got, tt.offset == 0)
			}
		})
	}
}

// TestColor_WithBits verifies recoloring keeps the offset.
func TestColor_WithBits(t *testing.T) {
	p := Color(0x400000, Remapped0)
	q := p.WithBits(Remapped1 | MarkedOld1)

	if q.Offset() != p.Offset() {
		t.Errorf("WithBits changed offset: 0x%x -> 0x%x", p.Offset(), q.Offset())
	}
	if q.Bits() != Remapped1|MarkedOld1 {
		t.Errorf("WithBits bits = 0x%x", q.Bits())
	}
}

// ========================================
// Good Mask Tests
// ========================================

// TestState_Initial verifies the initial masks are internally consistent.
func TestState_Initial(t *testing.T) {
	s := NewState()
	c := s.Current()

	if c.Epoch != 1 {
		t.Errorf("initial epoch = %d, want 1", c.Epoch)
	}
	if c.StoreGood&c.MarkGood != c.MarkGood {
		t.Errorf("StoreGood 0x%x does not contain MarkGood 0x%x", c.StoreGood, c.MarkGood)
	}
	if c.MarkGood&c.LoadGood != c.LoadGood {
		t.Errorf("MarkGood 0x%x does not contain LoadGood 0x%x", c.MarkGood, c.LoadGood)
	}

	good := c.Good(0x1000)
	if !c.IsGood(good) || !c.IsMarkGood(good) || !c.IsLoadGood(good) {
		t.Errorf("Good() pointer %v not good under its own masks", good)
	}
}

// TestState_FlipMarkStart verifies a flip turns every good pointer bad.
func TestState_FlipMarkStart(t *testing.T) {
	for _, young := range []bool{false, true} {
		s := NewState()
		before := s.Current()
		p := before.Good(0x2000)

		after := s.FlipMarkStart(young)

		if after.Epoch != before.Epoch+1 {
			t.Errorf("young=%v: epoch %d -> %d, want +1", young, before.Epoch, after.Epoch)
		}
		if after.IsGood(p) {
			t.Errorf("young=%v: pointer %v still store-good after flip", young, p)
		}
		if after.IsMarkGood(p) {
			t.Errorf("young=%v: pointer %v still mark-good after flip", young, p)
		}
		if !after.IsLoadGood(p) {
			t.Errorf("young=%v: mark flip must not change load-goodness", young)
		}
		if young && after.IsMarkYoungGood(p) {
			t.Errorf("young flip: pointer still young-good")
		}
		if young && !after.IsMarkOldGood(p) {
			t.Errorf("young flip: pointer lost old-goodness")
		}
		if !young && after.IsMarkOldGood(p) {
			t.Errorf("old flip: pointer still old-good")
		}
	}
}

// TestState_FlipRelocateStart verifies a relocate flip makes pointers load-bad.
func TestState_FlipRelocateStart(t *testing.T) {
	s := NewState()
	p := s.Current().Good(0x3000)

	c := s.FlipRelocateStart()

	if c.IsLoadGood(p) {
		t.Errorf("pointer %v still load-good after relocate flip", p)
	}
	if !c.IsLoadGoodOrNull(0) {
		t.Errorf("raw null must pass the load fast path")
	}
}

// TestColors_Heal verifies partial healing only touches selected fields.
func TestColors_Heal(t *testing.T) {
	s := NewState()
	stale := s.Current().Good(0x4000)
	c := s.FlipMarkStart(true)

	young := c.Heal(0x4000, stale, HealYoung)
	if !c.IsMarkYoungGood(young) {
		t.Errorf("HealYoung result %v not young-good", young)
	}
	if young&RememberedMask != stale&RememberedMask {
		t.Errorf("HealYoung changed remembered bits: %v -> %v", stale, young)
	}
	if c.IsGood(young) {
		t.Errorf("HealYoung must not produce a store-good pointer when remembered is stale")
	}

	all := c.Heal(0x4000, stale, HealAll)
	if !c.IsGood(all) {
		t.Errorf("HealAll result %v not good", all)
	}
}

// TestColors_Finalizable verifies finalizable colors are weaker than strong.
func TestColors_Finalizable(t *testing.T) {
	c := NewState().Current()
	p := c.Finalizable(0x5000, 0)

	if c.IsMarkGood(p) {
		t.Errorf("finalizable pointer %v must not be mark-good", p)
	}
	if !c.IsMarkFinalizableGood(p) {
		t.Errorf("finalizable pointer %v must be finalizable-good", p)
	}
	if c.IsMarkOldGood(p) {
		t.Errorf("finalizable pointer %v must not be old-good", p)
	}
	if !c.IsMarkFinalizableGood(c.Good(0x5000)) {
		t.Errorf("strong pointer must also satisfy finalizable-good")
	}
}

// TestColors_DisarmedValue verifies the young composite disarm value.
//
// A young mark disarm keeps the previous old mark bits. When no old mark
// flip happened in between, the composite value equals the good mask.
func TestColors_DisarmedValue(t *testing.T) {
	s := NewState()
	prev := Ptr(s.Current().DisarmedValue())
	c := s.FlipMarkStart(true)

	oldMarked := prev & (MarkedMask ^ MarkedYoungMask)
	v := c.LoadGood | c.MarkedYoung() | oldMarked | c.Remembered()

	if !c.IsMarkGoodValue(uint32(v)) {
		t.Fatalf("composite %04x should be mark-good", uint64(v))
	}
	if uint32(v) != c.DisarmedValue() {
		t.Errorf("composite %04x != disarmed %04x", uint64(v), c.DisarmedValue())
	}

	// An old flip in between leaves the composite incomplete.
	s2 := NewState()
	prev2 := Ptr(s2.Current().DisarmedValue())
	s2.FlipMarkStart(false)
	c2 := s2.FlipMarkStart(true)
	v2 := c2.LoadGood | c2.MarkedYoung() | prev2&(MarkedMask^MarkedYoungMask) | c2.Remembered()
	if c2.IsMarkGoodValue(uint32(v2)) {
		t.Errorf("composite %04x must not be mark-good after old flip", uint64(v2))
	}
	if uint32(v2) == c2.DisarmedValue() {
		t.Errorf("incomplete composite must differ from disarmed value")
	}
}

// TestState_ConcurrentFlips verifies epochs are unique under concurrent flips.
func TestState_ConcurrentFlips(t *testing.T) {
	s := NewState()
	const flips = 64

	var wg sync.WaitGroup
	seen := make(chan uint32, flips)
	for i := 0; i < flips; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var c *Colors
			if i%2 == 0 {
				c = s.FlipMarkStart(i%4 == 0)
			} else {
				c = s.FlipRelocateStart()
			}
			seen <- c.Epoch
		}(i)
	}
	wg.Wait()
	close(seen)

	epochs := make(map[uint32]bool)
	for e := range seen {
		if epochs[e] {
			t.Errorf("epoch %d published twice", e)
		}
		epochs[e] = true
	}
	if got := s.Epoch(); got != 1+flips {
		t.Errorf("final epoch = %d, want %d", got, 1+flips)
	}
}

// BenchmarkColors_IsGood measures the barrier fast path test.
func BenchmarkColors_IsGood(b *testing.B) {
	c := NewState().Current()
	p := c.Good(0x1000)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if !c.IsGood(p) {
			b.Fatal("unexpected bad pointer")
		}
	}
}
