package nmethod

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/zdebug"
)

type testCaller struct {
	id     uint64
	colors *color.State
	stale  bool
}

func (c *testCaller) ID() uint64 { return c.id }

func (c *testCaller) DisarmedValue() uint32 {
	if c.stale {
		return ArmedValue + 1
	}
	return c.colors.Current().DisarmedValue()
}

// TestEntryBarrier_FirstEntryHeals verifies a new method is armed and the
// first entry heals and disarms it.
func TestEntryBarrier_FirstEntryHeals(t *testing.T) {
	colors := color.NewState()
	var heals atomic.Int32
	b := NewEntryBarrier[*testCaller](colors, func(*testCaller, *Method) { heals.Add(1) })

	m := NewMethod("Foo.bar", color.Color(0x1000, color.Remapped0))
	if !b.IsArmed(m) {
		t.Fatal("new method not armed")
	}

	c := &testCaller{id: 1, colors: colors}
	if !b.Enter(c, m) {
		t.Fatal("Enter() = false for a live method")
	}
	if heals.Load() != 1 {
		t.Errorf("heal ran %d times, want 1", heals.Load())
	}
	if b.IsArmed(m) {
		t.Error("method still armed after entry")
	}

	// Fast path: no more heals.
	b.Enter(c, m)
	if heals.Load() != 1 {
		t.Errorf("disarmed entry healed again")
	}

	// A flip re-arms every method.
	colors.FlipMarkStart(false)
	if !b.IsArmed(m) {
		t.Error("method not armed after phase flip")
	}
	b.Enter(c, m)
	if heals.Load() != 2 {
		t.Errorf("heal ran %d times after flip, want 2", heals.Load())
	}
}

// TestEntryBarrier_ConcurrentEntry verifies exactly one of two racing
// threads heals an armed method and neither proceeds before the heal is
// complete.
func TestEntryBarrier_ConcurrentEntry(t *testing.T) {
	colors := color.NewState()
	var heals atomic.Int32
	var healing atomic.Bool

	b := NewEntryBarrier[*testCaller](colors, func(c *testCaller, m *Method) {
		healing.Store(true)
		time.Sleep(20 * time.Millisecond)
		heals.Add(1)
		healing.Store(false)
	})
	m := NewMethod("Racy.run")

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			c := &testCaller{id: id, colors: colors}
			<-start
			if !b.Enter(c, m) {
				t.Errorf("thread %d: Enter() = false", id)
			}
			if healing.Load() {
				t.Errorf("thread %d entered while the method was mid-heal", id)
			}
			if b.IsArmed(m) {
				t.Errorf("thread %d entered an armed method", id)
			}
		}(uint64(i))
	}
	close(start)
	wg.Wait()

	if heals.Load() != 1 {
		t.Errorf("heal ran %d times, want exactly 1", heals.Load())
	}
}

// TestEntryBarrier_Unloading verifies unloading methods refuse entry and
// are made not entrant without healing.
func TestEntryBarrier_Unloading(t *testing.T) {
	colors := color.NewState()
	var heals atomic.Int32
	b := NewEntryBarrier[*testCaller](colors, func(*testCaller, *Method) { heals.Add(1) })

	m := NewMethod("Dead.code")
	m.SetUnloading()

	if b.Enter(&testCaller{id: 7, colors: colors}, m) {
		t.Error("Enter() = true for an unloading method")
	}
	if !m.IsNotEntrant() {
		t.Error("unloading method not made not entrant")
	}
	if heals.Load() != 0 {
		t.Error("unloading method was healed")
	}
	if !b.IsArmed(m) {
		t.Error("unloading method was disarmed")
	}
}

// TestEntryBarrier_StaleThreadCache verifies a thread whose cached value
// is stale takes the slow path but does not heal a disarmed method twice.
func TestEntryBarrier_StaleThreadCache(t *testing.T) {
	colors := color.NewState()
	var heals atomic.Int32
	b := NewEntryBarrier[*testCaller](colors, func(*testCaller, *Method) { heals.Add(1) })

	m := NewMethod("Warm.path")
	b.Enter(&testCaller{id: 1, colors: colors}, m)

	if !b.Enter(&testCaller{id: 2, colors: colors, stale: true}, m) {
		t.Fatal("Enter() = false")
	}
	if heals.Load() != 1 {
		t.Errorf("heal ran %d times, want 1", heals.Load())
	}
}

// TestEntryBarrier_ReentrantHeal verifies the healing thread may re-enter
// the method's lock, for example when healing calls back into the method.
func TestEntryBarrier_ReentrantHeal(t *testing.T) {
	colors := color.NewState()
	m := NewMethod("Self.recursive")

	b := NewEntryBarrier[*testCaller](colors, func(c *testCaller, m *Method) {
		m.Lock(c.ID())
		m.Unlock(c.ID())
	})
	if !b.Enter(&testCaller{id: 3, colors: colors}, m) {
		t.Fatal("Enter() = false")
	}
}

// TestEntryBarrier_DisarmConsistency verifies IsArmed tracks the stored
// value across explicit arm and disarm.
func TestEntryBarrier_DisarmConsistency(t *testing.T) {
	colors := color.NewState()
	b := NewEntryBarrier[*testCaller](colors, func(*testCaller, *Method) {})
	m := NewMethod("Check.me")

	b.Disarm(m)
	if b.IsArmed(m) || m.DisarmValue() != colors.Current().DisarmedValue() {
		t.Error("Disarm() left the method armed")
	}
	b.Arm(m)
	if !b.IsArmed(m) {
		t.Error("Arm() left the method disarmed")
	}

	partial := colors.Current().DisarmedValue() &^ uint32(color.RememberedMask)
	b.DisarmWithValue(m, partial)
	if !b.IsArmed(m) {
		t.Error("partial disarm value treated as fully disarmed")
	}
}

// TestEntryBarrier_DisarmUnarmed verifies disarming a disarmed method is a
// protocol violation when verification is on.
func TestEntryBarrier_DisarmUnarmed(t *testing.T) {
	prev := zdebug.SetVerify(true)
	defer zdebug.SetVerify(prev)

	colors := color.NewState()
	b := NewEntryBarrier[*testCaller](colors, func(*testCaller, *Method) {})
	m := NewMethod("Twice")
	b.Disarm(m)

	defer func() {
		r := recover()
		if _, ok := r.(*zdebug.ProtocolError); !ok {
			t.Errorf("recover() = %v, want *zdebug.ProtocolError", r)
		}
	}()
	b.Disarm(m)
}

// TestTable_Snapshot verifies registration order and removal.
func TestTable_Snapshot(t *testing.T) {
	tbl := NewTable()
	a, b, c := NewMethod("a"), NewMethod("b"), NewMethod("c")
	tbl.Register(c)
	tbl.Register(a)
	tbl.Register(b)
	tbl.Unregister(b)

	got := tbl.Snapshot()
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("Snapshot() = %v, want [a c]", got)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len = %d, want 2", tbl.Len())
	}
}
