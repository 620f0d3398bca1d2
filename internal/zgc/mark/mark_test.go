package mark

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/kolkov/zmark/internal/zgc/barrier"
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/markstack"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/thread"
	"github.com/kolkov/zmark/internal/zgc/workers"
)

type fixture struct {
	heap       *heap.Heap
	colors     *color.State
	bs         *barrier.Set
	reg        *thread.Registry
	pool       *workers.Pool
	code       *nmethod.Table
	driver     *thread.Thread
	young, old *Marker
	mutator    *thread.Thread
}

func newFixture(t testing.TB, cfg config.Config) *fixture {
	t.Helper()
	cfg = cfg.Normalize()
	f := &fixture{heap: heap.New(512 << 20), colors: color.NewState()}
	f.bs = barrier.New(f.heap, f.colors, cfg)
	f.reg = thread.NewRegistry(f.colors, cfg.StoreBufferEntries)
	f.reg.SetEntryGate(f.bs)
	f.reg.SetStackProcessor(f.bs.StackProcessor())
	sts := workers.NewSuspendibleSet()
	f.reg.SetSuspender(sts)
	f.pool = workers.NewPool(cfg.Workers)
	f.code = nmethod.NewTable()
	f.driver = f.reg.Attach(thread.KindOther, "driver")

	env := Env{
		Heap:     f.heap,
		Colors:   f.colors,
		Barriers: f.bs,
		Threads:  f.reg,
		Code:     f.code,
		Pool:     f.pool,
		STS:      sts,
		Driver:   f.driver,
	}
	f.young = New(heap.Young, env, cfg)
	f.old = New(heap.Old, env, cfg)
	f.bs.SetMarkers(f.young, f.old)
	f.mutator = f.reg.Attach(thread.KindMutator, "main")
	return f
}

func (f *fixture) marker(gen heap.Generation) *Marker {
	if gen == heap.Young {
		return f.young
	}
	return f.old
}

func (f *fixture) alloc(t testing.TB, gen heap.Generation, kind heap.Kind, nrefs int) uintptr {
	t.Helper()
	addr, err := f.heap.Allocate(gen, kind, nrefs, 0)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	return addr
}

// link stores a pointer to to in field i of from, colored for the current
// phase, bypassing the barriers.
func (f *fixture) link(from uintptr, i int, to uintptr) {
	f.heap.RefSlot(from, i).Store(f.colors.Current().Good(to))
}

func (f *fixture) global(addr uintptr) *heap.Slot {
	return f.heap.Roots().AddGlobal(f.colors.Current().Good(addr))
}

// start runs the mark start safepoint for gen.
func (f *fixture) start(gen heap.Generation) {
	m := f.marker(gen)
	f.reg.Safepoint(func() {
		for _, t := range f.reg.ThreadsOf(thread.KindMutator) {
			f.bs.FlushStoreBuffer(t, t)
		}
		f.colors.FlipMarkStart(gen == heap.Young)
		f.heap.StartMark(gen)
		if gen == heap.Young {
			f.heap.Remembered().Flip()
		}
		m.Start()
	})
}

// finish runs concurrent marking and the mark end safepoint until marking
// completes.
func (f *fixture) finish(t testing.TB, gen heap.Generation) {
	t.Helper()
	m := f.marker(gen)
	ctx := context.Background()
	for {
		if err := m.MarkFollow(ctx); err != nil {
			t.Fatalf("MarkFollow() error: %v", err)
		}
		done := false
		f.reg.Safepoint(func() { done = m.End() })
		if done {
			break
		}
	}
	m.Free()
}

// cycle runs a complete mark cycle for gen.
func (f *fixture) cycle(t testing.TB, gen heap.Generation) {
	t.Helper()
	f.start(gen)
	if err := f.marker(gen).MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}
	f.finish(t, gen)
}

// ============================================================================
// Large array splitting
// ============================================================================

// TestSplitLargeArray_CoversRange verifies that following a 10000 element
// array with a 512 element chunk size visits every element exactly once
// and that every pushed chunk is aligned to the chunk size.
func TestSplitLargeArray_CoversRange(t *testing.T) {
	const (
		min      = uintptr(4096)
		elements = 10000
	)
	start := uintptr(1<<heap.RegionShift) + heap.WordSize
	size := uintptr(elements) * heap.WordSize

	type span struct{ start, end uintptr }
	var followed []span
	var pending []span

	follow := func(s, n uintptr) {
		if n > min {
			leading := splitLargeArray(s, n, min, func(addr, size uintptr) {
				if addr%min != 0 {
					t.Errorf("chunk at 0x%x not aligned to %d", addr, min)
				}
				pending = append(pending, span{addr, addr + size})
			})
			followed = append(followed, span{s, leading})
			return
		}
		followed = append(followed, span{s, s + n})
	}

	follow(start, size)
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		follow(next.start, next.end-next.start)
	}

	sort.Slice(followed, func(i, j int) bool { return followed[i].start < followed[j].start })
	pos := start
	for _, s := range followed {
		if s.start != pos {
			t.Fatalf("gap or overlap at 0x%x, next span starts at 0x%x", pos, s.start)
		}
		if s.end < s.start {
			t.Fatalf("inverted span [0x%x, 0x%x)", s.start, s.end)
		}
		pos = s.end
	}
	if pos != start+size {
		t.Errorf("covered up to 0x%x, want 0x%x", pos, start+size)
	}
	t.Logf("%d spans followed", len(followed))
}

// TestSplitLargeArray_LeadingPartNonEmpty verifies the caller always keeps
// some work, even for an aligned start.
func TestSplitLargeArray_LeadingPartNonEmpty(t *testing.T) {
	const min = uintptr(4096)
	start := uintptr(4 * min)
	leading := splitLargeArray(start, 3*min, min, func(uintptr, uintptr) {})
	if leading <= start {
		t.Errorf("leading end 0x%x, want above start 0x%x", leading, start)
	}
}

// ============================================================================
// Marking
// ============================================================================

// TestMarker_MarksReachable verifies reachable objects are marked and
// unreachable ones are not, with shared and cyclic references.
func TestMarker_MarksReachable(t *testing.T) {
	f := newFixture(t, config.Default())

	a := f.alloc(t, heap.Old, heap.Instance, 2)
	b := f.alloc(t, heap.Old, heap.Instance, 1)
	c := f.alloc(t, heap.Old, heap.Instance, 1)
	d := f.alloc(t, heap.Old, heap.Instance, 1)
	dead := f.alloc(t, heap.Old, heap.Instance, 1)

	// a -> b -> d, a -> c -> d, d -> a
	f.link(a, 0, b)
	f.link(a, 1, c)
	f.link(b, 0, d)
	f.link(c, 0, d)
	f.link(d, 0, a)
	f.link(dead, 0, a)
	f.global(a)

	f.cycle(t, heap.Old)

	for _, addr := range []uintptr{a, b, c, d} {
		if !f.heap.IsObjectStronglyLive(addr) {
			t.Errorf("object 0x%x not marked", addr)
		}
	}
	if f.heap.IsObjectLive(dead) {
		t.Error("unreachable object marked")
	}
	if f.old.IsMarking() {
		t.Error("IsMarking() = true after End")
	}
}

// TestMarker_LiveBytesIdempotent verifies an object reachable from many
// paths is accounted once.
func TestMarker_LiveBytesIdempotent(t *testing.T) {
	f := newFixture(t, config.Default())

	shared := f.alloc(t, heap.Old, heap.Instance, 0)
	const holders = 100
	var want uint64
	for i := 0; i < holders; i++ {
		h := f.alloc(t, heap.Old, heap.Instance, 1)
		f.link(h, 0, shared)
		f.global(h)
		want += uint64(f.heap.ObjectSize(h))
	}
	want += uint64(f.heap.ObjectSize(shared))

	f.cycle(t, heap.Old)

	if got := f.heap.LiveBytes(heap.Old); got != want {
		t.Errorf("LiveBytes() = %d, want %d", got, want)
	}
	if got := f.heap.LiveObjects(heap.Old); got != holders+1 {
		t.Errorf("LiveObjects() = %d, want %d", got, holders+1)
	}
}

// TestMarker_LargeArray verifies every element of an array large enough
// to be split is followed.
func TestMarker_LargeArray(t *testing.T) {
	f := newFixture(t, config.Default())

	const n = 10000
	arr := f.alloc(t, heap.Old, heap.Array, n)
	elems := make([]uintptr, n)
	for i := range elems {
		elems[i] = f.alloc(t, heap.Old, heap.Instance, 0)
		f.link(arr, i, elems[i])
	}
	f.global(arr)

	f.cycle(t, heap.Old)

	missing := 0
	for _, e := range elems {
		if !f.heap.IsObjectStronglyLive(e) {
			missing++
		}
	}
	if missing != 0 {
		t.Errorf("%d of %d elements not marked", missing, n)
	}
	if got := f.heap.LiveObjects(heap.Old); got != n+1 {
		t.Errorf("LiveObjects() = %d, want %d", got, n+1)
	}
}

// TestMarker_HealsFollowedFields verifies fields followed by the old
// marker carry the current old mark color afterwards.
func TestMarker_HealsFollowedFields(t *testing.T) {
	f := newFixture(t, config.Default())
	a := f.alloc(t, heap.Old, heap.Instance, 1)
	b := f.alloc(t, heap.Old, heap.Instance, 0)
	f.link(a, 0, b)
	f.global(a)

	f.cycle(t, heap.Old)

	c := f.colors.Current()
	if p := f.heap.RefSlot(a, 0).Load(); !c.IsMarkOldGood(p) || p.Offset() != b {
		t.Errorf("field = %v, want old-mark-good pointer to 0x%x", p, b)
	}
}

// TestMarker_Finalizable verifies objects reachable only through a
// finalizable root are marked finalizable, not strong.
func TestMarker_Finalizable(t *testing.T) {
	f := newFixture(t, config.Default())
	a := f.alloc(t, heap.Old, heap.Instance, 1)
	b := f.alloc(t, heap.Old, heap.Instance, 0)
	f.link(a, 0, b)

	f.start(heap.Old)
	f.old.MarkObject(f.driver, a, barrier.MarkOptions{GCThread: true, Follow: true, Finalizable: true})
	f.finish(t, heap.Old)

	for _, addr := range []uintptr{a, b} {
		if !f.heap.IsObjectLive(addr) {
			t.Errorf("0x%x not marked", addr)
		}
		if f.heap.IsObjectStronglyLive(addr) {
			t.Errorf("0x%x strongly marked", addr)
		}
	}
}

// TestMarker_AllocatedDuringMark verifies objects allocated after mark
// start are live without being traced.
func TestMarker_AllocatedDuringMark(t *testing.T) {
	f := newFixture(t, config.Default())
	f.start(heap.Old)
	fresh := f.alloc(t, heap.Old, heap.Instance, 0)

	f.old.MarkObject(f.driver, fresh, barrier.MarkOptions{GCThread: true, Follow: true})
	if !f.driver.MarkStacks(heap.Old).IsEmpty() {
		t.Error("allocating object was pushed")
	}
	f.finish(t, heap.Old)

	if !f.heap.IsObjectLive(fresh) {
		t.Error("object allocated during marking not live")
	}
}

// TestMarker_StringDedup verifies marked strings are queued for
// deduplication exactly once.
func TestMarker_StringDedup(t *testing.T) {
	cfg := config.Default()
	cfg.StringDedup = true
	f := newFixture(t, cfg)

	arr := f.alloc(t, heap.Old, heap.Array, 10)
	s := f.alloc(t, heap.Old, heap.String, 0)
	for i := 0; i < 10; i++ {
		f.link(arr, i, s)
	}
	other := f.alloc(t, heap.Old, heap.String, 0)
	f.global(arr)
	f.global(other)

	f.cycle(t, heap.Old)

	got := f.heap.Dedup().Drain()
	if len(got) != 2 {
		t.Errorf("queued %d strings, want 2", len(got))
	}
}

// ============================================================================
// Young marking
// ============================================================================

// TestMarker_YoungThroughRememberedSet verifies the young marker reaches
// young objects through remembered old slots and keeps those slots
// remembered.
func TestMarker_YoungThroughRememberedSet(t *testing.T) {
	cfg := config.Default()
	cfg.BufferStoreBarriers = false
	f := newFixture(t, cfg)

	holder := f.alloc(t, heap.Old, heap.Instance, 1)
	y := f.alloc(t, heap.Young, heap.Instance, 1)
	y2 := f.alloc(t, heap.Young, heap.Instance, 0)
	dead := f.alloc(t, heap.Young, heap.Instance, 0)
	f.link(y, 0, y2)

	slot := f.heap.RefSlot(holder, 0)
	f.mutator.Enter()
	f.bs.Store(f.mutator, slot, color.Color(y, 0))
	f.mutator.Exit()
	if !f.heap.Remembered().IsRemembered(slot.Addr()) {
		t.Fatal("old-to-young store not remembered")
	}

	f.cycle(t, heap.Young)

	if !f.heap.IsObjectStronglyLive(y) || !f.heap.IsObjectStronglyLive(y2) {
		t.Error("young objects reachable from the remembered set not marked")
	}
	if f.heap.IsObjectLive(dead) {
		t.Error("unreachable young object marked")
	}
	if !f.heap.Remembered().IsRemembered(slot.Addr()) {
		t.Error("slot still referring to a young object was dropped from the remembered set")
	}
	if f.heap.LiveObjects(heap.Old) != 0 {
		t.Error("young marking accounted old live objects")
	}
}

// TestMarker_YoungIgnoresOld verifies the young marker neither marks nor
// follows old objects.
func TestMarker_YoungIgnoresOld(t *testing.T) {
	f := newFixture(t, config.Default())
	old := f.alloc(t, heap.Old, heap.Instance, 1)
	y := f.alloc(t, heap.Young, heap.Instance, 0)
	f.link(old, 0, y)
	f.global(old)

	f.cycle(t, heap.Young)

	r := f.heap.RegionFor(old)
	if r.IsMarked(heap.Young, old) {
		t.Error("old object marked by the young marker")
	}
	if f.heap.IsObjectLive(y) {
		t.Error("young object reachable only through an unremembered old field was marked")
	}
}

// ============================================================================
// Uncolored roots
// ============================================================================

// TestMarker_OldMethodRoots verifies compiled method oops are marked and
// the method is disarmed by the old root scan.
func TestMarker_OldMethodRoots(t *testing.T) {
	f := newFixture(t, config.Default())
	o := f.alloc(t, heap.Old, heap.Instance, 0)
	nm := nmethod.NewMethod("Foo.bar", color.Color(o, 0))
	f.code.Register(nm)

	f.cycle(t, heap.Old)

	if !f.heap.IsObjectStronglyLive(o) {
		t.Error("method oop not marked")
	}
	if f.bs.EntryBarrier().IsArmed(nm) {
		t.Error("method still armed after root scan")
	}
	if nm.Patches() == 0 {
		t.Error("barriers not patched")
	}
}

// TestMarker_YoungMethodStaysArmedForOld verifies the young root scan only
// disarms the young part of a method's barrier.
func TestMarker_YoungMethodStaysArmedForOld(t *testing.T) {
	f := newFixture(t, config.Default())
	y := f.alloc(t, heap.Young, heap.Instance, 0)
	nm := nmethod.NewMethod("Foo.baz", color.Color(y, 0))
	f.code.Register(nm)

	f.cycle(t, heap.Young)

	if !f.heap.IsObjectStronglyLive(y) {
		t.Error("method oop not marked")
	}
	c := f.colors.Current()
	v := color.Ptr(nm.DisarmValue())
	if v&color.MarkedYoungMask != c.MarkedYoung() {
		t.Errorf("disarm value %#x lacks the young mark color", uint32(v))
	}
	if !f.bs.EntryBarrier().IsArmed(nm) {
		t.Error("method fully disarmed although never visited by the old marker")
	}
}

// TestMarker_UnloadingMethodSkipped verifies the young scan leaves
// unloading methods alone.
func TestMarker_UnloadingMethodSkipped(t *testing.T) {
	f := newFixture(t, config.Default())
	y := f.alloc(t, heap.Young, heap.Instance, 0)
	nm := nmethod.NewMethod("Dead.code", color.Color(y, 0))
	nm.SetUnloading()
	f.code.Register(nm)

	f.cycle(t, heap.Young)

	if nm.DisarmValue() != nmethod.ArmedValue {
		t.Errorf("DisarmValue() = %#x, want armed", nm.DisarmValue())
	}
}

// TestMarker_ThreadStackRoots verifies frames and thread-local roots of an
// application thread that never polled are processed by the root scan.
func TestMarker_ThreadStackRoots(t *testing.T) {
	f := newFixture(t, config.Default())
	const depth = 8
	objs := make([]uintptr, depth)
	f.mutator.Enter()
	for i := range objs {
		objs[i] = f.alloc(t, heap.Old, heap.Instance, 0)
		f.mutator.Call(nil, 32, f.colors.Current().Good(objs[i]))
	}
	f.mutator.Exit()
	local := f.alloc(t, heap.Old, heap.Instance, 0)
	f.mutator.AddLocal(f.colors.Current().Good(local))

	f.cycle(t, heap.Old)

	for i, o := range objs {
		if !f.heap.IsObjectStronglyLive(o) {
			t.Errorf("frame %d oop not marked", i)
		}
	}
	if !f.heap.IsObjectStronglyLive(local) {
		t.Error("thread-local root not marked")
	}
}

// ============================================================================
// Termination
// ============================================================================

// TestMarker_TerminateFlushSeesStoreBuffer verifies termination fails while
// an application thread holds a buffered store barrier entry, and succeeds
// once the entry was drained.
func TestMarker_TerminateFlushSeesStoreBuffer(t *testing.T) {
	f := newFixture(t, config.Default())
	holder := f.alloc(t, heap.Old, heap.Instance, 1)
	victim := f.alloc(t, heap.Old, heap.Instance, 0)
	f.link(holder, 0, victim)
	repl := f.alloc(t, heap.Old, heap.Instance, 0)

	f.start(heap.Old)
	if err := f.old.MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}

	f.mutator.Enter()
	f.bs.Store(f.mutator, f.heap.RefSlot(holder, 0), color.Color(repl, 0))
	f.mutator.Exit()
	if f.mutator.StoreBuffer().IsEmpty() {
		t.Fatal("store was not buffered")
	}

	if !f.old.tryTerminateFlush() {
		t.Fatal("tryTerminateFlush() = false with a buffered store pending")
	}
	if err := f.old.MarkFollow(context.Background()); err != nil {
		t.Fatalf("MarkFollow() error: %v", err)
	}
	if f.old.tryTerminateFlush() {
		t.Error("tryTerminateFlush() = true after the buffer was drained")
	}
	f.finish(t, heap.Old)

	if !f.heap.IsObjectStronglyLive(victim) {
		t.Error("overwritten referent not marked")
	}
}

// TestMarker_EndContinuesAfterResurrection verifies End refuses to complete
// after a resurrection and completes once the resurrected object was
// marked.
func TestMarker_EndContinuesAfterResurrection(t *testing.T) {
	f := newFixture(t, config.Default())
	ghost := f.alloc(t, heap.Old, heap.Instance, 1)
	child := f.alloc(t, heap.Old, heap.Instance, 0)
	f.link(ghost, 0, child)

	f.start(heap.Old)
	if err := f.old.MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}
	if err := f.old.MarkFollow(context.Background()); err != nil {
		t.Fatalf("MarkFollow() error: %v", err)
	}

	f.mutator.Enter()
	f.bs.KeepAlive(f.mutator, f.colors.Current().Good(ghost))
	f.mutator.Exit()

	done := true
	f.reg.Safepoint(func() { done = f.old.End() })
	if done {
		t.Fatal("End() = true after a resurrection")
	}
	f.finish(t, heap.Old)

	if got := f.old.Stats().NContinue; got < 1 {
		t.Errorf("NContinue = %d, want >= 1", got)
	}
	if !f.heap.IsObjectStronglyLive(ghost) || !f.heap.IsObjectStronglyLive(child) {
		t.Error("resurrected object or its child not marked")
	}
}

// TestMarker_FreeReleasesStackSpace verifies all mark stack space is
// returned after a cycle.
func TestMarker_FreeReleasesStackSpace(t *testing.T) {
	f := newFixture(t, config.Default())
	arr := f.alloc(t, heap.Old, heap.Array, 2000)
	for i := 0; i < 2000; i++ {
		f.link(arr, i, f.alloc(t, heap.Old, heap.Instance, 0))
	}
	f.global(arr)

	f.cycle(t, heap.Old)

	if got := f.old.alloc.InUse(); got != 0 {
		t.Errorf("InUse() = %d after Free, want 0", got)
	}
	if got := f.old.Stats().StackSpaceUsed; got != 0 {
		t.Errorf("StackSpaceUsed = %d after Free, want 0", got)
	}
}

// ============================================================================
// Work distribution
// ============================================================================

// TestMarker_TryStealGlobal verifies an idle worker takes a segment from
// another stripe.
func TestMarker_TryStealGlobal(t *testing.T) {
	f := newFixture(t, config.Default())
	m := f.old
	m.ResizeWorkers(2)

	stack := m.alloc.Alloc()
	want := markstack.ObjectEntry(1<<heap.RegionShift, true, false, true, false)
	stack.Push(want)
	m.stripes.PublishStack(m.stripes.StripeAt(1), stack, true)

	mc := m.newContext(0, m.workers[0])
	if m.stripes.StripeID(mc.stripe) != 0 {
		t.Fatalf("worker 0 home stripe = %d, want 0", m.stripes.StripeID(mc.stripe))
	}
	if !m.trySteal(mc) {
		t.Fatal("trySteal() = false with work on stripe 1")
	}
	got, ok := mc.stacks.Pop(m.stripes, mc.stripe)
	if !ok || got != want {
		t.Errorf("Pop() = %v, %v; want %v", got, ok, want)
	}
	if m.trySteal(mc) {
		t.Error("trySteal() = true with all stripes empty")
	}
	mc.stacks.Free(m.alloc)
}

// TestMarker_TryStealLocal verifies a worker first drains segments it
// installed for other stripes.
func TestMarker_TryStealLocal(t *testing.T) {
	f := newFixture(t, config.Default())
	m := f.old
	m.ResizeWorkers(4)

	mc := m.newContext(0, m.workers[0])
	other := m.stripes.StripeAt(3)
	e := markstack.ObjectEntry(3<<heap.RegionShift, true, false, true, false)
	if !mc.stacks.Push(m.stripes, other, e, false) {
		t.Fatal("Push() failed")
	}
	if !m.trySteal(mc) {
		t.Fatal("trySteal() = false with a local segment for stripe 3")
	}
	if got, ok := mc.stacks.Pop(m.stripes, mc.stripe); !ok || got != e {
		t.Errorf("Pop() = %v, %v; want %v", got, ok, e)
	}
	mc.stacks.Free(m.alloc)
}

// TestMarker_ResizeMovesStrandedWork verifies shrinking the stripe count
// moves segments off the stripes falling out of use.
func TestMarker_ResizeMovesStrandedWork(t *testing.T) {
	f := newFixture(t, config.Default())
	m := f.old
	m.ResizeWorkers(4)

	stack := m.alloc.Alloc()
	stack.Push(markstack.ObjectEntry(1<<heap.RegionShift, true, false, true, false))
	m.stripes.PublishStack(m.stripes.StripeAt(3), stack, true)

	m.ResizeWorkers(1)

	if m.stripes.NStripes() != 1 {
		t.Fatalf("NStripes() = %d, want 1", m.stripes.NStripes())
	}
	if !m.stripes.StripeAt(3).IsEmpty() {
		t.Error("stripe 3 still holds work")
	}
	if m.stripes.StripeAt(0).IsEmpty() {
		t.Error("work did not move to stripe 0")
	}
	if s := m.stripes.StealStack(m.stripes.StripeAt(0)); s != nil {
		m.alloc.Free(s)
	}
}

// TestMarker_ResizeDuringMark verifies marking completes correctly when the
// worker count changes while a round runs.
func TestMarker_ResizeDuringMark(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 4
	f := newFixture(t, cfg)

	const n = 20000
	arr := f.alloc(t, heap.Old, heap.Array, n)
	for i := 0; i < n; i++ {
		f.link(arr, i, f.alloc(t, heap.Old, heap.Instance, 0))
	}
	f.global(arr)

	f.start(heap.Old)
	if err := f.old.MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}
	go func() {
		time.Sleep(time.Millisecond)
		f.pool.Resize(2)
	}()
	f.finish(t, heap.Old)

	if got := f.heap.LiveObjects(heap.Old); got != n+1 {
		t.Errorf("LiveObjects() = %d, want %d", got, n+1)
	}
}

// TestMarker_MarkFollowCanceled verifies an aborted mark returns the
// context error and leaves the pending work on the stripes.
func TestMarker_MarkFollowCanceled(t *testing.T) {
	f := newFixture(t, config.Default())
	a := f.alloc(t, heap.Old, heap.Instance, 0)
	f.global(a)

	f.start(heap.Old)
	if err := f.old.MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.old.MarkFollow(ctx); err == nil {
		t.Fatal("MarkFollow() = nil with a canceled context")
	}

	f.finish(t, heap.Old)
	if !f.heap.IsObjectStronglyLive(a) {
		t.Error("root not marked after resuming")
	}
}

// ============================================================================
// Concurrent mutation
// ============================================================================

// TestMarker_ConcurrentMutator verifies an object moved between fields by
// an application thread during marking is never lost.
func TestMarker_ConcurrentMutator(t *testing.T) {
	f := newFixture(t, config.Default())

	const n = 64
	holders := make([]uintptr, n)
	for i := range holders {
		holders[i] = f.alloc(t, heap.Old, heap.Instance, 1)
		f.global(holders[i])
	}
	target := f.alloc(t, heap.Old, heap.Instance, 0)
	f.link(holders[0], 0, target)

	f.start(heap.Old)
	if err := f.old.MarkRoots(context.Background()); err != nil {
		t.Fatalf("MarkRoots() error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i < n; i++ {
			f.mutator.Enter()
			from := f.heap.RefSlot(holders[i-1], 0)
			p := f.bs.Load(f.mutator, from)
			f.bs.Store(f.mutator, f.heap.RefSlot(holders[i], 0), p)
			f.bs.Store(f.mutator, from, 0)
			f.mutator.Exit()
		}
	}()
	if err := f.old.MarkFollow(context.Background()); err != nil {
		t.Fatalf("MarkFollow() error: %v", err)
	}
	<-done
	f.finish(t, heap.Old)

	if !f.heap.IsObjectStronglyLive(target) {
		t.Error("object moved during marking was lost")
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

// BenchmarkMarker_Cycle measures a full old mark of a 10000 object graph.
func BenchmarkMarker_Cycle(b *testing.B) {
	f := newFixture(b, config.Default())
	arr := f.alloc(b, heap.Old, heap.Array, 10000)
	for i := 0; i < 10000; i++ {
		f.link(arr, i, f.alloc(b, heap.Old, heap.Instance, 2))
	}
	f.global(arr)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.cycle(b, heap.Old)
	}
}
