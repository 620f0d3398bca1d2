package watermark

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kolkov/zmark/internal/zgc/frame"
)

// testProcessor records the context each frame was processed with.
type testProcessor struct {
	epoch atomic.Uint32

	mu        sync.Mutex
	processed map[*frame.Frame]string // frame -> context it was last processed with
	ctxs      []string
	starts    int
}

func newTestProcessor() *testProcessor {
	p := &testProcessor{processed: make(map[*frame.Frame]string)}
	p.epoch.Store(1)
	return p
}

func (p *testProcessor) EpochID() uint32 { return p.epoch.Load() }

func (p *testProcessor) StartIteration(owner, _ string) {
	if owner != "t1" {
		panic("unexpected owner " + owner)
	}
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
}

func (p *testProcessor) Process(f *frame.Frame, ctx string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[f] = ctx
	p.ctxs = append(p.ctxs, ctx)
}

func (p *testProcessor) isProcessed(f *frame.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[f]
	return ok
}

func (p *testProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func (p *testProcessor) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = make(map[*frame.Frame]string)
	p.ctxs = nil
}

// newTestWatermark builds a stack of n barrier frames, oldest first.
func newTestWatermark(n int) (*Set[string], *Watermark[string], *testProcessor, *frame.Stack, []*frame.Frame) {
	proc := newTestProcessor()
	stack := frame.NewStack(frame.DefaultBase)
	frames := make([]*frame.Frame, n)
	for i := range frames {
		frames[i] = stack.Push(nil, 64, true)
	}
	w := New[string](KindGC, proc, stack, "t1")
	w.InitEpoch()
	set := NewSet("self")
	set.Add(w)
	return set, w, proc, stack, frames
}

// ============================================================================
// State
// ============================================================================

func TestState_Pack(t *testing.T) {
	tests := []struct {
		epoch uint32
		done  bool
	}{
		{0, false},
		{1, true},
		{42, false},
		{1<<31 - 1, true},
	}
	for _, tt := range tests {
		s := MakeState(tt.epoch, tt.done)
		if s.Epoch() != tt.epoch || s.IsDone() != tt.done {
			t.Errorf("MakeState(%d, %v) decodes to (%d, %v)", tt.epoch, tt.done, s.Epoch(), s.IsDone())
		}
	}
	if got := MakeState(7, true).String(); got != "7/done" {
		t.Errorf("String() = %q, want 7/done", got)
	}
}

// ============================================================================
// Iteration
// ============================================================================

// TestWatermark_InitEpoch verifies a new thread starts done.
func TestWatermark_InitEpoch(t *testing.T) {
	set, w, proc, _, _ := newTestWatermark(4)
	if !w.State().IsDone() || w.State().Epoch() != 1 {
		t.Errorf("State = %v, want 1/done", w.State())
	}
	set.OnUnwind(frame.DefaultBase)
	if proc.count() != 0 {
		t.Error("done watermark processed frames on unwind")
	}
}

// TestWatermark_StartProcessesTwoFrames verifies starting an iteration
// processes the two youngest frames and arms the watermark at the callee.
func TestWatermark_StartProcessesTwoFrames(t *testing.T) {
	set, w, proc, _, frames := newTestWatermark(6)
	proc.epoch.Store(2)

	set.OnSafepoint()

	youngest, caller := frames[5], frames[4]
	if !proc.isProcessed(youngest) || !proc.isProcessed(caller) {
		t.Fatal("two youngest frames not processed")
	}
	if proc.count() != 2 {
		t.Errorf("processed %d frames, want 2", proc.count())
	}
	if w.State() != MakeState(2, false) {
		t.Errorf("State = %v, want 2", w.State())
	}
	if w.Watermark() != youngest.SP {
		t.Errorf("Watermark = 0x%x, want callee 0x%x", w.Watermark(), youngest.SP)
	}
	if w.LastProcessed() != caller.SP {
		t.Errorf("LastProcessed = 0x%x, want 0x%x", w.LastProcessed(), caller.SP)
	}
	if proc.starts != 1 {
		t.Errorf("StartIteration ran %d times, want 1", proc.starts)
	}
}

// TestWatermark_EmptyStack verifies a thread without frames finishes
// immediately.
func TestWatermark_EmptyStack(t *testing.T) {
	set, w, proc, _, _ := newTestWatermark(0)
	proc.epoch.Store(2)

	set.OnSafepoint()
	if w.State() != MakeState(2, true) || w.Watermark() != 0 {
		t.Errorf("State = %v watermark = 0x%x, want 2/done and 0", w.State(), w.Watermark())
	}
	if !set.IsDone() {
		t.Error("IsDone() = false")
	}
}

// TestWatermark_StartFinishesShortStack verifies a stack no deeper than
// the two frames processed on start is done once the iteration starts.
func TestWatermark_StartFinishesShortStack(t *testing.T) {
	set, w, proc, _, _ := newTestWatermark(2)
	proc.epoch.Store(2)

	set.OnSafepoint()
	if proc.count() != 2 {
		t.Errorf("processed %d frames, want 2", proc.count())
	}
	if w.State() != MakeState(2, true) || w.Watermark() != 0 {
		t.Errorf("State = %v watermark = 0x%x, want 2/done and 0", w.State(), w.Watermark())
	}
}

// TestWatermark_UnwindProcesses verifies every frame the thread returns
// into was processed beforehand and the watermark only moves toward the
// stack base.
func TestWatermark_UnwindProcesses(t *testing.T) {
	set, w, proc, stack, _ := newTestWatermark(12)
	proc.epoch.Store(2)
	set.OnSafepoint()

	last := w.Watermark()
	for stack.Depth() > 1 {
		caller := stack.Caller()
		set.OnUnwind(caller.SP)
		if !proc.isProcessed(caller) {
			t.Fatalf("returned into unprocessed frame %v", caller)
		}
		if wm := w.Watermark(); wm != 0 && wm < last {
			t.Fatalf("watermark regressed from 0x%x to 0x%x", last, wm)
		} else if wm != 0 {
			last = wm
		}
		stack.Pop()
	}
	if !w.State().IsDone() {
		t.Errorf("State = %v after unwinding every frame, want done", w.State())
	}
}

// TestWatermark_StubFrames verifies frames without a return barrier are
// processed together with the next barrier frame.
func TestWatermark_StubFrames(t *testing.T) {
	proc := newTestProcessor()
	stack := frame.NewStack(frame.DefaultBase)
	old := stack.Push(nil, 64, true)
	stack.Push(nil, 64, true)
	stub := stack.Push(nil, 16, false)
	stack.Push(nil, 64, true)

	w := New[string](KindGC, proc, stack, "t1")
	w.InitEpoch()
	proc.epoch.Store(2)
	w.ProcessOne("self")

	// callee pass: young; caller pass: stub plus its barrier caller.
	if !proc.isProcessed(stub) {
		t.Error("stub frame not processed with its caller")
	}
	if proc.isProcessed(old) {
		t.Error("oldest frame processed too early")
	}
	if proc.count() != 3 {
		t.Errorf("processed %d frames, want 3", proc.count())
	}
}

// TestWatermark_FinishIteration verifies a GC thread processes the whole
// stack with its own context.
func TestWatermark_FinishIteration(t *testing.T) {
	set, w, proc, _, frames := newTestWatermark(3 * FramesPerYield)
	proc.epoch.Store(2)
	set.OnSafepoint()
	proc.reset()

	set.FinishIteration(KindGC, "gc")

	for i, f := range frames[:len(frames)-2] {
		if !proc.isProcessed(f) {
			t.Errorf("frame %d not processed", i)
		}
	}
	for _, ctx := range proc.ctxs {
		if ctx != "gc" {
			t.Fatalf("frame processed with context %q, want gc", ctx)
		}
	}
	if w.State() != MakeState(2, true) || w.Watermark() != 0 || set.LowestWatermark() != 0 {
		t.Errorf("State = %v watermark = 0x%x after finish", w.State(), w.Watermark())
	}
}

// TestWatermark_FinishStartsIteration verifies FinishIteration on a stale
// watermark starts the iteration itself.
func TestWatermark_FinishStartsIteration(t *testing.T) {
	set, w, proc, _, frames := newTestWatermark(4)
	proc.epoch.Store(2)

	set.FinishIteration(KindGC, "gc")

	if proc.count() != len(frames) {
		t.Errorf("processed %d frames, want %d", proc.count(), len(frames))
	}
	if !w.State().IsDone() {
		t.Error("not done")
	}
}

// TestWatermark_EpochAdvanceMidUnwind verifies frames left unprocessed for
// an epoch are processed, with the context their iteration started with,
// before an iteration for the next epoch starts.
func TestWatermark_EpochAdvanceMidUnwind(t *testing.T) {
	set, w, proc, stack, frames := newTestWatermark(10)

	// A GC thread starts epoch 2 but does not finish it.
	proc.epoch.Store(2)
	w.ProcessOne("gc")

	// The owner unwinds a little in epoch 2.
	set.OnUnwind(stack.Caller().SP)
	stack.Pop()
	depth := stack.Depth()
	proc.reset()

	// Epoch 3 arrives while epoch-2 frames remain unprocessed.
	proc.epoch.Store(3)
	set.OnSafepoint()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	// frames[9] was popped; 8 and 7 were processed in epoch 2 and are the
	// first two frames of the epoch-3 iteration.
	for i := 0; i < depth-2; i++ {
		if got := proc.processed[frames[i]]; got != "gc" {
			t.Errorf("stale frame %d processed with %q, want gc", i, got)
		}
	}
	for i := depth - 2; i < depth; i++ {
		if got := proc.processed[frames[i]]; got != "self" {
			t.Errorf("frame %d processed with %q in the new iteration, want self", i, got)
		}
	}
	if w.State() != MakeState(3, false) {
		t.Errorf("State = %v, want 3", w.State())
	}
}

// TestWatermark_OnIteration verifies a stack walker forces processing of
// frames above the watermark.
func TestWatermark_OnIteration(t *testing.T) {
	set, w, proc, _, frames := newTestWatermark(8)
	proc.epoch.Store(2)
	set.OnSafepoint()

	// Walk youngest first, as a profiler would.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		set.OnIteration(f.SP+f.Size, "walker")
		if !proc.isProcessed(f) {
			t.Fatalf("walker saw unprocessed frame %d", i)
		}
	}
	t.Logf("state after walk: %v watermark 0x%x", w.State(), w.Watermark())
}

// TestWatermark_ConcurrentFinishAndUnwind races a GC thread finishing the
// stack with the owner unwinding it.
func TestWatermark_ConcurrentFinishAndUnwind(t *testing.T) {
	set, w, proc, stack, _ := newTestWatermark(200)
	proc.epoch.Store(2)
	set.OnSafepoint()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		set.FinishIteration(KindGC, "gc")
	}()

	for stack.Depth() > 1 {
		caller := stack.Caller()
		set.OnUnwind(caller.SP)
		if !proc.isProcessed(caller) {
			t.Errorf("returned into unprocessed frame %v", caller)
			break
		}
		stack.Pop()
	}
	wg.Wait()

	if !w.State().IsDone() {
		t.Errorf("State = %v, want done", w.State())
	}
}

// TestSet_Get verifies lookup by kind.
func TestSet_Get(t *testing.T) {
	set, w, _, _, _ := newTestWatermark(1)
	if set.Get(KindGC) != w {
		t.Error("Get(KindGC) did not return the registered watermark")
	}
	if set.Get(Kind(7)) != nil {
		t.Error("Get() of an unknown kind returned a watermark")
	}
	if KindGC.String() != "gc" {
		t.Errorf("KindGC.String() = %q", KindGC.String())
	}
}

func BenchmarkSet_OnUnwindDone(b *testing.B) {
	set, _, _, _, _ := newTestWatermark(16)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		set.OnUnwind(frame.DefaultBase)
	}
}
