// Package thread models the threads that run against the collector:
// application (mutator) threads, GC worker threads and other runtime
// threads.
//
// Each Thread carries the per-thread collector state: cached colors, mark
// stacks for both markers, the store barrier buffer, its call stack and the
// stack watermarks guarding it.
package thread

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/frame"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/markstack"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/watermark"
)

// Kind classifies a thread.
type Kind uint8

const (
	// KindMutator is an application thread. It runs barriers, owns a call
	// stack and takes part in handshakes and safepoints.
	KindMutator Kind = iota
	// KindWorker is a GC worker thread. It joins the suspendible set.
	KindWorker
	// KindOther is any other runtime thread, such as the GC driver.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMutator:
		return "mutator"
	case KindWorker:
		return "worker"
	default:
		return "other"
	}
}

// Thread is the collector state of one thread.
//
// Mutators hold their handshake lock between Enter and Exit. While a
// thread is outside, a handshake or safepoint may operate on its state.
type Thread struct {
	id   uint64
	kind Kind
	name string
	reg  *Registry

	mu      sync.Mutex
	entered bool

	// colors is the snapshot cached at the last poll. Only mutators cache;
	// other threads always see the current colors.
	colors    *color.Colors
	pollArmed atomic.Bool

	stacks      [heap.NumGenerations]markstack.ThreadLocalStacks
	storeBuffer *StoreBuffer
	frames      *frame.Stack
	watermarks  *watermark.Set[*Thread]

	localsMu sync.Mutex
	locals   []*heap.Slot
}

// ID returns the thread id. Ids are never zero.
func (t *Thread) ID() uint64 { return t.id }

// Kind returns the thread kind.
func (t *Thread) Kind() Kind { return t.kind }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// IsMutator reports whether t is an application thread.
func (t *Thread) IsMutator() bool { return t.kind == KindMutator }

// IsWorker reports whether t is a GC worker.
func (t *Thread) IsWorker() bool { return t.kind == KindWorker }

func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d(%s)", t.kind, t.id, t.name)
}

// Colors returns the colors the thread's barriers test against.
func (t *Thread) Colors() *color.Colors {
	if t.kind == KindMutator {
		return t.colors
	}
	return t.reg.colors.Current()
}

// DisarmedValue returns the code barrier value the thread expects from a
// healed compiled method.
func (t *Thread) DisarmedValue() uint32 {
	return t.Colors().DisarmedValue()
}

// MarkStacks returns the thread's mark stacks for the marker of gen.
func (t *Thread) MarkStacks(gen heap.Generation) *markstack.ThreadLocalStacks {
	return &t.stacks[gen]
}

// StoreBuffer returns the thread's store barrier buffer.
func (t *Thread) StoreBuffer() *StoreBuffer { return t.storeBuffer }

// Frames returns the thread's call stack.
func (t *Thread) Frames() *frame.Stack { return t.frames }

// Watermarks returns the thread's stack watermarks.
func (t *Thread) Watermarks() *watermark.Set[*Thread] { return t.watermarks }

// AddLocal adds a thread-local root holding p, such as a handle or a
// pending exception.
func (t *Thread) AddLocal(p color.Ptr) *heap.Slot {
	s := heap.NewRootSlot(p)
	t.localsMu.Lock()
	t.locals = append(t.locals, s)
	t.localsMu.Unlock()
	return s
}

// Locals returns a snapshot of the thread-local roots.
func (t *Thread) Locals() []*heap.Slot {
	t.localsMu.Lock()
	defer t.localsMu.Unlock()
	return append([]*heap.Slot(nil), t.locals...)
}

// Enter starts running managed code. It blocks while a safepoint or a
// handshake operates on the thread and handles a pending poll.
func (t *Thread) Enter() {
	t.mu.Lock()
	t.entered = true
	if t.pollArmed.Load() {
		t.poll()
	}
}

// Exit stops running managed code, letting handshakes and safepoints
// proceed.
func (t *Thread) Exit() {
	t.entered = false
	t.mu.Unlock()
}

// IsEntered reports whether the thread is running managed code. Only the
// owner may call it.
func (t *Thread) IsEntered() bool { return t.entered }

// SafepointPoll lets a pending safepoint or handshake run. Long running
// managed code calls it periodically.
func (t *Thread) SafepointPoll() {
	if t.reg.requested.Load() > 0 {
		t.Exit()
		runtime.Gosched()
		t.Enter()
	} else if t.pollArmed.Load() {
		t.poll()
	}
}

// poll refreshes the cached colors after a safepoint and starts stack
// processing for the new epoch.
func (t *Thread) poll() {
	t.pollArmed.Store(false)
	t.colors = t.reg.colors.Current()
	t.watermarks.OnSafepoint()
}

// Call enters compiled method m and pushes its frame. It returns false,
// without pushing, when the entry barrier refuses entry because m is
// unloading.
func (t *Thread) Call(m *nmethod.Method, size uintptr, oops ...color.Ptr) (*frame.Frame, bool) {
	if m != nil && t.reg.gate != nil && !t.reg.gate.Enter(t, m) {
		return nil, false
	}
	return t.frames.Push(m, size, true, oops...), true
}

// CallStub pushes a frame without a return barrier.
func (t *Thread) CallStub(size uintptr, oops ...color.Ptr) *frame.Frame {
	return t.frames.Push(nil, size, false, oops...)
}

// Return pops the youngest frame. The caller's frame is processed first if
// it lies above the stack watermark.
func (t *Thread) Return() *frame.Frame {
	if caller := t.frames.Caller(); caller != nil {
		t.watermarks.OnUnwind(caller.SP)
	}
	return t.frames.Pop()
}

// WalkFrames visits target's frames youngest first on behalf of t, the
// walking thread. Every frame is processed before fn sees it. Walking
// stops when fn returns false.
func (t *Thread) WalkFrames(target *Thread, fn func(*frame.Frame) bool) {
	for _, f := range target.frames.Snapshot() {
		target.watermarks.OnIteration(f.SP+f.Size, t)
		if !fn(f) {
			return
		}
	}
}
