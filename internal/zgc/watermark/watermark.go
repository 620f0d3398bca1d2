// Package watermark implements stack watermarks: per-thread barriers that
// let a thread's stack be processed lazily, a few frames at a time, after
// the collector moves to a new epoch.
//
// Frames younger than the watermark (lower stack pointers) are processed for
// the current epoch; older frames are not. A thread returning into an
// unprocessed frame processes it first. A collector thread can finish the
// remaining frames concurrently; both sides serialize on the watermark's
// spin lock, which never waits for a safepoint.
package watermark

import (
	"log/slog"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/frame"
	"github.com/kolkov/zmark/internal/zgc/lock"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// FramesPerYield is the number of barrier frames a full-stack scan
// processes before releasing the lock for the owning thread.
const FramesPerYield = 5

// Processor supplies the collector-specific parts of stack processing.
type Processor[C any] interface {
	// EpochID returns the current global epoch.
	EpochID() uint32
	// StartIteration processes owner's roots outside of frames.
	StartIteration(owner, ctx C)
	// Process heals one frame's references.
	Process(f *frame.Frame, ctx C)
}

// Watermark is one stack watermark of a thread.
//
// Thread Safety: State and Watermark are lock-free; everything else takes
// the watermark lock.
type Watermark[C any] struct {
	kind      Kind
	proc      Processor[C]
	stack     *frame.Stack
	state     atomic.Uint32
	watermark atomic.Uintptr
	lock      lock.SpinLock
	iterator  *iterator[C]
	owner     C

	log *slog.Logger
}

// New returns a watermark of kind for owner's stack.
func New[C any](kind Kind, proc Processor[C], stack *frame.Stack, owner C) *Watermark[C] {
	return &Watermark[C]{
		kind:  kind,
		proc:  proc,
		stack: stack,
		owner: owner,
		log:   zlog.For(zlog.TagStackBarrier),
	}
}

// Kind returns the watermark kind.
func (w *Watermark[C]) Kind() Kind { return w.kind }

// State returns the published state.
func (w *Watermark[C]) State() State { return State(w.state.Load()) }

// Watermark returns the current watermark, or 0 when no frame needs
// processing.
func (w *Watermark[C]) Watermark() uintptr { return w.watermark.Load() }

// InitEpoch marks a new thread's stack as processed for the current epoch:
// it has no frames that predate it.
func (w *Watermark[C]) InitEpoch() {
	w.state.Store(uint32(MakeState(w.proc.EpochID(), true)))
}

func (w *Watermark[C]) shouldStartIteration() bool {
	return w.State().Epoch() != w.proc.EpochID()
}

// startIteration begins processing for the current epoch. Callers hold the
// lock.
func (w *Watermark[C]) startIteration(ctx C) {
	if old := w.iterator; old != nil && old.hasNext() {
		// The epoch moved on before the previous iteration finished. Its
		// frames still hold references colored for that epoch; finish them
		// against the epoch they belong to.
		w.log.Debug("finishing stale stack iteration", "thread", w.owner,
			"epoch", w.State().Epoch(), "frames", old.remaining())
		w.processAll(old, old.ctx, false)
	}

	w.log.Debug("starting stack iteration", "thread", w.owner, "epoch", w.proc.EpochID())
	w.proc.StartIteration(w.owner, ctx)

	w.iterator = nil
	if frames := w.stack.Snapshot(); len(frames) > 0 {
		it := newIterator(frames, ctx)
		it.processOne(w.proc, ctx) // callee
		it.processOne(w.proc, ctx) // caller
		w.iterator = it
	}
	if w.iterator == nil || !w.iterator.hasNext() {
		w.updateWatermark()
		return
	}
	w.watermark.Store(w.iterator.callee)
	w.state.Store(uint32(MakeState(w.proc.EpochID(), false)))
}

// updateWatermark publishes the iterator position. Callers hold the lock.
func (w *Watermark[C]) updateWatermark() {
	if w.iterator != nil && w.iterator.hasNext() {
		w.watermark.Store(w.iterator.callee)
		return
	}
	w.watermark.Store(0)
	w.state.Store(uint32(MakeState(w.proc.EpochID(), true)))
	w.log.Debug("finished stack iteration", "thread", w.owner, "epoch", w.proc.EpochID())
}

// processAll processes every remaining frame of it. Callers hold the lock.
// With yield set the lock is released every FramesPerYield barrier frames.
func (w *Watermark[C]) processAll(it *iterator[C], ctx C, yield bool) {
	it.ctx = ctx
	n := 0
	for it.hasNext() {
		f := it.current()
		w.proc.Process(f, ctx)
		it.next()
		if !f.Barrier {
			continue
		}
		it.setWatermark(f.SP)
		if n++; yield && n == FramesPerYield {
			n = 0
			w.updateWatermark()
			w.lock.Yield()
		}
	}
}

// ProcessOne processes the next batch of frames on behalf of the owning
// thread, starting a new iteration if the epoch changed.
func (w *Watermark[C]) ProcessOne(ctx C) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.shouldStartIteration() {
		// Starting processes the callee and caller frames.
		w.startIteration(ctx)
		return
	}
	if w.iterator == nil {
		return
	}
	w.iterator.processOne(w.proc, ctx)
	w.updateWatermark()
}

// FinishProcessing processes every remaining frame with ctx.
func (w *Watermark[C]) FinishProcessing(ctx C) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.shouldStartIteration() {
		w.startIteration(ctx)
	}
	if w.iterator != nil {
		w.processAll(w.iterator, ctx, true)
	}
	w.updateWatermark()
}

// LastProcessed returns the stack pointer of the oldest processed barrier
// frame, or 0 if processing has not started or is complete.
func (w *Watermark[C]) LastProcessed() uintptr {
	if w.Watermark() == 0 {
		return 0
	}
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.shouldStartIteration() || w.iterator == nil {
		return 0
	}
	return w.iterator.caller
}

// isAbove reports whether a frame at sp is unprocessed for wm.
func isAbove(sp, wm uintptr) bool {
	return wm != 0 && sp > wm
}
