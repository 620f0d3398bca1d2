package thread

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/frame"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/watermark"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// EntryGate runs the code entry barrier for a thread entering a method.
type EntryGate interface {
	Enter(t *Thread, m *nmethod.Method) bool
}

// Suspender stops and restarts the GC threads around a safepoint.
type Suspender interface {
	Synchronize()
	Desynchronize()
}

// Registry tracks every attached thread.
//
// Thread Safety: All methods are safe for concurrent use. Safepoints are
// serialized; Attach and Detach wait for a running safepoint to finish.
type Registry struct {
	colors  *color.State
	bufSize int

	// Set once before any thread is attached.
	proc      watermark.Processor[*Thread]
	gate      EntryGate
	suspender Suspender

	// threads maps id to *Thread.
	threads sync.Map

	// freeIDs is a stack of ids released by detached threads.
	idMu    sync.Mutex
	freeIDs []uint64
	nextID  uint64

	safepointMu sync.Mutex
	requested   atomic.Int32
	safepoints  atomic.Uint64

	log *slog.Logger
}

// NewRegistry returns an empty registry. Mutators get store buffers of
// storeBufferEntries entries.
func NewRegistry(colors *color.State, storeBufferEntries int) *Registry {
	return &Registry{
		colors:  colors,
		bufSize: storeBufferEntries,
		nextID:  1,
		log:     zlog.For(zlog.TagWorkers),
	}
}

// Colors returns the color state shared by all threads.
func (r *Registry) Colors() *color.State { return r.colors }

// SetStackProcessor sets the processor of the GC stack watermark of every
// thread attached afterwards.
func (r *Registry) SetStackProcessor(p watermark.Processor[*Thread]) { r.proc = p }

// SetEntryGate sets the code entry barrier used by Thread.Call.
func (r *Registry) SetEntryGate(g EntryGate) { r.gate = g }

// SetSuspender sets the suspendible set synchronized by safepoints.
func (r *Registry) SetSuspender(s Suspender) { r.suspender = s }

func (r *Registry) allocID() uint64 {
	r.idMu.Lock()
	defer r.idMu.Unlock()

	if n := len(r.freeIDs); n > 0 {
		id := r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
		return id
	}
	id := r.nextID
	r.nextID++
	return id
}

func (r *Registry) freeID(id uint64) {
	r.idMu.Lock()
	r.freeIDs = append(r.freeIDs, id)
	r.idMu.Unlock()
}

// Attach registers a new thread of kind.
func (r *Registry) Attach(kind Kind, name string) *Thread {
	// A thread attached during a safepoint would miss the flip.
	r.safepointMu.Lock()
	defer r.safepointMu.Unlock()

	t := &Thread{
		id:     r.allocID(),
		kind:   kind,
		name:   name,
		reg:    r,
		colors: r.colors.Current(),
		frames: frame.NewStack(frame.DefaultBase),
	}
	t.watermarks = watermark.NewSet(t)
	if kind == KindMutator {
		t.storeBuffer = NewStoreBuffer(r.bufSize)
		if r.proc != nil {
			w := watermark.New(watermark.KindGC, r.proc, t.frames, t)
			w.InitEpoch()
			t.watermarks.Add(w)
		}
	}
	r.threads.Store(t.id, t)

	r.log.Debug("Thread attached", "thread", t.String())
	return t
}

// Detach unregisters t. The thread must be outside managed code and its
// buffers must have been flushed.
func (r *Registry) Detach(t *Thread) {
	r.safepointMu.Lock()
	defer r.safepointMu.Unlock()

	r.threads.Delete(t.id)
	r.freeID(t.id)
	r.log.Debug("Thread detached", "thread", t.String())
}

// Threads returns the attached threads ordered by id.
func (r *Registry) Threads() []*Thread {
	var out []*Thread
	r.threads.Range(func(_, v any) bool {
		out = append(out, v.(*Thread))
		return true
	})
	slices.SortFunc(out, func(a, b *Thread) int { return cmp.Compare(a.id, b.id) })
	return out
}

// ThreadsOf returns the attached threads of kind ordered by id.
func (r *Registry) ThreadsOf(kind Kind) []*Thread {
	all := r.Threads()
	out := all[:0]
	for _, t := range all {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of attached threads.
func (r *Registry) Len() int {
	n := 0
	r.threads.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Handshake runs fn for every mutator, one at a time, while that mutator
// is outside managed code. Mutators not being handshaken keep running.
// Handshakes and safepoints never overlap.
func (r *Registry) Handshake(fn func(t *Thread)) {
	r.safepointMu.Lock()
	defer r.safepointMu.Unlock()

	r.requested.Add(1)
	defer r.requested.Add(-1)

	for _, t := range r.ThreadsOf(KindMutator) {
		t.mu.Lock()
		fn(t)
		t.mu.Unlock()
	}
}

// Safepoint stops every thread, runs fn and arms every mutator's poll so
// it refreshes its colors before running managed code again.
func (r *Registry) Safepoint(fn func()) {
	r.safepointMu.Lock()
	defer r.safepointMu.Unlock()

	r.requested.Add(1)
	defer r.requested.Add(-1)

	if r.suspender != nil {
		r.suspender.Synchronize()
		defer r.suspender.Desynchronize()
	}

	mutators := r.ThreadsOf(KindMutator)
	for _, t := range mutators {
		t.mu.Lock()
	}

	fn()

	for _, t := range mutators {
		t.pollArmed.Store(true)
		t.mu.Unlock()
	}

	n := r.safepoints.Add(1)
	r.log.Debug("Safepoint", "n", n, "threads", len(mutators), "epoch", r.colors.Epoch())
}

// Safepoints returns the number of completed safepoints.
func (r *Registry) Safepoints() uint64 { return r.safepoints.Load() }
