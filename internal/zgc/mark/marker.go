// Package mark implements the concurrent marker of one generation.
//
// Marking runs in phases driven by the collector:
//
//  1. Start, inside the mark start safepoint, sizes the stripes for the
//     active workers and turns marking on.
//  2. MarkRoots visits the remembered set (young only), the colored roots
//     and the uncolored roots: thread stacks and compiled methods.
//  3. MarkFollow drains the stripes in parallel until every worker is idle
//     and a flush of all threads finds no more work.
//  4. End, inside the mark end safepoint, confirms the fixed point. If a
//     resurrection happened or a thread still held work, marking continues
//     with another MarkFollow.
//
// Objects reachable from the roots are marked exactly once per cycle and
// their sizes are accounted to their region's live counters.
package mark

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/barrier"
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/markstack"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/terminate"
	"github.com/kolkov/zmark/internal/zgc/thread"
	"github.com/kolkov/zmark/internal/zgc/workers"
	"github.com/kolkov/zmark/internal/zgc/zdebug"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// ErrMarkStackOverflow is returned by MarkFollow when mark stack space ran
// out and the fatal handler returned.
var ErrMarkStackOverflow = errors.New("mark: mark stack space exhausted")

// Env is the runtime the marker works against.
type Env struct {
	Heap     *heap.Heap
	Colors   *color.State
	Barriers *barrier.Set
	Threads  *thread.Registry
	Code     *nmethod.Table
	Pool     *workers.Pool
	STS      *workers.SuspendibleSet
	// Driver is the thread running the collector phases.
	Driver *thread.Thread
}

// Stats describes the last mark cycle.
type Stats struct {
	NStripes        int
	NProactiveFlush uint64
	NTerminateFlush uint64
	NTryComplete    uint64
	NContinue       uint64
	StackSpaceUsed  int64
}

// Marker is the concurrent marker of one generation.
//
// Thread Safety: MarkObject and IsMarking are safe for concurrent use by
// any thread. The phase methods are called by the driver, one at a time.
type Marker struct {
	gen    heap.Generation
	cfg    config.Config
	heap   *heap.Heap
	colors *color.State
	bs     *barrier.Set
	reg    *thread.Registry
	code   *nmethod.Table
	pool   *workers.Pool
	sts    *workers.SuspendibleSet
	driver *thread.Thread

	workers   []*thread.Thread
	alloc     *markstack.Allocator
	stripes   *markstack.StripeSet
	terminate *terminate.Terminate

	marking  atomic.Bool
	overflow atomic.Bool
	nworkers int

	nproactiveflush atomic.Uint64
	nterminateflush atomic.Uint64
	ntrycomplete    atomic.Uint64
	ncontinue       atomic.Uint64

	log *slog.Logger
}

// New returns the marker of gen. It attaches one GC worker thread per pool
// worker to env.Threads.
func New(gen heap.Generation, env Env, cfg config.Config) *Marker {
	cfg = cfg.Normalize()
	m := &Marker{
		gen:       gen,
		cfg:       cfg,
		heap:      env.Heap,
		colors:    env.Colors,
		bs:        env.Barriers,
		reg:       env.Threads,
		code:      env.Code,
		pool:      env.Pool,
		sts:       env.STS,
		driver:    env.Driver,
		terminate: terminate.New(),
		log:       zlog.For(zlog.TagMarking).With(slog.String("generation", gen.String())),
	}
	m.alloc = markstack.NewAllocator(env.Heap, cfg.MarkStackSpaceLimit)
	m.stripes = markstack.NewStripeSet(m.alloc, m.terminate)

	m.workers = make([]*thread.Thread, env.Pool.Max())
	for i := range m.workers {
		m.workers[i] = env.Threads.Attach(thread.KindWorker, fmt.Sprintf("%s-mark-%d", gen, i))
	}
	return m
}

// Generation returns the generation the marker traces.
func (m *Marker) Generation() heap.Generation { return m.gen }

// IsMarking reports whether a mark cycle is in progress.
func (m *Marker) IsMarking() bool { return m.marking.Load() }

// Stripes returns the marker's stripe set.
func (m *Marker) Stripes() *markstack.StripeSet { return m.stripes }

// Workers returns the marker's GC worker threads.
func (m *Marker) Workers() []*thread.Thread { return m.workers }

// Start begins a mark cycle. It runs inside the mark start safepoint,
// after the colors were flipped and the heap's live maps were reset.
func (m *Marker) Start() {
	if m.cfg.Verify {
		m.verifyAllStacksEmpty()
	}

	m.nproactiveflush.Store(0)
	m.nterminateflush.Store(0)
	m.ntrycomplete.Store(0)
	m.ncontinue.Store(0)
	m.overflow.Store(false)

	m.ResizeWorkers(m.pool.Active())
	m.marking.Store(true)

	m.log.Debug("Mark Start", "workers", m.nworkers, "stripes", m.stripes.NStripes())
	for id := 0; id < m.nworkers; id++ {
		s := m.stripes.StripeForWorker(m.nworkers, id)
		m.log.Debug("Mark Worker/Stripe Distribution", "worker", id, "stripe", m.stripes.StripeID(s))
	}
}

// ResizeWorkers prepares the stripes and the termination protocol for n
// workers. It runs while no worker is marking. Segments left on stripes
// that fall out of use are moved to the stripes still in use.
func (m *Marker) ResizeWorkers(n int) {
	m.nworkers = n
	prev := m.stripes.NStripes()
	nstripes := markstack.CalculateNStripes(n, m.cfg.MaxStripes)
	m.stripes.SetNStripes(nstripes)
	m.terminate.Reset(n)

	for i := nstripes; i < prev; i++ {
		from := m.stripes.StripeAt(i)
		to := m.stripes.StripeAt(i & (nstripes - 1))
		for stack := m.stripes.StealStack(from); stack != nil; stack = m.stripes.StealStack(from) {
			m.stripes.PublishStack(to, stack, true)
		}
	}
	if prev != nstripes {
		m.log.Debug("Mark stripes resized", "workers", n, "stripes", nstripes, "previous", prev)
	}
}

// MarkObject marks the object at addr and queues it for following.
//
// GC threads set the mark bit before pushing so an already marked object
// is never pushed twice. Application threads only check the bit and leave
// the marking to the worker that pops the entry, keeping their barriers
// short.
func (m *Marker) MarkObject(t *thread.Thread, addr uintptr, opts barrier.MarkOptions) {
	r := m.heap.RegionFor(addr)
	if r == nil {
		zdebug.Assert(false, "mark", "object", "address 0x%x outside heap", addr)
		return
	}
	if m.gen == heap.Young && r.Generation() != heap.Young {
		return
	}
	if r.IsAllocating(m.gen) {
		// Allocated after marking started: implicitly live.
		return
	}

	incLive := false
	if opts.GCThread {
		marked, inc := r.MarkObject(m.gen, addr, opts.Finalizable)
		if !marked {
			return
		}
		incLive = inc
		if !opts.Follow {
			if incLive {
				r.IncLive(m.gen, 1, uint64(m.heap.ObjectSize(addr)))
			}
			return
		}
	} else if m.isMarked(r, addr, opts.Finalizable) {
		return
	}

	e := markstack.ObjectEntry(addr, !opts.GCThread, incLive, opts.Follow, opts.Finalizable)
	if !t.MarkStacks(m.gen).Push(m.stripes, m.stripes.StripeForAddr(addr), e, !opts.GCThread) {
		m.overflow.Store(true)
		return
	}

	if opts.Resurrect {
		m.terminate.SetResurrected(true)
	}
}

func (m *Marker) isMarked(r *heap.Region, addr uintptr, finalizable bool) bool {
	if finalizable {
		return r.IsMarked(m.gen, addr)
	}
	return r.IsStronglyMarked(m.gen, addr)
}

// End tries to complete the mark cycle. It runs inside the mark end
// safepoint and returns false when marking must continue.
func (m *Marker) End() bool {
	m.ntrycomplete.Add(1)

	if m.terminate.Resurrected() {
		// An object was resurrected after concurrent termination.
		m.ncontinue.Add(1)
		m.log.Debug("Mark End: continuing after resurrection")
		return false
	}

	if m.flush(m.driver, true) {
		// More work was available.
		m.ncontinue.Add(1)
		m.log.Debug("Mark End: continuing with flushed work")
		return false
	}

	if m.cfg.Verify {
		m.verifyAllStacksEmpty()
	}
	m.marking.Store(false)

	st := m.Stats()
	m.log.Info("Mark End",
		"live_bytes", m.heap.LiveBytes(m.gen),
		"live_objects", m.heap.LiveObjects(m.gen),
		"proactive_flush", st.NProactiveFlush,
		"terminate_flush", st.NTerminateFlush,
		"try_complete", st.NTryComplete,
		"continue", st.NContinue,
		"stack_space", st.StackSpaceUsed)
	return true
}

// Free returns the mark stack space to the heap once a cycle has ended.
func (m *Marker) Free() {
	if !m.alloc.Release() {
		m.log.Warn("Mark stack space still in use, not released", "in_use", m.alloc.InUse())
	}
}

// Stats returns the counters of the current or last cycle.
func (m *Marker) Stats() Stats {
	return Stats{
		NStripes:        m.stripes.NStripes(),
		NProactiveFlush: m.nproactiveflush.Load(),
		NTerminateFlush: m.nterminateflush.Load(),
		NTryComplete:    m.ntrycomplete.Load(),
		NContinue:       m.ncontinue.Load(),
		StackSpaceUsed:  m.alloc.SpaceUsed(),
	}
}

func (m *Marker) verifyAllStacksEmpty() {
	for _, t := range m.reg.Threads() {
		zdebug.Guarantee(t.MarkStacks(m.gen).IsEmpty(), "mark", "verify",
			"%s has pending %s mark work", t, m.gen)
	}
	zdebug.Guarantee(m.stripes.IsEmpty(), "mark", "verify", "%s stripes not empty", m.gen)
}

func (m *Marker) verifyWorkerStacksEmpty() {
	for _, t := range m.workers {
		zdebug.Guarantee(t.MarkStacks(m.gen).IsEmpty(), "mark", "verify",
			"%s has pending %s mark work", t, m.gen)
	}
}
