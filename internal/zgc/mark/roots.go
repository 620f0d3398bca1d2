package mark

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/thread"
	"github.com/kolkov/zmark/internal/zgc/watermark"
)

// globalsChunk is the number of global roots a worker claims at a time.
const globalsChunk = 64

// rootKind names a category of roots.
type rootKind int

const (
	rootGlobals rootKind = iota
	rootLoaders
	rootThreads
	rootCode
	numRootKinds
)

func (k rootKind) String() string {
	switch k {
	case rootGlobals:
		return "globals"
	case rootLoaders:
		return "loaders"
	case rootThreads:
		return "threads"
	case rootCode:
		return "code"
	default:
		return "unknown"
	}
}

// colored reports whether roots of kind carry colored pointers in their
// slots. Uncolored roots (thread stacks and compiled code) track their
// color elsewhere.
func (k rootKind) colored() bool {
	return k == rootGlobals || k == rootLoaders
}

// rootVisitor visits the claimed share of one root kind on worker t.
type rootVisitor func(rs *rootScan, t *thread.Thread)

// rootVisitors maps every root kind, per generation, to its visitor.
var rootVisitors = [heap.NumGenerations][numRootKinds]rootVisitor{
	heap.Young: {
		rootGlobals: (*rootScan).visitGlobals,
		rootLoaders: (*rootScan).visitLoaders,
		rootThreads: (*rootScan).visitThreads,
		rootCode:    (*rootScan).visitYoungCode,
	},
	heap.Old: {
		rootGlobals: (*rootScan).visitGlobals,
		rootLoaders: (*rootScan).visitLoaders,
		rootThreads: (*rootScan).visitThreads,
		rootCode:    (*rootScan).visitOldCode,
	},
}

// rootScan is the shared state of one root marking task. Workers claim
// roots through the cursors, so every root is visited exactly once.
type rootScan struct {
	m     *Marker
	token uint32

	globals       []*heap.Slot
	globalsCursor atomic.Int64

	loaders []*heap.Loader

	threads       []*thread.Thread
	threadsCursor atomic.Int64

	methods      []*nmethod.Method
	methodCursor atomic.Int64

	visited [numRootKinds]atomic.Int64
}

func (rs *rootScan) Name() string { return fmt.Sprintf("%s Mark Roots", rs.m.gen) }

func (rs *rootScan) Work(ctx context.Context, id int) error {
	t := rs.m.workers[id]
	for k := rootKind(0); k < numRootKinds; k++ {
		if err := ctx.Err(); err != nil {
			t.MarkStacks(rs.m.gen).Flush(rs.m.stripes, false)
			return err
		}
		rootVisitors[rs.m.gen][k](rs, t)
	}
	// The set of workers marking roots may differ from the set draining
	// the stripes, so the roots task hands its work over.
	t.MarkStacks(rs.m.gen).Flush(rs.m.stripes, true)
	return nil
}

// MarkRoots marks the objects directly reachable from the roots. The young
// marker first scans the old-to-young slots remembered since the previous
// young cycle.
func (m *Marker) MarkRoots(ctx context.Context) error {
	if m.gen == heap.Young {
		m.scanRemembered()
	}

	roots := m.heap.Roots()
	rs := &rootScan{
		m:       m,
		token:   m.heap.MarkSeq(m.gen)<<1 | uint32(m.gen),
		globals: roots.Globals(),
		loaders: roots.Loaders(),
		threads: m.reg.ThreadsOf(thread.KindMutator),
		methods: m.code.Snapshot(),
	}
	if err := m.pool.Run(ctx, rs); err != nil {
		return err
	}

	m.log.Debug("Mark Roots",
		"globals", rs.visited[rootGlobals].Load(),
		"loaders", rs.visited[rootLoaders].Load(),
		"threads", rs.visited[rootThreads].Load(),
		"nmethods", rs.visited[rootCode].Load())
	return nil
}

// scanRemembered applies the young field barrier to every remembered slot
// of the previous period. Slots still referring to young objects stay
// remembered for the next young cycle.
func (m *Marker) scanRemembered() {
	rem := m.heap.Remembered()
	t := m.driver
	n := 0
	rem.ScanPrevious(func(addr uintptr) {
		slot := m.heap.Slot(addr)
		m.bs.MarkBarrierOnYoungField(t, slot)
		if p := slot.Load(); !p.IsNull() && m.heap.IsYoung(m.heap.Forwarding().Remap(p.Offset())) {
			rem.Remember(addr)
		}
		n++
	})
	t.MarkStacks(m.gen).Flush(m.stripes, true)
	m.log.Debug("Remembered set scanned", "slots", n, "remembered", rem.Len())
}

func (rs *rootScan) visitGlobals(t *thread.Thread) {
	for {
		start := int(rs.globalsCursor.Add(globalsChunk)) - globalsChunk
		if start >= len(rs.globals) {
			return
		}
		end := min(start+globalsChunk, len(rs.globals))
		for _, slot := range rs.globals[start:end] {
			rs.m.barrierOnField(t, slot, false)
		}
		rs.visited[rootGlobals].Add(int64(end - start))
	}
}

func (rs *rootScan) visitLoaders(t *thread.Thread) {
	for _, l := range rs.loaders {
		if !l.TryClaim(rs.token) {
			continue
		}
		for _, slot := range l.Slots() {
			rs.m.barrierOnField(t, slot, false)
		}
		rs.visited[rootLoaders].Add(1)
	}
}

// visitThreads finishes stack processing of every application thread on
// behalf of t. Threads that already processed their stacks themselves are
// skipped by the watermark.
func (rs *rootScan) visitThreads(t *thread.Thread) {
	for {
		i := int(rs.threadsCursor.Add(1)) - 1
		if i >= len(rs.threads) {
			return
		}
		rs.threads[i].Watermarks().FinishIteration(watermark.KindGC, t)
		rs.visited[rootThreads].Add(1)
	}
}

func (rs *rootScan) nextMethod() *nmethod.Method {
	i := int(rs.methodCursor.Add(1)) - 1
	if i >= len(rs.methods) {
		return nil
	}
	return rs.methods[i]
}

func (rs *rootScan) visitOldCode(t *thread.Thread) {
	entry := rs.m.bs.EntryBarrier()
	for nm := rs.nextMethod(); nm != nil; nm = rs.nextMethod() {
		rs.markOldMethod(t, entry, nm)
	}
}

func (rs *rootScan) markOldMethod(t *thread.Thread, entry *nmethod.EntryBarrier[*thread.Thread], nm *nmethod.Method) {
	nm.Lock(t.ID())
	defer nm.Unlock(t.ID())

	if !entry.IsArmed(nm) {
		return
	}
	nm.PatchBarriers()
	for _, slot := range nm.Oops() {
		rs.m.bs.MarkRoot(t, slot)
	}
	entry.Disarm(nm)
	rs.visited[rootCode].Add(1)
	rs.m.log.Debug("nmethod visited by old", "nmethod", nm.String())
}

func (rs *rootScan) visitYoungCode(t *thread.Thread) {
	entry := rs.m.bs.EntryBarrier()
	for nm := rs.nextMethod(); nm != nil; nm = rs.nextMethod() {
		rs.markYoungMethod(t, entry, nm)
	}
}

// markYoungMethod heals the young mark state of nm's oops. Only the young
// part of the code barrier is disarmed; an old mark in progress keeps the
// method armed for the old marker.
func (rs *rootScan) markYoungMethod(t *thread.Thread, entry *nmethod.EntryBarrier[*thread.Thread], nm *nmethod.Method) {
	nm.Lock(t.ID())
	defer nm.Unlock(t.ID())

	if nm.IsUnloading() || !entry.IsArmed(nm) {
		return
	}

	c := t.Colors()
	prev := color.Ptr(nm.DisarmValue())
	for _, slot := range nm.Oops() {
		rs.m.bs.MarkYoungRoot(t, slot)
	}

	oldMarked := prev & (color.FinalizableMask | color.MarkedOldMask)
	next := c.LoadGood | c.MarkedYoung() | oldMarked | c.Remembered()
	if c.IsStoreGood(next) {
		// Disarming for the young mark disarms the method completely, so
		// the barriers must be patched first.
		nm.PatchBarriers()
	}
	entry.DisarmWithValue(nm, uint32(next))
	rs.visited[rootCode].Add(1)
	rs.m.log.Debug("nmethod visited by young", "nmethod", nm.String(),
		"prev", uint32(prev), "new", uint32(next))
}
