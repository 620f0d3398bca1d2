package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/kolkov/zmark/internal/zgc/barrier"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/mark"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// CycleStats summarizes one mark cycle.
type CycleStats struct {
	Generation   heap.Generation
	Seq          uint64
	LiveBytes    uint64
	LiveObjects  uint64
	WeakCleared  int
	Deduplicated int
	EndAttempts  int
	Duration     time.Duration
	Mark         mark.Stats
	Barriers     barrier.Stats
}

func (s CycleStats) String() string {
	return fmt.Sprintf("GC(%d) %s Mark: live %d objects / %d bytes, %d weak cleared, %d end attempts, %v",
		s.Seq, s.Generation, s.LiveObjects, s.LiveBytes, s.WeakCleared, s.EndAttempts, s.Duration)
}

// StartMark runs the mark start safepoint of gen: pending store barriers
// are applied under the old colors, the colors flip, the live maps reset
// and the marker starts.
func (c *Collector) StartMark(gen heap.Generation) {
	m := c.markers[gen]
	c.reg.Safepoint(func() {
		for _, t := range c.reg.ThreadsOf(thread.KindMutator) {
			c.bs.FlushStoreBuffer(t, t)
		}
		c.colors.FlipMarkStart(gen == heap.Young)
		c.heap.StartMark(gen)
		if gen == heap.Young {
			c.heap.Remembered().Flip()
		}
		m.Start()
	})
}

// MarkRoots marks the roots of gen concurrently with application threads.
func (c *Collector) MarkRoots(ctx context.Context, gen heap.Generation) error {
	return c.markers[gen].MarkRoots(ctx)
}

// MarkFollow drains the mark work of gen.
func (c *Collector) MarkFollow(ctx context.Context, gen heap.Generation) error {
	return c.markers[gen].MarkFollow(ctx)
}

// EndMark runs the mark end safepoint of gen. It reports whether marking
// completed; otherwise MarkFollow must run again. On completion weak
// loads stop reviving unmarked referents until the weak roots were
// processed.
func (c *Collector) EndMark(gen heap.Generation) (bool, error) {
	m := c.markers[gen]
	done := false
	var verr error
	c.reg.Safepoint(func() {
		done = m.End()
		if !done {
			return
		}
		c.bs.BlockResurrection(gen)
		if c.cfg.Verify {
			verr = c.VerifyMarked(gen)
		}
	})
	return done, verr
}

// ProcessWeakRoots clears weak roots whose referents gen found dead and
// lets weak loads revive referents again. Referents owned by the other
// generation are left for its own cycle.
func (c *Collector) ProcessWeakRoots(gen heap.Generation) int {
	defer c.bs.UnblockResurrection()

	cur := c.colors.Current()
	cleared := 0
	for _, slot := range c.heap.Roots().Weak() {
		p := slot.Load()
		if p.IsNull() {
			continue
		}
		addr := c.heap.Forwarding().Remap(p.Offset())
		if r := c.heap.RegionFor(addr); r == nil || r.Generation() != gen {
			continue
		}
		if c.heap.IsObjectStronglyLive(addr) {
			slot.CompareAndSwap(p, cur.Good(addr))
			continue
		}
		if slot.CompareAndSwap(p, 0) {
			cleared++
		}
	}
	return cleared
}

// Collect runs a complete mark cycle of gen: start, roots, concurrent
// marking until End succeeds, weak root processing and mark stack release.
func (c *Collector) Collect(ctx context.Context, gen heap.Generation) (CycleStats, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	m := c.markers[gen]
	seq := c.cycles[gen].Add(1)
	c.log.Info("Mark Start", "gc", seq, "generation", gen.String())

	c.StartMark(gen)
	if err := c.MarkRoots(ctx, gen); err != nil {
		return CycleStats{}, c.abort(gen, false, fmt.Errorf("%s mark roots: %w", gen, err))
	}

	attempts := 0
	for {
		if err := c.MarkFollow(ctx, gen); err != nil {
			return CycleStats{}, c.abort(gen, true, fmt.Errorf("%s mark follow: %w", gen, err))
		}
		attempts++
		done, err := c.EndMark(gen)
		if err != nil {
			c.bs.UnblockResurrection()
			m.Free()
			return CycleStats{}, fmt.Errorf("%s mark verification: %w", gen, err)
		}
		if done {
			break
		}
	}

	st := CycleStats{
		Generation:  gen,
		Seq:         seq,
		EndAttempts: attempts,
	}
	st.WeakCleared = c.ProcessWeakRoots(gen)
	st.Deduplicated = c.deduplicate()
	m.Free()

	st.LiveBytes = c.heap.LiveBytes(gen)
	st.LiveObjects = c.heap.LiveObjects(gen)
	st.Mark = m.Stats()
	st.Barriers = c.bs.Stats()
	st.Duration = time.Since(start)

	c.histMu.Lock()
	c.history = append(c.history, st)
	c.histMu.Unlock()

	c.log.Info("Mark End", "gc", seq, "generation", gen.String(),
		"live_objects", st.LiveObjects, "live_bytes", st.LiveBytes,
		"weak_cleared", st.WeakCleared, "attempts", attempts, "elapsed", st.Duration)
	return st, nil
}

// abort finishes an interrupted cycle: the remaining work is drained
// without cancellation so the heap is left consistently marked. Root
// marking is repeated unless it completed; visiting a root twice is
// harmless.
func (c *Collector) abort(gen heap.Generation, rootsDone bool, cause error) error {
	c.log.Warn("Mark aborted, completing marking", "generation", gen.String(), "cause", cause)
	m := c.markers[gen]
	if !rootsDone {
		if err := m.MarkRoots(context.Background()); err != nil {
			return fmt.Errorf("%w (completion failed: %v)", cause, err)
		}
	}
	for {
		if err := m.MarkFollow(context.Background()); err != nil {
			return fmt.Errorf("%w (completion failed: %v)", cause, err)
		}
		if done, _ := c.EndMark(gen); done {
			break
		}
	}
	c.ProcessWeakRoots(gen)
	m.Free()
	return cause
}

// deduplicate drains the string deduplication queue. Strings whose
// payload matches an earlier string are counted as duplicates.
func (c *Collector) deduplicate() int {
	batch := c.heap.Dedup().Drain()
	if len(batch) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(batch))
	dups := 0
	for _, addr := range batch {
		key := c.stringKey(addr)
		if _, ok := seen[key]; ok {
			dups++
			continue
		}
		seen[key] = struct{}{}
	}
	return dups
}

func (c *Collector) stringKey(addr uintptr) string {
	hdr := c.heap.Header(addr)
	n := hdr.PayloadWords()
	buf := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		v := c.heap.Payload(addr, i)
		for b := 0; b < 8; b++ {
			buf = append(buf, byte(v>>(8*b)))
		}
	}
	return string(buf)
}

// Cycles returns the number of completed or running cycles of gen.
func (c *Collector) Cycles(gen heap.Generation) uint64 {
	return c.cycles[gen].Load()
}

// History returns the statistics of every completed cycle.
func (c *Collector) History() []CycleStats {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return append([]CycleStats(nil), c.history...)
}
