package mark

import (
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/markstack"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

const (
	cacheSize      = 1024
	dedupBatchSize = 64
)

type cacheEntry struct {
	region  *heap.Region
	objects uint64
	bytes   uint64
}

// liveCache accumulates live accounting per region so that workers do not
// hit the shared region counters for every object. It is direct mapped by
// region index.
type liveCache struct {
	gen     heap.Generation
	entries [cacheSize]cacheEntry
}

func (c *liveCache) incLive(r *heap.Region, bytes uintptr) {
	e := &c.entries[r.Index()&(cacheSize-1)]
	if e.region != r {
		c.evict(e)
		e.region = r
	}
	e.objects++
	e.bytes += uint64(bytes)
}

func (c *liveCache) evict(e *cacheEntry) {
	if e.region != nil && e.objects > 0 {
		e.region.IncLive(c.gen, e.objects, e.bytes)
	}
	*e = cacheEntry{}
}

func (c *liveCache) flush() {
	for i := range c.entries {
		c.evict(&c.entries[i])
	}
}

// workContext is the state of one marking worker for one task run.
type workContext struct {
	id     int
	t      *thread.Thread
	stripe *markstack.Stripe
	stacks *markstack.ThreadLocalStacks
	cache  liveCache
	dedup  []uintptr
}

func (m *Marker) newContext(id int, t *thread.Thread) *workContext {
	return &workContext{
		id:     id,
		t:      t,
		stripe: m.stripes.StripeForWorker(m.nworkers, id),
		stacks: t.MarkStacks(m.gen),
		cache:  liveCache{gen: m.gen},
	}
}

func (m *Marker) tryDeduplicate(mc *workContext, addr uintptr) {
	if !m.cfg.StringDedup || !m.heap.TrySetDedupRequested(addr) {
		return
	}
	mc.dedup = append(mc.dedup, addr)
	if len(mc.dedup) >= dedupBatchSize {
		m.flushDedup(mc)
	}
}

func (m *Marker) flushDedup(mc *workContext) {
	if len(mc.dedup) == 0 {
		return
	}
	m.heap.Dedup().Add(mc.dedup)
	mc.dedup = nil
}
