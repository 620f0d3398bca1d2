// Package collector wires the mark engine into a runnable collector.
//
// A Collector owns the simulated heap, the color state, the thread
// registry, the barrier set, the code cache, the worker pool and one
// marker per generation. Application threads attach to it and access the
// heap through its barriers; the driver runs mark cycles with Collect.
//
// Young and old mark cycles are serialized by the collector: a young cycle
// never runs while an old cycle is marking.
package collector

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/barrier"
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/mark"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/thread"
	"github.com/kolkov/zmark/internal/zgc/workers"
	"github.com/kolkov/zmark/internal/zgc/zdebug"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// DefaultHeapCapacity is the heap size used when none is given.
const DefaultHeapCapacity = 1 << 30

// Collector is a generational concurrent mark engine.
//
// Thread Safety: Barrier entry points are safe for concurrent use by
// attached threads. Collect serializes cycles internally.
type Collector struct {
	cfg config.Config

	heap   *heap.Heap
	colors *color.State
	reg    *thread.Registry
	bs     *barrier.Set
	code   *nmethod.Table
	pool   *workers.Pool
	sts    *workers.SuspendibleSet
	driver *thread.Thread

	markers [heap.NumGenerations]*mark.Marker

	cycleMu sync.Mutex
	cycles  [heap.NumGenerations]atomic.Uint64
	history []CycleStats
	histMu  sync.Mutex

	log *slog.Logger
}

// New returns a collector over a heap of capacity bytes. A capacity of
// zero selects DefaultHeapCapacity.
func New(cfg config.Config, capacity int64) *Collector {
	cfg = cfg.Normalize()
	if capacity <= 0 {
		capacity = DefaultHeapCapacity
	}
	zlog.SetLevel(cfg.LogLevel)
	zdebug.SetVerify(cfg.Verify)

	c := &Collector{
		cfg:    cfg,
		heap:   heap.New(capacity),
		colors: color.NewState(),
		code:   nmethod.NewTable(),
		pool:   workers.NewPool(cfg.Workers),
		sts:    workers.NewSuspendibleSet(),
		log:    zlog.For(zlog.TagMarking),
	}
	c.bs = barrier.New(c.heap, c.colors, cfg)
	c.reg = thread.NewRegistry(c.colors, cfg.StoreBufferEntries)
	c.reg.SetEntryGate(c.bs)
	c.reg.SetStackProcessor(c.bs.StackProcessor())
	c.reg.SetSuspender(c.sts)
	c.driver = c.reg.Attach(thread.KindOther, "gc-driver")

	env := mark.Env{
		Heap:     c.heap,
		Colors:   c.colors,
		Barriers: c.bs,
		Threads:  c.reg,
		Code:     c.code,
		Pool:     c.pool,
		STS:      c.sts,
		Driver:   c.driver,
	}
	for gen := 0; gen < heap.NumGenerations; gen++ {
		c.markers[gen] = mark.New(heap.Generation(gen), env, cfg)
	}
	c.bs.SetMarkers(c.markers[heap.Young], c.markers[heap.Old])

	c.log.Info("Collector initialized",
		"capacity", capacity,
		"workers", cfg.Workers,
		"max_stripes", cfg.MaxStripes,
		"weak_policy", cfg.WeakPolicy.String())
	return c
}

// Config returns the normalized configuration.
func (c *Collector) Config() config.Config { return c.cfg }

// Heap returns the managed heap.
func (c *Collector) Heap() *heap.Heap { return c.heap }

// Colors returns the color state.
func (c *Collector) Colors() *color.State { return c.colors }

// Threads returns the thread registry.
func (c *Collector) Threads() *thread.Registry { return c.reg }

// Barriers returns the barrier set.
func (c *Collector) Barriers() *barrier.Set { return c.bs }

// Code returns the compiled code table.
func (c *Collector) Code() *nmethod.Table { return c.code }

// Marker returns the marker of gen.
func (c *Collector) Marker(gen heap.Generation) *mark.Marker { return c.markers[gen] }

// ResizeWorkers changes the number of active GC workers. A mark in
// progress continues with the new count.
func (c *Collector) ResizeWorkers(n int) {
	c.pool.Resize(n)
}

// AttachMutator registers a new application thread.
func (c *Collector) AttachMutator(name string) *thread.Thread {
	return c.reg.Attach(thread.KindMutator, name)
}

// DetachMutator applies t's pending barriers and unregisters it. t must
// be outside managed code.
func (c *Collector) DetachMutator(t *thread.Thread) {
	// Entering keeps handshakes away while the buffers are emptied.
	t.Enter()
	c.bs.FlushStoreBuffer(t, t)
	for gen := 0; gen < heap.NumGenerations; gen++ {
		t.MarkStacks(heap.Generation(gen)).Flush(c.markers[gen].Stripes(), true)
	}
	t.Exit()
	c.reg.Detach(t)
}

// Allocate allocates an object in gen and returns a good pointer to it.
// Objects allocated while a generation is marking are implicitly live for
// that cycle.
func (c *Collector) Allocate(gen heap.Generation, kind heap.Kind, nrefs, npayload int) (color.Ptr, error) {
	addr, err := c.heap.Allocate(gen, kind, nrefs, npayload)
	if err != nil {
		return 0, err
	}
	return c.colors.Current().Good(addr), nil
}

// Load loads field i of the object p refers to through the load barrier.
func (c *Collector) Load(t *thread.Thread, p color.Ptr, i int) color.Ptr {
	return c.bs.Load(t, c.heap.RefSlot(p.Offset(), i))
}

// Store stores v into field i of the object p refers to through the store
// barrier.
func (c *Collector) Store(t *thread.Thread, p color.Ptr, i int, v color.Ptr) {
	c.bs.Store(t, c.heap.RefSlot(p.Offset(), i), v)
}

// AddGlobal registers a global root holding p.
func (c *Collector) AddGlobal(p color.Ptr) *heap.Slot {
	return c.heap.Roots().AddGlobal(p)
}

// AddWeak registers a weak global root holding p. It is cleared when its
// referent dies.
func (c *Collector) AddWeak(p color.Ptr) *heap.Slot {
	return c.heap.Roots().AddWeak(p)
}

// RegisterMethod installs a compiled method embedding oops.
func (c *Collector) RegisterMethod(name string, oops ...color.Ptr) *nmethod.Method {
	m := nmethod.NewMethod(name, oops...)
	c.code.Register(m)
	return m
}

// UnloadMethod marks m unloading and removes it from the code table.
// Threads entering it afterwards are refused.
func (c *Collector) UnloadMethod(m *nmethod.Method) {
	m.SetUnloading()
	c.code.Unregister(m)
}
