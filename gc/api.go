package gc

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kolkov/zmark/internal/zgc/collector"
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/config"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// Ref is a colored reference to a heap object. The zero Ref is null.
type Ref = color.Ptr

// Generation selects the young or the old generation.
type Generation = heap.Generation

// Generations.
const (
	Young = heap.Young
	Old   = heap.Old
)

// CycleStats summarizes one mark cycle.
type CycleStats = collector.CycleStats

// ErrUnmarked is reported by Verify for a reachable object that was not
// marked.
var ErrUnmarked = collector.ErrUnmarked

// Runtime is one managed heap with its collector.
//
// Thread Safety: All methods are safe for concurrent use.
type Runtime struct {
	c *collector.Collector
}

// New returns a runtime configured by options, a space separated list of
// key=value pairs. See the package documentation for the keys.
func New(options string) (*Runtime, error) {
	cfg, err := config.Parse(options)
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg), nil
}

// NewWithCapacity is New with an explicit heap size in bytes.
func NewWithCapacity(options string, capacity int64) (*Runtime, error) {
	cfg, err := config.Parse(options)
	if err != nil {
		return nil, err
	}
	return &Runtime{c: collector.New(cfg, capacity)}, nil
}

func newRuntime(cfg config.Config) *Runtime {
	return &Runtime{c: collector.New(cfg, 0)}
}

// Attach registers a new application thread named name.
func (rt *Runtime) Attach(name string) *Thread {
	return &Thread{rt: rt, t: rt.c.AttachMutator(name)}
}

// AddGlobal registers a strong global root holding r.
func (rt *Runtime) AddGlobal(r Ref) *Root {
	return &Root{slot: rt.c.AddGlobal(r)}
}

// AddWeak registers a weak global root holding r. The root is cleared
// once a mark cycle finds its referent unreachable.
func (rt *Runtime) AddWeak(r Ref) *Root {
	return &Root{slot: rt.c.AddWeak(r)}
}

// Collect runs a complete mark cycle of gen. A canceled ctx stops
// concurrent marking early; the cycle is still finished before Collect
// returns the context's error.
func (rt *Runtime) Collect(ctx context.Context, gen Generation) (CycleStats, error) {
	return rt.c.Collect(ctx, gen)
}

// Verify checks that every object of gen reachable from the strong roots
// was marked by the last cycle of gen. It waits for a running cycle and
// stops application threads while it traces.
func (rt *Runtime) Verify(gen Generation) error {
	return rt.c.Verify(gen)
}

// IsLive reports whether the last cycle of r's generation found r live.
func (rt *Runtime) IsLive(r Ref) bool {
	if r.IsNull() {
		return false
	}
	return rt.c.Heap().IsObjectLive(rt.c.Heap().Forwarding().Remap(r.Offset()))
}

// ResizeWorkers changes the number of GC workers, up to the configured
// maximum. A cycle in progress continues with the new count.
func (rt *Runtime) ResizeWorkers(n int) {
	rt.c.ResizeWorkers(n)
}

// History returns the statistics of every completed cycle.
func (rt *Runtime) History() []CycleStats {
	return rt.c.History()
}

// Report writes a summary of the completed cycles to w.
func (rt *Runtime) Report(w io.Writer) {
	rt.c.Report(w)
}

// Root is a global root slot.
type Root struct {
	slot *heap.Slot
}

// Raw returns the root's reference without applying any barrier.
func (r *Root) Raw() Ref {
	return r.slot.Load()
}

var (
	defaultMu      sync.Mutex
	defaultRuntime *Runtime
)

// Init creates the default runtime from the ZMARK_OPTIONS environment
// variable. Invalid options are reported and replaced by the defaults.
//
// Init is safe to call multiple times (subsequent calls are no-ops).
func Init() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRuntime != nil {
		return
	}
	cfg, err := config.FromEnv()
	if err != nil {
		zlog.For(zlog.TagHeap).Warn("Ignoring invalid options", "env", config.EnvVar, "error", err)
		cfg = config.Default()
	}
	defaultRuntime = newRuntime(cfg)
}

// Default returns the default runtime, creating it if needed.
func Default() *Runtime {
	Init()
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRuntime
}

// Fini prints the report of the default runtime to stderr and drops it.
// A later Init starts a fresh runtime.
//
// For manual use:
//
//	func main() {
//		gc.Init()
//		defer gc.Fini()
//		// ... rest of program
//	}
func Fini() {
	defaultMu.Lock()
	rt := defaultRuntime
	defaultRuntime = nil
	defaultMu.Unlock()

	if rt == nil {
		return
	}
	rt.Report(os.Stderr)
}

// String describes the runtime's configuration.
func (rt *Runtime) String() string {
	cfg := rt.c.Config()
	return fmt.Sprintf("zmark %s (workers=%d stripes=%d weak=%s)",
		Version, cfg.Workers, cfg.MaxStripes, cfg.WeakPolicy)
}
