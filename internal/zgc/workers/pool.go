// Package workers runs parallel GC tasks and coordinates GC threads with
// safepoints.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// Task is a unit of parallel GC work. Work runs once per active worker.
type Task interface {
	Name() string
	Work(ctx context.Context, id int) error
}

// RestartableTask is a task that can be stopped and rerun with a different
// number of workers. ResizeWorkers runs between the two runs, while no
// worker is active.
type RestartableTask interface {
	Task
	ResizeWorkers(n int)
}

// errResize is the cancellation cause of a run interrupted by Resize.
var errResize = errors.New("workers: resized")

// Pool runs tasks on up to Max workers.
//
// Thread Safety: Run calls are expected to be serialized by the GC driver.
// Active and Resize are safe for concurrent use.
type Pool struct {
	max    int
	active atomic.Int32

	mu      sync.Mutex
	running RestartableTask
	cancel  context.CancelCauseFunc

	log *slog.Logger
}

// NewPool returns a pool of max workers, all active.
func NewPool(max int) *Pool {
	if max < 1 {
		max = 1
	}
	p := &Pool{max: max, log: zlog.For(zlog.TagWorkers)}
	p.active.Store(int32(max))
	return p
}

// Max returns the maximum number of workers.
func (p *Pool) Max() int { return p.max }

// Active returns the number of workers the next run starts.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Resize changes the number of active workers to n, clamped to [1, Max].
// A restartable task in progress is stopped and rerun with n workers.
func (p *Pool) Resize(n int) {
	n = max(1, min(n, p.max))
	if int(p.active.Swap(int32(n))) == n {
		return
	}
	p.log.Info("Resizing workers", "active", n)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running != nil && p.cancel != nil {
		p.cancel(errResize)
	}
}

// Run runs task on the active workers and waits for all of them. It
// returns the first error a worker returned.
func (p *Pool) Run(ctx context.Context, task Task) error {
	rt, restartable := task.(RestartableTask)
	for {
		n := p.Active()
		runCtx, cancel := context.WithCancelCause(ctx)

		p.mu.Lock()
		p.cancel = cancel
		if restartable {
			p.running = rt
		}
		p.mu.Unlock()

		start := time.Now()
		g, gctx := errgroup.WithContext(runCtx)
		for id := 0; id < n; id++ {
			id := id
			g.Go(func() error {
				return task.Work(gctx, id)
			})
		}
		err := g.Wait()
		cause := context.Cause(runCtx)

		p.mu.Lock()
		p.cancel = nil
		p.running = nil
		p.mu.Unlock()
		cancel(nil)

		if restartable && errors.Is(cause, errResize) && ctx.Err() == nil {
			next := p.Active()
			p.log.Debug("Restarting task", "task", task.Name(), "workers", next)
			rt.ResizeWorkers(next)
			continue
		}

		p.log.Debug("Task done", "task", task.Name(), "workers", n, "elapsed", time.Since(start))
		return err
	}
}
