package mark

import (
	"context"
	"fmt"

	"github.com/kolkov/zmark/internal/zgc/thread"
)

// yieldInterval is the number of entries a worker processes between
// checks for a pending safepoint or abort.
const yieldInterval = 32

// markTask drains the stripes on every active worker.
type markTask struct {
	m *Marker
}

func (t *markTask) Name() string { return fmt.Sprintf("%s Mark", t.m.gen) }

func (t *markTask) Work(ctx context.Context, id int) error {
	return t.m.work(ctx, id)
}

func (t *markTask) ResizeWorkers(n int) {
	t.m.ResizeWorkers(n)
}

// MarkFollow marks everything reachable from the queued work. It runs
// rounds of parallel marking until a termination flush finds no more
// work. It returns ctx's error if marking was aborted.
func (m *Marker) MarkFollow(ctx context.Context) error {
	for {
		m.prepareWork()
		if err := m.pool.Run(ctx, &markTask{m: m}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if m.overflow.Load() {
			return ErrMarkStackOverflow
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.tryTerminateFlush() {
			return nil
		}
	}
}

func (m *Marker) prepareWork() {
	if n := m.pool.Active(); n != m.nworkers {
		m.ResizeWorkers(n)
	} else {
		m.terminate.Reset(n)
	}
	m.nproactiveflush.Store(0)
}

func (m *Marker) work(ctx context.Context, id int) error {
	t := m.workers[id]
	mc := m.newContext(id, t)

	m.sts.Join()
	aborted := false
	for {
		if !m.drain(ctx, mc) {
			aborted = true
			break
		}
		if m.trySteal(mc) {
			continue
		}
		if m.tryProactiveFlush(mc) {
			continue
		}
		if m.tryTerminate() {
			break
		}
	}
	m.sts.Leave()

	if aborted {
		// Hand the remaining work back to the stripes for the next run.
		m.terminate.Leave()
		mc.stacks.Flush(m.stripes, false)
	}
	mc.stacks.Free(m.alloc)
	mc.cache.flush()
	m.flushDedup(mc)

	if aborted {
		return ctx.Err()
	}
	return nil
}

// drain processes entries until the worker's stripe runs dry. It returns
// false if marking was aborted.
func (m *Marker) drain(ctx context.Context, mc *workContext) bool {
	n := 0
	for {
		e, ok := mc.stacks.Pop(m.stripes, mc.stripe)
		if !ok {
			return true
		}
		m.markAndFollow(mc, e)

		if n++; n%yieldInterval == 0 {
			m.sts.Yield()
			if ctx.Err() != nil {
				return false
			}
		}
	}
}

// trySteal looks for work on the other stripes: first in the worker's own
// segments installed for them, then on the stripes themselves.
func (m *Marker) trySteal(mc *workContext) bool {
	home := mc.stripe
	for s := m.stripes.StripeNext(home); s != home; s = m.stripes.StripeNext(s) {
		if stack := mc.stacks.Steal(m.stripes, s); stack != nil {
			if stack.IsEmpty() {
				m.alloc.Free(stack)
				continue
			}
			mc.stacks.Install(m.stripes, home, stack)
			return true
		}
	}
	for s := m.stripes.StripeNext(home); s != home; s = m.stripes.StripeNext(s) {
		if stack := m.stripes.StealStack(s); stack != nil {
			mc.stacks.Install(m.stripes, home, stack)
			return true
		}
	}
	return false
}

// tryProactiveFlush lets worker 0 pull work out of application threads
// before the other workers go idle.
func (m *Marker) tryProactiveFlush(mc *workContext) bool {
	if mc.id != 0 {
		return false
	}
	if m.nproactiveflush.Load() >= m.cfg.ProactiveFlushMax {
		return false
	}
	m.nproactiveflush.Add(1)

	// A handshake waits for application threads, which may be waiting
	// for a safepoint that waits for this worker.
	m.sts.Leave()
	defer m.sts.Join()
	return m.flush(mc.t, false)
}

func (m *Marker) tryTerminate() bool {
	m.sts.Leave()
	defer m.sts.Join()
	return m.terminate.TryTerminate()
}

// tryTerminateFlush runs after all workers terminated. It reports whether
// a flush of every thread or a resurrection produced more work.
func (m *Marker) tryTerminateFlush() bool {
	m.nterminateflush.Add(1)
	m.terminate.SetResurrected(false)
	if m.cfg.Verify {
		m.verifyWorkerStacksEmpty()
	}
	return m.flush(m.driver, false) || m.terminate.Resurrected()
}

// flush applies every thread's buffered store barriers and hands its mark
// stacks to the stripes. Outside a safepoint application threads are
// visited by handshake; at a safepoint every thread is visited directly.
// ctx is the calling thread; its own stacks are flushed unless it is a
// worker. flush reports whether more work is available.
func (m *Marker) flush(ctx *thread.Thread, atSafepoint bool) bool {
	flushed := false
	flushThread := func(t *thread.Thread) {
		m.bs.FlushStoreBuffer(t, t)
		if t.MarkStacks(m.gen).Flush(m.stripes, true) {
			flushed = true
		}
	}

	if atSafepoint {
		for _, t := range m.reg.Threads() {
			if t != ctx {
				flushThread(t)
			}
		}
	} else {
		m.reg.Handshake(flushThread)
	}
	if ctx != nil && !ctx.IsWorker() && ctx.MarkStacks(m.gen).Flush(m.stripes, true) {
		flushed = true
	}
	return flushed || !m.stripes.IsEmpty()
}
