// Package terminate implements mark termination detection.
//
// Every marking worker starts out working. A worker that runs out of work
// calls TryTerminate and sleeps until either more work is published
// (WakeUp) or every worker is idle, at which point all of them agree that
// the stripes are drained. The marker then confirms the fixed point by
// flushing every thread and checking the resurrection flag.
package terminate

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kolkov/zmark/internal/zgc/lock"
)

// Terminate tracks working and awakening workers.
//
// Thread Safety: All methods are safe for concurrent use. Counter updates
// happen under the condition lock; WakeUp reads them without it first to
// keep the common publish path cheap.
type Terminate struct {
	nworkers   atomic.Int32
	_          cpu.CacheLinePad
	nworking   atomic.Int32
	nawakening atomic.Int32
	_          cpu.CacheLinePad

	resurrected atomic.Bool
	lock        lock.ConditionLock
}

// New returns a Terminate with no workers.
func New() *Terminate {
	return &Terminate{}
}

// Reset prepares for a round with nworkers workers, all working.
func (t *Terminate) Reset(nworkers int) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.nworkers.Store(int32(nworkers))
	t.nworking.Store(int32(nworkers))
	t.nawakening.Store(0)
	t.resurrected.Store(false)
}

// Leave removes a worker that stops marking without terminating, for
// example because the round was aborted.
func (t *Terminate) Leave() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.nworking.Add(-1) == 0 {
		t.lock.NotifyAll()
	}
}

// TryTerminate marks the calling worker idle and waits. It returns true
// when every worker is idle and false when the caller was woken up to
// look for more work, in which case it counts as working again.
func (t *Terminate) TryTerminate() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.nworking.Add(-1) == 0 {
		// Last one out
		t.lock.NotifyAll()
		return true
	}

	t.lock.Wait()

	if t.nawakening.Load() > 0 {
		t.nawakening.Add(-1)
	}
	if t.nworking.Load() == 0 {
		return true
	}

	t.nworking.Add(1)
	return false
}

// WakeUp wakes one idle worker after work was published.
func (t *Terminate) WakeUp() {
	nworking := t.nworking.Load()
	nawakening := t.nawakening.Load()
	if nworking+nawakening == t.nworkers.Load() {
		// Everyone is working or about to
		return
	}
	if nworking == 0 {
		// Publishing with nobody working happens during flushes
		// outside the work loop.
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.nworking.Load()+t.nawakening.Load() != t.nworkers.Load() {
		t.nawakening.Add(1)
		t.lock.Notify()
	}
}

// Working returns the number of working workers.
func (t *Terminate) Working() int {
	return int(t.nworking.Load())
}

// SetResurrected records whether a not-yet-proven-live object was made
// reachable again.
func (t *Terminate) SetResurrected(v bool) {
	t.resurrected.Store(v)
}

// Resurrected reports whether a resurrection happened since the flag was
// last cleared.
func (t *Terminate) Resurrected() bool {
	return t.resurrected.Load()
}
