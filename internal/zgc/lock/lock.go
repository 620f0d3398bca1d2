// Package lock provides the small set of locks used by the collector core.
//
//   - SpinLock never parks the calling goroutine on a runtime semaphore and
//     is safe to take from code that answers safepoint requests.
//   - ReentrantLock may be re-acquired by its owner.
//   - ConditionLock pairs a mutex with a condition variable.
package lock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SpinLock is a test-and-test-and-set lock.
//
// Holders are expected to keep critical sections short; waiters spin and
// yield the processor between attempts.
type SpinLock struct {
	held atomic.Bool
}

// Lock acquires the lock.
func (l *SpinLock) Lock() {
	for {
		if !l.held.Load() && l.held.CompareAndSwap(false, true) {
			return
		}
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return !l.held.Load() && l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	if !l.held.Swap(false) {
		panic("lock: unlock of unlocked SpinLock")
	}
}

// Yield releases the lock, lets other goroutines run and re-acquires it.
func (l *SpinLock) Yield() {
	l.Unlock()
	runtime.Gosched()
	l.Lock()
}

// IsLocked reports whether some goroutine holds the lock.
func (l *SpinLock) IsLocked() bool {
	return l.held.Load()
}

// ReentrantLock is a mutex that its owner may lock recursively.
//
// Owners are identified by a non-zero id chosen by the caller, normally the
// id of the collector thread taking the lock.
type ReentrantLock struct {
	mu    sync.Mutex
	owner atomic.Uint64
	count int
}

// Lock acquires the lock for owner.
func (l *ReentrantLock) Lock(owner uint64) {
	if owner == 0 {
		panic("lock: zero owner")
	}
	if l.owner.Load() != owner {
		l.mu.Lock()
		l.owner.Store(owner)
	}
	l.count++
}

// Unlock releases one level of ownership.
func (l *ReentrantLock) Unlock(owner uint64) {
	if l.owner.Load() != owner {
		panic("lock: unlock by non-owner")
	}
	l.count--
	if l.count == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

// IsOwnedBy reports whether owner currently holds the lock.
func (l *ReentrantLock) IsOwnedBy(owner uint64) bool {
	return owner != 0 && l.owner.Load() == owner
}

// ConditionLock is a mutex with an associated condition variable.
type ConditionLock struct {
	mu   sync.Mutex
	cond sync.Cond
	once sync.Once
}

func (l *ConditionLock) init() {
	l.once.Do(func() { l.cond.L = &l.mu })
}

// Lock acquires the mutex.
func (l *ConditionLock) Lock() {
	l.init()
	l.mu.Lock()
}

// Unlock releases the mutex.
func (l *ConditionLock) Unlock() {
	l.mu.Unlock()
}

// Wait atomically releases the mutex and suspends until notified.
func (l *ConditionLock) Wait() {
	l.cond.Wait()
}

// Notify wakes one waiter.
func (l *ConditionLock) Notify() {
	l.init()
	l.cond.Signal()
}

// NotifyAll wakes every waiter.
func (l *ConditionLock) NotifyAll() {
	l.init()
	l.cond.Broadcast()
}
