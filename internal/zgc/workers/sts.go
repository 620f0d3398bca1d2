package workers

import (
	"sync"
	"sync/atomic"
)

// SuspendibleSet is the set of GC threads that must be stopped before a
// safepoint may run.
//
// A joined thread runs concurrently with mutators and periodically calls
// Yield. Synchronize blocks until every joined thread has either yielded
// or left; Desynchronize lets them continue.
//
// Thread Safety: Safe for concurrent use.
type SuspendibleSet struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nthreads int
	nyielded int

	suspend atomic.Int32
}

// NewSuspendibleSet returns an empty set.
func NewSuspendibleSet() *SuspendibleSet {
	s := &SuspendibleSet{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Join adds the calling thread to the set, waiting out a synchronization
// in progress.
func (s *SuspendibleSet) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.suspend.Load() > 0 {
		s.cond.Wait()
	}
	s.nthreads++
}

// Leave removes the calling thread from the set.
func (s *SuspendibleSet) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nthreads--
	if s.suspend.Load() > 0 && s.nyielded == s.nthreads {
		s.cond.Broadcast()
	}
}

// ShouldYield reports whether a synchronization is waiting for joined
// threads.
func (s *SuspendibleSet) ShouldYield() bool {
	return s.suspend.Load() > 0
}

// Yield parks the calling thread while a synchronization is in progress.
func (s *SuspendibleSet) Yield() {
	if !s.ShouldYield() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspend.Load() == 0 {
		return
	}
	s.nyielded++
	s.cond.Broadcast()
	for s.suspend.Load() > 0 {
		s.cond.Wait()
	}
	s.nyielded--
}

// Synchronize blocks until every joined thread has yielded.
func (s *SuspendibleSet) Synchronize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspend.Add(1)
	for s.nyielded < s.nthreads {
		s.cond.Wait()
	}
}

// Desynchronize resumes the threads stopped by Synchronize.
func (s *SuspendibleSet) Desynchronize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspend.Add(-1) == 0 {
		s.cond.Broadcast()
	}
}

// Joined returns the number of threads in the set.
func (s *SuspendibleSet) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nthreads
}
