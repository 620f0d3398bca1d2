package heap

import "sync"

// DedupQueue collects strings the marker found eligible for
// deduplication. Markers add whole batches to keep contention low.
type DedupQueue struct {
	mu      sync.Mutex
	pending []uintptr
}

// Add appends a batch of string addresses.
func (q *DedupQueue) Add(batch []uintptr) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, batch...)
	q.mu.Unlock()
}

// Drain removes and returns every queued string.
func (q *DedupQueue) Drain() []uintptr {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Len returns the number of queued strings.
func (q *DedupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
