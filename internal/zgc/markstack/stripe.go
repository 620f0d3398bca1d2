package markstack

import (
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxStripes is the number of stripes a StripeSet holds.
const MaxStripes = 16

// granuleShift selects the address bits stripes hash on.
const granuleShift = 21

// Waker is notified when a segment becomes available for stealing.
type Waker interface {
	WakeUp()
}

// Stripe is one partition of the global mark work.
//
// Segments flushed by mutators (or published explicitly) go to the
// published list; segments a GC worker had to spill go to the overflowed
// list. Stealing prefers overflowed segments, which are hot in some
// worker's cache and never contend with mutator flushes.
type Stripe struct {
	_          cpu.CacheLinePad
	published  List
	overflowed List
	_          cpu.CacheLinePad
}

// IsEmpty reports whether neither list holds a segment.
func (s *Stripe) IsEmpty() bool {
	return s.published.IsEmpty() && s.overflowed.IsEmpty()
}

func (s *Stripe) publishStack(stack *Stack, publish bool) {
	if publish {
		s.published.Push(stack)
	} else {
		s.overflowed.Push(stack)
	}
}

func (s *Stripe) stealStack(a *Allocator) *Stack {
	if stack := s.overflowed.Pop(a); stack != nil {
		return stack
	}
	return s.published.Pop(a)
}

// StripeSet holds all stripes and the number currently in use.
//
// Stripes beyond the current count are never discarded: after a resize
// they may still hold segments, so IsEmpty checks every stripe.
type StripeSet struct {
	alloc *Allocator
	waker Waker

	nstripes atomic.Uint32
	stripes  [MaxStripes]Stripe
}

// NewStripeSet returns a stripe set with one stripe in use.
func NewStripeSet(alloc *Allocator, waker Waker) *StripeSet {
	ss := &StripeSet{alloc: alloc, waker: waker}
	ss.nstripes.Store(1)
	return ss
}

// Allocator returns the segment allocator shared by all stripes.
func (ss *StripeSet) Allocator() *Allocator { return ss.alloc }

// CalculateNStripes returns the largest power of two not above nworkers,
// capped at limit.
func CalculateNStripes(nworkers, limit int) int {
	if nworkers < 1 {
		return 1
	}
	n := 1 << (bits.Len(uint(nworkers)) - 1)
	if n > limit {
		n = limit
	}
	return n
}

// SetNStripes changes the number of stripes in use. n must be a power of
// two no larger than MaxStripes.
func (ss *StripeSet) SetNStripes(n int) {
	if n < 1 || n > MaxStripes || n&(n-1) != 0 {
		panic("markstack: invalid stripe count")
	}
	ss.nstripes.Store(uint32(n))
}

// NStripes returns the number of stripes in use.
func (ss *StripeSet) NStripes() int {
	return int(ss.nstripes.Load())
}

func (ss *StripeSet) mask() int {
	return int(ss.nstripes.Load()) - 1
}

// IsEmpty reports whether every stripe is empty.
func (ss *StripeSet) IsEmpty() bool {
	for i := range ss.stripes {
		if !ss.stripes[i].IsEmpty() {
			return false
		}
	}
	return true
}

// StripeID returns the index of s.
func (ss *StripeSet) StripeID(s *Stripe) int {
	for i := range ss.stripes {
		if &ss.stripes[i] == s {
			return i
		}
	}
	panic("markstack: stripe not in set")
}

// StripeAt returns stripe i.
func (ss *StripeSet) StripeAt(i int) *Stripe {
	return &ss.stripes[i]
}

// StripeNext returns the stripe after s, wrapping within the stripes in use.
func (ss *StripeSet) StripeNext(s *Stripe) *Stripe {
	return &ss.stripes[(ss.StripeID(s)+1)&ss.mask()]
}

// StripeForAddr returns the stripe owning the granule of addr.
func (ss *StripeSet) StripeForAddr(addr uintptr) *Stripe {
	return &ss.stripes[int(addr>>granuleShift)&ss.mask()]
}

// StripeForWorker returns the home stripe of worker id out of nworkers.
// Workers up to the largest multiple of the stripe count use their natural
// stripe; the remaining spillover workers are spread evenly.
func (ss *StripeSet) StripeForWorker(nworkers, id int) *Stripe {
	nstripes := ss.NStripes()
	spilloverLimit := (nworkers / nstripes) * nstripes

	var index int
	if id < spilloverLimit {
		index = id & (nstripes - 1)
	} else {
		spilloverWorkers := nworkers - spilloverLimit
		spilloverID := id - spilloverLimit
		chunk := float64(nstripes) / float64(spilloverWorkers)
		index = int(float64(spilloverID) * chunk)
	}
	return &ss.stripes[index]
}

// PublishStack hands stack to stripe s and wakes an idle worker.
func (ss *StripeSet) PublishStack(s *Stripe, stack *Stack, publish bool) {
	s.publishStack(stack, publish)
	if ss.waker != nil {
		ss.waker.WakeUp()
	}
}

// StealStack takes a segment from stripe s, or returns nil.
func (ss *StripeSet) StealStack(s *Stripe) *Stack {
	return s.stealStack(ss.alloc)
}
