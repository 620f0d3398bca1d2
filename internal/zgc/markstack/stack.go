package markstack

import "sync/atomic"

// StackSlots is the number of entries in one stack segment. Together with
// the bookkeeping words a segment fills 2K.
const StackSlots = 254

// StackBytes is the arena footprint of one segment.
const StackBytes = (StackSlots + 2) * 8

// Stack is a fixed-capacity segment of mark stack entries.
//
// A segment has exactly one owner at a time: a thread's local stacks, a
// stripe list or the allocator's free list. Ownership changes through the
// lock-free lists, so Push and Pop need no synchronization.
type Stack struct {
	index uint32
	next  atomic.Uint32
	top   int
	slots [StackSlots]Entry
}

// Index returns the segment's arena index. Index zero is never used.
func (s *Stack) Index() uint32 { return s.index }

// IsEmpty reports whether the segment holds no entries.
func (s *Stack) IsEmpty() bool { return s.top == 0 }

// IsFull reports whether the segment has no free slot.
func (s *Stack) IsFull() bool { return s.top == StackSlots }

// Len returns the number of entries.
func (s *Stack) Len() int { return s.top }

// Push appends e. It returns false if the segment is full.
func (s *Stack) Push(e Entry) bool {
	if s.top == StackSlots {
		return false
	}
	s.slots[s.top] = e
	s.top++
	return true
}

// Pop removes the newest entry. It returns false if the segment is empty.
func (s *Stack) Pop() (Entry, bool) {
	if s.top == 0 {
		return 0, false
	}
	s.top--
	return s.slots[s.top], true
}

// List is a lock-free list of segments.
//
// The head packs a 32-bit version tag above the segment index. Every
// successful update bumps the tag, so a head that was popped and pushed
// back in between never satisfies a stale CAS.
type List struct {
	head atomic.Uint64
}

func packHead(tag, index uint32) uint64 { return uint64(tag)<<32 | uint64(index) }

func unpackHead(h uint64) (tag, index uint32) { return uint32(h >> 32), uint32(h) }

// IsEmpty reports whether the list holds no segment.
func (l *List) IsEmpty() bool {
	_, index := unpackHead(l.head.Load())
	return index == 0
}

// Push adds s to the list.
func (l *List) Push(s *Stack) {
	for {
		h := l.head.Load()
		tag, index := unpackHead(h)
		s.next.Store(index)
		if l.head.CompareAndSwap(h, packHead(tag+1, s.index)) {
			return
		}
	}
}

// Pop removes a segment from the list, or returns nil if it is empty.
func (l *List) Pop(a *Allocator) *Stack {
	for {
		h := l.head.Load()
		tag, index := unpackHead(h)
		if index == 0 {
			return nil
		}
		s := a.Stack(index)
		next := s.next.Load()
		if l.head.CompareAndSwap(h, packHead(tag+1, next)) {
			s.next.Store(0)
			return s
		}
	}
}

// clear drops every segment without returning it anywhere.
func (l *List) clear() {
	l.head.Store(0)
}
