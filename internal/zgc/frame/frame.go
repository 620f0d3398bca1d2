// Package frame models a thread's call stack.
//
// The stack grows downwards from its base: the youngest frame has the
// lowest stack pointer. A frame's references are off-heap root slots that
// the stack watermark heals lazily.
package frame

import (
	"fmt"
	"sync"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
)

// DefaultBase is the base stack pointer of a new stack.
const DefaultBase uintptr = 1 << 40

// Frame is one activation record.
type Frame struct {
	// SP is the frame's stack pointer.
	SP uintptr
	// Size is the distance to the caller's stack pointer.
	Size uintptr
	// Method is the compiled method executing in the frame, if any.
	Method *nmethod.Method
	// Oops are the frame's reference slots.
	Oops []*heap.Slot
	// Barrier reports whether returning into this frame checks the stack
	// watermark. Stub frames have no barrier.
	Barrier bool
}

func (f *Frame) String() string {
	name := "stub"
	if f.Method != nil {
		name = f.Method.Name()
	}
	return fmt.Sprintf("frame[sp=0x%x %s oops=%d]", f.SP, name, len(f.Oops))
}

// Stack is a thread's call stack.
//
// Thread Safety: The owning thread pushes and pops; other threads may take
// snapshots concurrently.
type Stack struct {
	mu     sync.Mutex
	base   uintptr
	frames []*Frame // oldest first
}

// NewStack returns an empty stack based at base.
func NewStack(base uintptr) *Stack {
	return &Stack{base: base}
}

// Base returns the stack base.
func (s *Stack) Base() uintptr { return s.base }

// Push adds a frame of size bytes for m holding oops.
func (s *Stack) Push(m *nmethod.Method, size uintptr, barrier bool, oops ...color.Ptr) *Frame {
	f := &Frame{Size: size, Method: m, Barrier: barrier, Oops: make([]*heap.Slot, len(oops))}
	for i, p := range oops {
		f.Oops[i] = heap.NewRootSlot(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.base
	if n := len(s.frames); n > 0 {
		top = s.frames[n-1].SP
	}
	f.SP = top - size
	s.frames = append(s.frames, f)
	return f
}

// Pop removes and returns the youngest frame.
func (s *Stack) Pop() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.frames)
	if n == 0 {
		return nil
	}
	f := s.frames[n-1]
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	return f
}

// Top returns the youngest frame, or nil.
func (s *Stack) Top() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.frames); n > 0 {
		return s.frames[n-1]
	}
	return nil
}

// Caller returns the frame that called the youngest frame, or nil.
func (s *Stack) Caller() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.frames); n > 1 {
		return s.frames[n-2]
	}
	return nil
}

// Depth returns the number of frames.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Snapshot returns the frames youngest first.
func (s *Stack) Snapshot() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Frame, len(s.frames))
	for i, f := range s.frames {
		out[len(s.frames)-1-i] = f
	}
	return out
}
