package markstack

// ThreadLocalStacks caches one installed segment per stripe for a single
// thread.
//
// Only the owning thread touches its stacks, except while the thread is
// stopped in a handshake, when the handshaking thread may flush them.
type ThreadLocalStacks struct {
	stacks [MaxStripes]*Stack
}

// Push adds e to the segment installed for stripe s. A full segment is
// handed to the stripe (published if publish is set, otherwise as
// overflow) and replaced by a fresh one. Push returns false only when
// mark stack space is exhausted.
func (t *ThreadLocalStacks) Push(ss *StripeSet, s *Stripe, e Entry, publish bool) bool {
	stackp := &t.stacks[ss.StripeID(s)]
	if stack := *stackp; stack != nil && stack.Push(e) {
		return true
	}
	return t.pushSlow(ss, s, stackp, e, publish)
}

func (t *ThreadLocalStacks) pushSlow(ss *StripeSet, s *Stripe, stackp **Stack, e Entry, publish bool) bool {
	stack := *stackp
	for {
		if stack == nil {
			stack = ss.alloc.Alloc()
			*stackp = stack
			if stack == nil {
				return false
			}
		}
		if stack.Push(e) {
			return true
		}

		ss.PublishStack(s, stack, publish)
		*stackp = nil
		stack = nil
	}
}

// Pop removes an entry from the segment installed for stripe s. When that
// segment runs dry it is freed and a segment stolen from s is installed
// in its place. Pop returns false when there is no work left in s.
func (t *ThreadLocalStacks) Pop(ss *StripeSet, s *Stripe) (Entry, bool) {
	stackp := &t.stacks[ss.StripeID(s)]
	if stack := *stackp; stack != nil {
		if e, ok := stack.Pop(); ok {
			return e, true
		}
	}
	return t.popSlow(ss, s, stackp)
}

func (t *ThreadLocalStacks) popSlow(ss *StripeSet, s *Stripe, stackp **Stack) (Entry, bool) {
	stack := *stackp
	for {
		if stack == nil {
			stack = ss.StealStack(s)
			*stackp = stack
			if stack == nil {
				return 0, false
			}
		}
		if e, ok := stack.Pop(); ok {
			return e, true
		}

		ss.alloc.Free(stack)
		*stackp = nil
		stack = nil
	}
}

// Flush uninstalls every segment: empty ones are freed, the rest are
// handed to their stripes. It reports whether any work was handed over.
func (t *ThreadLocalStacks) Flush(ss *StripeSet, publish bool) bool {
	flushed := false
	for i := range t.stacks {
		stack := t.stacks[i]
		if stack == nil {
			continue
		}
		if stack.IsEmpty() {
			ss.alloc.Free(stack)
		} else {
			ss.PublishStack(ss.StripeAt(i), stack, publish)
			flushed = true
		}
		t.stacks[i] = nil
	}
	return flushed
}

// Steal uninstalls and returns the segment installed for stripe s.
func (t *ThreadLocalStacks) Steal(ss *StripeSet, s *Stripe) *Stack {
	i := ss.StripeID(s)
	stack := t.stacks[i]
	t.stacks[i] = nil
	return stack
}

// Install installs stack for stripe s, which must have none.
func (t *ThreadLocalStacks) Install(ss *StripeSet, s *Stripe, stack *Stack) {
	i := ss.StripeID(s)
	if t.stacks[i] != nil {
		panic("markstack: stripe already has an installed stack")
	}
	t.stacks[i] = stack
}

// Free releases every installed segment, which must all be empty.
func (t *ThreadLocalStacks) Free(a *Allocator) {
	for i, stack := range t.stacks {
		if stack != nil {
			a.Free(stack)
			t.stacks[i] = nil
		}
	}
}

// IsEmpty reports whether every installed segment is empty.
func (t *ThreadLocalStacks) IsEmpty() bool {
	for _, stack := range t.stacks {
		if stack != nil && !stack.IsEmpty() {
			return false
		}
	}
	return true
}
