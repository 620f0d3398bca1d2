package barrier

import (
	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/frame"
	"github.com/kolkov/zmark/internal/zgc/nmethod"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// HealMethod heals every oop embedded in m on behalf of t. It runs under
// m's lock, from the code entry barrier.
func (s *Set) HealMethod(t *thread.Thread, m *nmethod.Method) {
	m.PatchBarriers()
	bits := color.Ptr(m.DisarmValue())
	for _, slot := range m.Oops() {
		s.ProcessRoot(t, slot, bits)
	}
}

// StackProcessor heals thread stacks for the GC stack watermark.
type StackProcessor struct {
	set *Set
}

// StackProcessor returns the watermark processor backed by s.
func (s *Set) StackProcessor() *StackProcessor {
	return &StackProcessor{set: s}
}

// EpochID returns the current color epoch.
func (p *StackProcessor) EpochID() uint32 {
	return p.set.colors.Epoch()
}

// StartIteration heals owner's thread-local roots.
func (p *StackProcessor) StartIteration(owner, ctx *thread.Thread) {
	for _, slot := range owner.Locals() {
		p.set.ProcessRoot(ctx, slot, slot.Load())
	}
}

// Process heals the oops of f and runs the entry barrier of the method
// executing in it.
func (p *StackProcessor) Process(f *frame.Frame, ctx *thread.Thread) {
	if f.Method != nil {
		// An unloading method refuses entry but its frame must still be
		// healed; the result only matters to callers.
		p.set.entry.Enter(ctx, f.Method)
	}
	for _, slot := range f.Oops {
		p.set.ProcessRoot(ctx, slot, slot.Load())
	}
}
