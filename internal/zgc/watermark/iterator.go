package watermark

import "github.com/kolkov/zmark/internal/zgc/frame"

// iterator walks a snapshot of a thread's frames from the youngest one.
//
// caller and callee are the stack pointers of the last two processed
// barrier frames. The published watermark is callee, so the frame a thread
// returns into always has its caller processed as well.
type iterator[C any] struct {
	frames []*frame.Frame
	pos    int

	caller uintptr
	callee uintptr

	// ctx is the context the iteration was started with. A GC thread that
	// must finish an abandoned iteration reuses it.
	ctx C
}

func newIterator[C any](frames []*frame.Frame, ctx C) *iterator[C] {
	return &iterator[C]{frames: frames, ctx: ctx}
}

func (it *iterator[C]) hasNext() bool { return it.pos < len(it.frames) }

func (it *iterator[C]) current() *frame.Frame { return it.frames[it.pos] }

func (it *iterator[C]) next() { it.pos++ }

func (it *iterator[C]) remaining() int { return len(it.frames) - it.pos }

func (it *iterator[C]) setWatermark(sp uintptr) {
	if !it.hasNext() {
		return
	}
	switch {
	case it.callee == 0:
		it.callee = sp
	case it.caller == 0:
		it.caller = sp
	default:
		it.callee = it.caller
		it.caller = sp
	}
}

// processOne processes frames up to and including the next barrier frame.
func (it *iterator[C]) processOne(p Processor[C], ctx C) {
	var sp uintptr
	for it.hasNext() {
		f := it.current()
		sp = f.SP
		p.Process(f, ctx)
		it.next()
		if f.Barrier {
			break
		}
	}
	it.setWatermark(sp)
}
