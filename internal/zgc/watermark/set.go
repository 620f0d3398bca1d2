package watermark

// Kind identifies the subsystem owning a watermark.
type Kind int

const (
	// KindGC is the collector's watermark.
	KindGC Kind = iota
)

func (k Kind) String() string {
	if k == KindGC {
		return "gc"
	}
	return "unknown"
}

// Set is the list of watermarks of one thread.
//
// self is the context the owning thread processes its own frames with.
type Set[C any] struct {
	self       C
	watermarks []*Watermark[C]
}

// NewSet returns an empty set.
func NewSet[C any](self C) *Set[C] {
	return &Set[C]{self: self}
}

// Add registers w. Watermarks are added while the thread is created, before
// any other thread can see the set.
func (s *Set[C]) Add(w *Watermark[C]) {
	s.watermarks = append(s.watermarks, w)
}

// Get returns the watermark of kind, or nil.
func (s *Set[C]) Get(kind Kind) *Watermark[C] {
	for _, w := range s.watermarks {
		if w.kind == kind {
			return w
		}
	}
	return nil
}

// OnUnwind runs before the owning thread returns into the frame at
// callerSP.
func (s *Set[C]) OnUnwind(callerSP uintptr) {
	for _, w := range s.watermarks {
		st := w.State()
		if st.IsDone() || !isAbove(callerSP, w.Watermark()) {
			continue
		}
		w.ProcessOne(s.self)
	}
}

// OnIteration runs before a stack walker inspects a frame whose caller is
// at callerSP. Frames processed on the walker's behalf use its ctx.
func (s *Set[C]) OnIteration(callerSP uintptr, ctx C) {
	for _, w := range s.watermarks {
		st := w.State()
		if st.Epoch() == w.proc.EpochID() {
			if st.IsDone() || !isAbove(callerSP, w.Watermark()) {
				continue
			}
		}
		w.ProcessOne(ctx)
	}
}

// OnSafepoint runs when the owning thread wakes up from a safepoint. It
// starts a new iteration for every watermark whose epoch is stale.
func (s *Set[C]) OnSafepoint() {
	for _, w := range s.watermarks {
		if w.State().Epoch() != w.proc.EpochID() {
			w.ProcessOne(s.self)
		}
	}
}

// StartIteration starts processing for watermarks of kind.
func (s *Set[C]) StartIteration(kind Kind) {
	for _, w := range s.watermarks {
		if w.kind != kind || w.State().Epoch() == w.proc.EpochID() {
			continue
		}
		w.ProcessOne(s.self)
	}
}

// FinishIteration processes every remaining frame for watermarks of kind
// with ctx.
func (s *Set[C]) FinishIteration(kind Kind, ctx C) {
	for _, w := range s.watermarks {
		if w.kind == kind {
			w.FinishProcessing(ctx)
		}
	}
}

// LowestWatermark returns the lowest watermark of the set. It is 0 if any
// watermark is unarmed or the set is empty.
func (s *Set[C]) LowestWatermark() uintptr {
	lowest := ^uintptr(0)
	for _, w := range s.watermarks {
		lowest = min(lowest, w.Watermark())
	}
	if lowest == ^uintptr(0) {
		return 0
	}
	return lowest
}

// IsDone reports whether every watermark finished the current epoch.
func (s *Set[C]) IsDone() bool {
	for _, w := range s.watermarks {
		st := w.State()
		if st.Epoch() != w.proc.EpochID() || !st.IsDone() {
			return false
		}
	}
	return true
}
