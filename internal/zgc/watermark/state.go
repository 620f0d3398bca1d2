package watermark

import "strconv"

// State packs a watermark's epoch and done flag into one word so both can
// be published with a single atomic store.
//
// Layout: [Epoch:31][Done:1]
type State uint32

// MakeState returns the state for epoch with the given done flag.
func MakeState(epoch uint32, done bool) State {
	s := State(epoch << 1)
	if done {
		s |= 1
	}
	return s
}

// Epoch returns the epoch the state belongs to.
func (s State) Epoch() uint32 { return uint32(s) >> 1 }

// IsDone reports whether every frame was processed for the epoch.
func (s State) IsDone() bool { return s&1 != 0 }

// String returns "epoch" or "epoch/done".
func (s State) String() string {
	e := strconv.FormatUint(uint64(s.Epoch()), 10)
	if s.IsDone() {
		return e + "/done"
	}
	return e
}
