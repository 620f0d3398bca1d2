package heap

import "sync/atomic"

// RememberedSet records old-generation slots that may hold pointers into
// the young generation.
//
// Two tables alternate: barriers insert into the current one while the
// young marker scans the previous one, which was current before the last
// young mark started.
//
// Thread Safety: Remember is safe for concurrent use. Flip must run at a
// safepoint.
type RememberedSet struct {
	tables  [2]addrTable[struct{}]
	current atomic.Uint32
}

// NewRememberedSet returns an empty remembered set.
func NewRememberedSet() *RememberedSet {
	return &RememberedSet{}
}

// Remember records the slot at addr in the current table. It reports
// whether the slot was newly added.
func (rs *RememberedSet) Remember(addr uintptr) bool {
	_, loaded := rs.tables[rs.current.Load()].LoadOrStore(addr, struct{}{})
	return !loaded
}

// IsRemembered reports whether addr is in the current table.
func (rs *RememberedSet) IsRemembered(addr uintptr) bool {
	_, ok := rs.tables[rs.current.Load()].Load(addr)
	return ok
}

// Flip makes the current table the previous one and starts a new, empty
// current table.
func (rs *RememberedSet) Flip() {
	next := rs.current.Load() ^ 1
	rs.tables[next].Reset()
	rs.current.Store(next)
}

// ScanPrevious calls fn for every slot in the previous table and then
// clears it.
func (rs *RememberedSet) ScanPrevious(fn func(addr uintptr)) {
	prev := &rs.tables[rs.current.Load()^1]
	prev.Range(func(addr uintptr, _ struct{}) bool {
		fn(addr)
		return true
	})
	prev.Reset()
}

// Len returns the number of slots in the current table.
func (rs *RememberedSet) Len() int {
	return rs.tables[rs.current.Load()].Len()
}

// PreviousLen returns the number of slots awaiting a scan.
func (rs *RememberedSet) PreviousLen() int {
	return rs.tables[rs.current.Load()^1].Len()
}
