package heap

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
)

// Loader is a class loader: a named group of root slots (its static
// fields and mirrors) traced as part of the class-loader graph.
type Loader struct {
	Name  string
	slots []*Slot

	// claim holds the token of the last marker that claimed the loader.
	claim atomic.Uint32
}

// Slots returns the loader's root slots.
func (l *Loader) Slots() []*Slot {
	return l.slots
}

// TryClaim claims the loader for the marking round identified by token.
// Only one caller per token succeeds.
func (l *Loader) TryClaim(token uint32) bool {
	for {
		old := l.claim.Load()
		if old == token {
			return false
		}
		if l.claim.CompareAndSwap(old, token) {
			return true
		}
	}
}

// Roots is the set of global roots: strong globals, weak globals and the
// class-loader graph. Its slots hold colored pointers and go through the
// normal barriers.
//
// Thread Safety: Safe for concurrent use; iteration works on snapshots.
type Roots struct {
	mu      sync.Mutex
	globals []*Slot
	weak    []*Slot
	loaders []*Loader
}

// NewRoots returns an empty root set.
func NewRoots() *Roots {
	return &Roots{}
}

// AddGlobal registers a new strong global holding p.
func (r *Roots) AddGlobal(p color.Ptr) *Slot {
	s := NewRootSlot(p)
	r.mu.Lock()
	r.globals = append(r.globals, s)
	r.mu.Unlock()
	return s
}

// AddWeak registers a new weak global holding p.
func (r *Roots) AddWeak(p color.Ptr) *Slot {
	s := NewRootSlot(p)
	r.mu.Lock()
	r.weak = append(r.weak, s)
	r.mu.Unlock()
	return s
}

// AddLoader registers a class loader with nslots null root slots.
func (r *Roots) AddLoader(name string, nslots int) *Loader {
	l := &Loader{Name: name, slots: make([]*Slot, nslots)}
	for i := range l.slots {
		l.slots[i] = NewRootSlot(0)
	}
	r.mu.Lock()
	r.loaders = append(r.loaders, l)
	r.mu.Unlock()
	return l
}

// Globals returns a snapshot of the strong globals.
func (r *Roots) Globals() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Slot(nil), r.globals...)
}

// Weak returns a snapshot of the weak globals.
func (r *Roots) Weak() []*Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Slot(nil), r.weak...)
}

// Loaders returns a snapshot of the class loaders.
func (r *Roots) Loaders() []*Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Loader(nil), r.loaders...)
}
