// Package nmethod models compiled methods and their entry barrier.
//
// A compiled method embeds object references in its code. Instead of
// healing every method at a pause, the collector arms all of them at once
// by changing the global disarmed value; the first thread that enters an
// armed method heals its references and disarms it.
package nmethod

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/lock"
)

// ArmedValue is a disarm value no phase ever uses as its disarmed value.
// Every good mask carries a remap bit, so its low bits are never zero.
const ArmedValue uint32 = 0

// Method is a compiled method.
type Method struct {
	id   uint64
	name string
	oops []*heap.Slot

	disarm atomic.Uint32
	lock   lock.ReentrantLock

	unloading  atomic.Bool
	notEntrant atomic.Bool

	patches     atomic.Int64
	relocations atomic.Int64
}

var nextID atomic.Uint64

// NewMethod returns an armed method embedding oops.
func NewMethod(name string, oops ...color.Ptr) *Method {
	m := &Method{
		id:   nextID.Add(1),
		name: name,
		oops: make([]*heap.Slot, len(oops)),
	}
	for i, p := range oops {
		m.oops[i] = heap.NewRootSlot(p)
	}
	m.disarm.Store(ArmedValue)
	return m
}

// ID returns the method's unique id.
func (m *Method) ID() uint64 { return m.id }

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Oops returns the method's embedded reference slots.
func (m *Method) Oops() []*heap.Slot { return m.oops }

// DisarmValue returns the stored disarm value.
func (m *Method) DisarmValue() uint32 { return m.disarm.Load() }

// Lock takes the method's reentrant lock for owner.
func (m *Method) Lock(owner uint64) { m.lock.Lock(owner) }

// Unlock releases one level of owner's hold on the method lock.
func (m *Method) Unlock(owner uint64) { m.lock.Unlock(owner) }

// SetUnloading marks the method as unloading: its classes died and it
// must not be entered again.
func (m *Method) SetUnloading() { m.unloading.Store(true) }

// IsUnloading reports whether the method is unloading.
func (m *Method) IsUnloading() bool { return m.unloading.Load() }

// MakeNotEntrant unlinks the method; callers re-resolve their call sites.
func (m *Method) MakeNotEntrant() { m.notEntrant.Store(true) }

// IsNotEntrant reports whether the method was unlinked.
func (m *Method) IsNotEntrant() bool { return m.notEntrant.Load() }

// PatchBarriers updates the barrier instructions in the method's code to
// the current phase's masks.
func (m *Method) PatchBarriers() { m.patches.Add(1) }

// Patches returns how often the method's barriers were patched.
func (m *Method) Patches() int64 { return m.patches.Load() }

// FixRelocations rewrites immediate oops in the code after healing.
func (m *Method) FixRelocations() { m.relocations.Add(1) }

func (m *Method) String() string {
	return fmt.Sprintf("nmethod[%d %s]", m.id, m.name)
}

// Table is the code cache: the set of live compiled methods that the
// marker visits as roots.
type Table struct {
	mu      sync.RWMutex
	methods map[uint64]*Method
}

// NewTable returns an empty code cache.
func NewTable() *Table {
	return &Table{methods: make(map[uint64]*Method)}
}

// Register adds m to the code cache.
func (t *Table) Register(m *Method) {
	t.mu.Lock()
	t.methods[m.id] = m
	t.mu.Unlock()
}

// Unregister removes m from the code cache.
func (t *Table) Unregister(m *Method) {
	t.mu.Lock()
	delete(t.methods, m.id)
	t.mu.Unlock()
}

// Snapshot returns the registered methods ordered by id.
func (t *Table) Snapshot() []*Method {
	t.mu.RLock()
	out := make([]*Method, 0, len(t.methods))
	for _, m := range t.methods {
		out = append(out, m)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Method) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// Len returns the number of registered methods.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.methods)
}
