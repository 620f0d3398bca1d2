package nmethod

import (
	"log/slog"

	"github.com/kolkov/zmark/internal/zgc/color"
	"github.com/kolkov/zmark/internal/zgc/zdebug"
	"github.com/kolkov/zmark/internal/zgc/zlog"
)

// Caller is the thread entering a compiled method.
type Caller interface {
	// ID identifies the thread as a lock owner. It is never zero.
	ID() uint64
	// DisarmedValue is the disarmed value cached by the thread at its
	// last safepoint poll.
	DisarmedValue() uint32
}

// HealFunc heals every embedded oop of m on behalf of thread t.
type HealFunc[T Caller] func(t T, m *Method)

// EntryBarrier runs on every entry into a compiled method.
//
// Thread Safety: Enter is safe for concurrent use. Healing a method is
// serialized by the method's lock.
type EntryBarrier[T Caller] struct {
	colors *color.State
	heal   HealFunc[T]
	log    *slog.Logger
}

// NewEntryBarrier returns an entry barrier that heals armed methods with
// heal.
func NewEntryBarrier[T Caller](colors *color.State, heal HealFunc[T]) *EntryBarrier[T] {
	return &EntryBarrier[T]{
		colors: colors,
		heal:   heal,
		log:    zlog.For(zlog.TagNMethod),
	}
}

// Enter runs the entry barrier for t entering m. It returns false if m is
// unloading and must not be executed; the caller then re-resolves the call.
func (b *EntryBarrier[T]) Enter(t T, m *Method) bool {
	if m.disarm.Load() == t.DisarmedValue() {
		return true
	}
	return b.enterSlow(t, m)
}

func (b *EntryBarrier[T]) enterSlow(t T, m *Method) bool {
	m.lock.Lock(t.ID())
	defer m.lock.Unlock(t.ID())

	if !b.IsArmed(m) {
		// Another thread healed and disarmed it while we waited.
		b.log.Debug("nmethod visited by entry (disarmed)", "nmethod", m.String())
		return true
	}

	if m.IsUnloading() {
		b.log.Debug("nmethod visited by entry (unloading)", "nmethod", m.String())
		m.MakeNotEntrant()
		return false
	}

	b.heal(t, m)
	m.FixRelocations()

	// The store below publishes the heals: sync/atomic stores are
	// sequentially consistent.
	prev := m.disarm.Load()
	b.Disarm(m)

	b.log.Debug("nmethod visited by entry (complete)", "nmethod", m.String(),
		"prev", prev, "new", m.disarm.Load())
	return true
}

// IsArmed reports whether m has not been healed for the current phase.
func (b *EntryBarrier[T]) IsArmed(m *Method) bool {
	return m.disarm.Load() != b.colors.Current().DisarmedValue()
}

// Disarm marks m healed for the current phase. m must be armed.
func (b *EntryBarrier[T]) Disarm(m *Method) {
	disarmed := b.colors.Current().DisarmedValue()
	zdebug.Assert(m.disarm.Load() != disarmed, "nmethod", "disarm", "%v is not armed", m)
	m.disarm.Store(disarmed)
}

// DisarmWithValue stores v as m's disarm value. The marker uses it for
// methods that are healed with respect to one generation only.
func (b *EntryBarrier[T]) DisarmWithValue(m *Method, v uint32) {
	m.disarm.Store(v)
}

// Arm forces the next entry into m through the slow path.
func (b *EntryBarrier[T]) Arm(m *Method) {
	m.disarm.Store(ArmedValue)
}
