package gc

import (
	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// Thread is an application thread attached to a Runtime.
//
// A Thread is owned by one goroutine. Heap accesses must happen between
// Enter and Exit.
type Thread struct {
	rt *Runtime
	t  *thread.Thread
}

// Enter starts running managed code. It blocks while a safepoint is in
// progress.
func (t *Thread) Enter() { t.t.Enter() }

// Exit stops running managed code.
func (t *Thread) Exit() { t.t.Exit() }

// Poll lets a pending safepoint or handshake run.
func (t *Thread) Poll() { t.t.SafepointPoll() }

// Detach applies the thread's pending barriers and unregisters it. The
// thread must be outside managed code.
func (t *Thread) Detach() { t.rt.c.DetachMutator(t.t) }

// Allocate allocates an object of gen with nrefs reference fields. It
// panics when the heap is exhausted.
func (t *Thread) Allocate(gen Generation, nrefs int) Ref {
	return t.allocate(gen, heap.Instance, nrefs, 0)
}

// TryAllocate is Allocate reporting heap exhaustion as an error.
func (t *Thread) TryAllocate(gen Generation, nrefs int) (Ref, error) {
	return t.rt.c.Allocate(gen, heap.Instance, nrefs, 0)
}

// AllocateArray allocates a reference array of gen with n elements.
func (t *Thread) AllocateArray(gen Generation, n int) Ref {
	return t.allocate(gen, heap.Array, n, 0)
}

// AllocateString allocates a string object of gen holding payload words.
func (t *Thread) AllocateString(gen Generation, words ...uint64) Ref {
	r := t.allocate(gen, heap.String, 0, len(words))
	h := t.rt.c.Heap()
	for i, w := range words {
		h.SetPayload(r.Offset(), i, w)
	}
	return r
}

func (t *Thread) allocate(gen Generation, kind heap.Kind, nrefs, npayload int) Ref {
	r, err := t.rt.c.Allocate(gen, kind, nrefs, npayload)
	if err != nil {
		panic(err)
	}
	return r
}

// Load returns reference field i of obj.
func (t *Thread) Load(obj Ref, i int) Ref {
	return t.rt.c.Load(t.t, obj, i)
}

// Store sets reference field i of obj to v.
func (t *Thread) Store(obj Ref, i int, v Ref) {
	t.rt.c.Store(t.t, obj, i, v)
}

// LoadRoot returns the reference held by a global root.
func (t *Thread) LoadRoot(r *Root) Ref {
	return t.rt.c.Barriers().Load(t.t, r.slot)
}

// StoreRoot replaces the reference held by a global root.
func (t *Thread) StoreRoot(r *Root, v Ref) {
	t.rt.c.Barriers().StoreNative(t.t, r.slot, v)
}

// LoadWeak returns the referent of a weak root, or null once the referent
// was found unreachable.
func (t *Thread) LoadWeak(r *Root) Ref {
	return t.rt.c.Barriers().LoadWeak(t.t, r.slot)
}

// AddLocal adds a thread-local root holding r.
func (t *Thread) AddLocal(r Ref) *Root {
	return &Root{slot: t.t.AddLocal(r)}
}
