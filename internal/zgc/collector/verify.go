package collector

import (
	"errors"
	"fmt"

	"github.com/kolkov/zmark/internal/zgc/heap"
	"github.com/kolkov/zmark/internal/zgc/thread"
)

// maxVerifyErrors bounds the number of unmarked objects one verification
// reports.
const maxVerifyErrors = 16

// ErrUnmarked is wrapped by the errors VerifyMarked reports.
var ErrUnmarked = errors.New("reachable object not marked")

// VerifyMarked checks that every object of gen reachable from the strong
// roots was marked. The graph is traced through both generations: an
// object of gen may be reachable only through objects of the other one.
//
// It must run while application threads are stopped, after marking of
// gen completed.
func (c *Collector) VerifyMarked(gen heap.Generation) error {
	v := &verifier{
		h:       c.heap,
		gen:     gen,
		visited: make(map[uintptr]struct{}),
	}

	roots := c.heap.Roots()
	v.pushSlots(roots.Globals())
	for _, l := range roots.Loaders() {
		v.pushSlots(l.Slots())
	}
	for _, t := range c.reg.ThreadsOf(thread.KindMutator) {
		v.pushSlots(t.Locals())
		for _, f := range t.Frames().Snapshot() {
			v.pushSlots(f.Oops)
		}
	}
	for _, m := range c.code.Snapshot() {
		if m.IsUnloading() {
			continue
		}
		v.pushSlots(m.Oops())
	}

	v.trace()
	if len(v.errs) > 0 {
		c.log.Error("Mark verification failed", "generation", gen.String(), "unmarked", v.unmarked)
		return errors.Join(v.errs...)
	}
	c.log.Debug("Mark verified", "generation", gen.String(), "reachable", len(v.visited))
	return nil
}

// Verify runs VerifyMarked for gen at a safepoint between cycles.
func (c *Collector) Verify(gen heap.Generation) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	var err error
	c.reg.Safepoint(func() {
		err = c.VerifyMarked(gen)
	})
	return err
}

type verifier struct {
	h   *heap.Heap
	gen heap.Generation

	visited  map[uintptr]struct{}
	stack    []uintptr
	unmarked int
	errs     []error
}

func (v *verifier) push(s *heap.Slot) {
	p := s.Load()
	if p.IsNull() {
		return
	}
	addr := v.h.Forwarding().Remap(p.Offset())
	if _, ok := v.visited[addr]; ok {
		return
	}
	v.visited[addr] = struct{}{}
	v.stack = append(v.stack, addr)
}

func (v *verifier) pushSlots(slots []*heap.Slot) {
	for _, s := range slots {
		v.push(s)
	}
}

func (v *verifier) trace() {
	for len(v.stack) > 0 {
		addr := v.stack[len(v.stack)-1]
		v.stack = v.stack[:len(v.stack)-1]

		r := v.h.RegionFor(addr)
		if r == nil {
			v.errs = append(v.errs, fmt.Errorf("verify: pointer 0x%x outside heap", addr))
			continue
		}
		if r.Generation() == v.gen && !v.h.IsObjectLive(addr) {
			v.unmarked++
			if len(v.errs) < maxVerifyErrors {
				v.errs = append(v.errs, fmt.Errorf("verify: %s object 0x%x in %s: %w", v.gen, addr, r, ErrUnmarked))
			}
		}

		slots := v.h.RefSlots(addr)
		for i := range slots {
			v.push(&slots[i])
		}
	}
}
