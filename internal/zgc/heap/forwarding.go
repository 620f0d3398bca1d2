package heap

// Forwarding records where relocated objects moved to.
//
// Relocation proper is driven from outside the mark core; the barriers
// only need Remap to find an object's current address after the remap bit
// flipped.
type Forwarding struct {
	heap  *Heap
	table addrTable[uintptr]
}

// NewForwarding returns an empty forwarding table for h.
func NewForwarding(h *Heap) *Forwarding {
	return &Forwarding{heap: h}
}

// Relocate copies the object at addr into generation gen and records the
// forwarding. If another thread relocated it first, that copy wins and
// its address is returned.
func (f *Forwarding) Relocate(addr uintptr, gen Generation) (uintptr, error) {
	if to, ok := f.table.Load(addr); ok {
		return to, nil
	}

	hdr := f.heap.Header(addr)
	to, err := f.heap.Allocate(gen, hdr.Kind(), hdr.Refs(), hdr.PayloadWords())
	if err != nil {
		return 0, err
	}

	n := 1 + hdr.Refs() + hdr.PayloadWords()
	src := f.heap.Slots(addr, n)
	dst := f.heap.Slots(to, n)
	for i := 1; i < n; i++ {
		dst[i].v.Store(src[i].v.Load())
	}
	dst[0].v.Store(src[0].v.Load())

	actual, _ := f.table.LoadOrStore(addr, to)
	return actual, nil
}

// Remap returns the current address of the object at addr.
func (f *Forwarding) Remap(addr uintptr) uintptr {
	if to, ok := f.table.Load(addr); ok {
		return to
	}
	return addr
}

// Len returns the number of forwarded objects.
func (f *Forwarding) Len() int {
	return f.table.Len()
}

// Reset drops every forwarding. It is only safe once no pointer can still
// hold a pre-relocation address.
func (f *Forwarding) Reset() {
	f.table.Reset()
}
