package heap

import "fmt"

// Kind classifies objects for the marker's follow step.
type Kind uint8

const (
	// Instance objects have a fixed number of reference fields.
	Instance Kind = iota + 1
	// Array objects are reference arrays; the marker may split them.
	Array
	// String objects hold one reference to their Bytes value and are
	// candidates for deduplication.
	String
	// Bytes objects hold only primitive words.
	Bytes
)

var kindNames = [...]string{"invalid", "instance", "array", "string", "bytes"}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header bit layout.
const (
	headerKindMask  = 0xf
	headerDedupBit  = 1 << 4
	headerRefsShift = 8
	headerRefsBits  = 28
	headerWordShift = headerRefsShift + headerRefsBits
	headerWordBits  = 28

	// MaxRefs is the largest reference count an object header can hold.
	MaxRefs = 1<<headerRefsBits - 1

	// MaxPayload is the largest primitive word count a header can hold.
	MaxPayload = 1<<headerWordBits - 1
)

// Header is an object's first word.
//
//	bits 0-3    kind
//	bit  4      deduplication requested
//	bits 8-35   number of reference slots
//	bits 36-63  number of primitive payload words
type Header uint64

func makeHeader(kind Kind, nrefs, npayload int) Header {
	return Header(uint64(kind)&headerKindMask |
		uint64(nrefs)<<headerRefsShift |
		uint64(npayload)<<headerWordShift)
}

// Kind returns the object kind.
func (h Header) Kind() Kind {
	return Kind(h & headerKindMask)
}

// Refs returns the number of reference slots.
func (h Header) Refs() int {
	return int(h >> headerRefsShift & MaxRefs)
}

// PayloadWords returns the number of primitive words.
func (h Header) PayloadWords() int {
	return int(h >> headerWordShift & MaxPayload)
}

// Size returns the object size in bytes including the header.
func (h Header) Size() uintptr {
	return uintptr(1+h.Refs()+h.PayloadWords()) * WordSize
}

// IsArray reports whether the object is a reference array.
func (h Header) IsArray() bool {
	return h.Kind() == Array
}

// DedupRequested reports whether the string was already queued for
// deduplication.
func (h Header) DedupRequested() bool {
	return h&headerDedupBit != 0
}

// TrySetDedupRequested sets the deduplication bit of the string at addr.
// Only the first caller succeeds.
func (h *Heap) TrySetDedupRequested(addr uintptr) bool {
	s := h.Slot(addr)
	for {
		old := s.v.Load()
		if old&headerDedupBit != 0 {
			return false
		}
		if s.v.CompareAndSwap(old, old|headerDedupBit) {
			return true
		}
	}
}
