// Package markstack implements the marker's work queues: packed mark stack
// entries, fixed-size stack segments carved from a growable arena,
// lock-free segment lists, mark stripes and per-thread stack caches.
package markstack

import "fmt"

// Entry is a packed mark stack entry. It is either an object entry or a
// partial array entry.
//
// Object entry:
//
//	 6                                                   0 0 0 0 0 0
//	 3                                                   5 4 3 2 1 0
//	+-----------------------------------------------------+-+-+-+-+-+
//	|                  object address                     |m|i|f|p|F|
//	+-----------------------------------------------------+-+-+-+-+-+
//
//	F  finalizable
//	p  partial array (0)
//	f  follow the object's fields
//	i  increment live bytes
//	m  mark the object before following
//
// Partial array entry:
//
//	 6                             3 3                             0 0 0
//	 3                             4 3                             2 1 0
//	+-------------------------------+-------------------------------+-+-+
//	|  range address >> min shift   |        length (elements)      |p|F|
//	+-------------------------------+-------------------------------+-+-+
type Entry uint64

const (
	entryFinalizable = 1 << 0
	entryPartial     = 1 << 1
	entryFollow      = 1 << 2
	entryIncLive     = 1 << 3
	entryMark        = 1 << 4

	entryAddressShift = 5

	partialLengthShift  = 2
	partialLengthMask   = 1<<32 - 1
	partialOffsetShift  = 34
	partialOffsetBits   = 30
	partialOffsetMaxVal = 1<<partialOffsetBits - 1
)

// ObjectEntry returns an object entry for addr.
func ObjectEntry(addr uintptr, mark, incLive, follow, finalizable bool) Entry {
	e := Entry(addr) << entryAddressShift
	if finalizable {
		e |= entryFinalizable
	}
	if follow {
		e |= entryFollow
	}
	if incLive {
		e |= entryIncLive
	}
	if mark {
		e |= entryMark
	}
	return e
}

// PartialArrayEntry returns a partial array entry for the element range
// starting at offset (already shifted right by the minimum partial size
// shift) with length elements.
func PartialArrayEntry(offset uintptr, length uint32, finalizable bool) Entry {
	if offset > partialOffsetMaxVal {
		panic(fmt.Sprintf("markstack: partial array offset 0x%x out of range", offset))
	}
	e := Entry(offset)<<partialOffsetShift | Entry(length)<<partialLengthShift | entryPartial
	if finalizable {
		e |= entryFinalizable
	}
	return e
}

// IsPartialArray reports whether e is a partial array entry.
func (e Entry) IsPartialArray() bool { return e&entryPartial != 0 }

// Finalizable reports whether e carries finalizable marking strength.
func (e Entry) Finalizable() bool { return e&entryFinalizable != 0 }

// Follow reports whether the object's fields must be followed.
func (e Entry) Follow() bool { return e&entryFollow != 0 }

// IncLive reports whether the marker must account the object's size.
func (e Entry) IncLive() bool { return e&entryIncLive != 0 }

// Mark reports whether the marker must mark the object first.
func (e Entry) Mark() bool { return e&entryMark != 0 }

// ObjectAddress returns the object address of an object entry.
func (e Entry) ObjectAddress() uintptr { return uintptr(e >> entryAddressShift) }

// PartialArrayOffset returns the shifted range address of a partial array
// entry.
func (e Entry) PartialArrayOffset() uintptr { return uintptr(e >> partialOffsetShift) }

// PartialArrayLength returns the element count of a partial array entry.
func (e Entry) PartialArrayLength() uint32 {
	return uint32(e >> partialLengthShift & partialLengthMask)
}

func (e Entry) String() string {
	if e.IsPartialArray() {
		return fmt.Sprintf("partial{offset:0x%x len:%d fin:%v}", e.PartialArrayOffset(), e.PartialArrayLength(), e.Finalizable())
	}
	return fmt.Sprintf("object{0x%x mark:%v inc:%v follow:%v fin:%v}",
		e.ObjectAddress(), e.Mark(), e.IncLive(), e.Follow(), e.Finalizable())
}
