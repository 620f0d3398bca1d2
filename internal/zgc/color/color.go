// Package color implements colored pointers: heap references that carry
// collector metadata in their low sixteen bits.
//
// Layout of a colored pointer:
//
//	 6                                                 1 1
//	 3                                                 6 5          0
//	+---------------------------------------------------+------------+
//	|                 object offset                     |  metadata  |
//	+---------------------------------------------------+------------+
//
// Metadata bits (one-hot pairs, the current member of each pair is
// selected by the process-wide State):
//
//	0-1   Remembered0/1   store-good generation
//	2-3   Finalizable0/1  referent only finalizably reachable (old mark)
//	4-5   MarkedOld0/1    old generation mark color
//	6-7   MarkedYoung0/1  young generation mark color
//	8-9   Remapped0/1     remap generation
//
// A pointer is good iff its metadata equals the current good mask
// (Colors.StoreGood). Weaker notions (load-good, mark-good) are used by the
// individual barrier fast paths.
package color

import "fmt"

// Ptr is a colored heap reference.
type Ptr uint64

// AddressShift is the number of metadata bits below the object offset.
const AddressShift = 16

// MetadataMask selects the metadata bits of a colored pointer.
const MetadataMask Ptr = 1<<AddressShift - 1

// Metadata bits.
const (
	Remembered0 Ptr = 1 << iota
	Remembered1
	Finalizable0
	Finalizable1
	MarkedOld0
	MarkedOld1
	MarkedYoung0
	MarkedYoung1
	Remapped0
	Remapped1
)

// Metadata groups.
const (
	RememberedMask  = Remembered0 | Remembered1
	FinalizableMask = Finalizable0 | Finalizable1
	MarkedOldMask   = MarkedOld0 | MarkedOld1
	MarkedYoungMask = MarkedYoung0 | MarkedYoung1
	RemappedMask    = Remapped0 | Remapped1

	// MarkedMask covers every bit that records mark state.
	MarkedMask = FinalizableMask | MarkedOldMask | MarkedYoungMask

	// AllMask covers every defined metadata bit.
	AllMask = RememberedMask | MarkedMask | RemappedMask
)

// Color combines an object offset with metadata bits.
func Color(offset uintptr, bits Ptr) Ptr {
	return Ptr(offset)<<AddressShift | bits&MetadataMask
}

// Offset returns the object offset of p, dropping all metadata.
func (p Ptr) Offset() uintptr {
	return uintptr(p >> AddressShift)
}

// Bits returns the metadata bits of p.
func (p Ptr) Bits() Ptr {
	return p & MetadataMask
}

// IsNull reports whether p refers to no object, whatever its color.
func (p Ptr) IsNull() bool {
	return p>>AddressShift == 0
}

// WithBits returns p recolored with bits.
func (p Ptr) WithBits(bits Ptr) Ptr {
	return p&^MetadataMask | bits&MetadataMask
}

// String formats p as offset/metadata for logs and test failures.
func (p Ptr) String() string {
	return fmt.Sprintf("0x%x/%04x", p.Offset(), uint64(p.Bits()))
}
