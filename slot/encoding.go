package slot

import (
	"fmt"
	"unsafe"

	"github.com/inhies/go-bytesize"

	"github.com/gcglue/gcglue/diagnostics"
)

const (
	wordBytes = unsafe.Sizeof(uintptr(0))

	// rootTag marks a root slot whose raw address refers to an uncompressed
	// word. Roots without the tag hold a compressed 32-bit value.
	rootTag = uintptr(1) << (wordBytes*8 - 1)

	// Gap between the encoding base and the heap start. Nothing is allocated
	// in it, so no object compresses to 0.
	baseGap = 4096

	maxIdentityEnd = 4 << 30
	maxShiftedEnd  = 32 << 30

	compressedShift = 3
)

// Encoding describes how references are stored in fields. It is chosen once
// when the heap is laid out and never changes afterwards.
type Encoding struct {
	Base       uintptr
	Shift      uint
	Compressed bool
}

// ChooseEncoding picks the cheapest compressed encoding that reaches every
// address in [heapStart, heapEnd):
//
//   - heaps ending below 4GiB are stored as is,
//   - heaps ending below 32GiB are shifted by the object alignment,
//   - anything else is stored relative to a base just below the heap, shifted
//     unless baseOnly is set and the heap spans at most 4GiB.
func ChooseEncoding(heapStart, heapEnd uintptr, baseOnly bool) Encoding {
	enc := Encoding{Compressed: true}
	switch {
	case uint64(heapEnd) <= maxIdentityEnd:
	case uint64(heapEnd) <= maxShiftedEnd:
		enc.Shift = compressedShift
	default:
		enc.Base = heapStart - baseGap
		if !baseOnly || uint64(heapEnd-enc.Base) > maxIdentityEnd {
			enc.Shift = compressedShift
		}
	}
	if diagnostics.Debug() {
		diagnostics.Debugf("slot", "heap %#x-%#x (%s): base=%#x shift=%d",
			heapStart, heapEnd, bytesize.New(float64(heapEnd-heapStart)), enc.Base, enc.Shift)
	}
	return enc
}

// Uncompressed returns the encoding that stores full words in every field.
func Uncompressed() Encoding {
	return Encoding{}
}

// FieldBytes is the size of one field slot.
func (enc Encoding) FieldBytes() uintptr {
	if enc.Compressed {
		return 4
	}
	return wordBytes
}

// Validate checks that every suitably aligned address in [heapStart, heapEnd)
// survives a compress/decompress round trip.
func (enc Encoding) Validate(heapStart, heapEnd uintptr) error {
	if !enc.Compressed {
		return nil
	}
	if heapStart >= heapEnd {
		return fmt.Errorf("empty heap range %#x-%#x", heapStart, heapEnd)
	}
	if heapStart <= enc.Base {
		return fmt.Errorf("heap start %#x is not above encoding base %#x", heapStart, enc.Base)
	}
	if align := uintptr(1) << enc.Shift; heapStart%align != 0 {
		return fmt.Errorf("heap start %#x is not aligned to %d bytes", heapStart, align)
	}
	if reach := uint64(heapEnd-1-enc.Base) >> enc.Shift; reach > 0xffffffff {
		return fmt.Errorf("heap end %#x is out of reach of base %#x with shift %d", heapEnd, enc.Base, enc.Shift)
	}
	return nil
}

// Compress encodes r as a 32-bit field value.
func Compress(enc Encoding, r Ref) uint32 {
	if r.IsNull() {
		return 0
	}
	return uint32((uintptr(r) - enc.Base) >> enc.Shift)
}

// Decompress is the inverse of Compress.
func Decompress(enc Encoding, v uint32) Ref {
	if v == 0 {
		return Null
	}
	return Ref(enc.Base + uintptr(v)<<enc.Shift)
}

// TagRoot builds the raw value of a root slot at addr.
func TagRoot(addr uintptr, compressed bool) uintptr {
	if compressed {
		return addr &^ rootTag
	}
	return addr | rootTag
}

// UntagRoot splits the raw value of a root slot into its address and
// encoding.
func UntagRoot(raw uintptr) (addr uintptr, compressed bool) {
	return raw &^ rootTag, raw&rootTag == 0
}
