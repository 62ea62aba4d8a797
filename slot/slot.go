// Package slot gives uniform access to memory locations that hold object
// references.
//
// A slot is either a field inside a heap object or a root location owned by
// the host runtime. Fields follow the process-wide Encoding: with compressed
// references each field is 32 bits wide and holds an offset from the
// encoding base, shifted right by the object alignment. Roots are supplied by
// the host and don't necessarily live in compressible storage, so every root
// carries its own encoding in the top bit of its raw address (see TagRoot).
//
// All accesses are atomic at the encoded width. The memory behind a slot is
// owned by the host; slots are transient views and never keep it alive.
package slot

import (
	"sync/atomic"
	"unsafe"
)

// Ref is the address of an object, or Null.
type Ref uintptr

const Null Ref = 0

func (r Ref) IsNull() bool { return r == 0 }

// Slot is a location that holds a Ref.
type Slot interface {
	Load() Ref
	Store(Ref)
	// CompareExchange stores new if the slot currently holds old. It returns
	// the value that was observed and whether the store happened.
	CompareExchange(old, new Ref) (Ref, bool)
	// Address returns the address of the location itself.
	Address() uintptr
}

// FieldSlot is a reference field inside a heap object.
type FieldSlot struct {
	addr uintptr
	enc  *Encoding
}

// Field returns the field slot at addr. The encoding must outlive the slot.
func (enc *Encoding) Field(addr uintptr) FieldSlot {
	return FieldSlot{addr: addr, enc: enc}
}

func (s FieldSlot) Address() uintptr { return s.addr }

func (s FieldSlot) Load() Ref {
	return load(s.addr, s.enc, s.enc.Compressed)
}

func (s FieldSlot) Store(r Ref) {
	store(s.addr, s.enc, s.enc.Compressed, r)
}

func (s FieldSlot) CompareExchange(old, new Ref) (Ref, bool) {
	return compareExchange(s.addr, s.enc, s.enc.Compressed, old, new)
}

// RootSlot is a root location supplied by the host. Its raw value is the
// address of the location with the encoding tag in the top bit.
type RootSlot struct {
	raw uintptr
	enc *Encoding
}

// Root returns the root slot described by raw, a value built with TagRoot.
// Roots are only ever compressed when the encoding is.
func (enc *Encoding) Root(raw uintptr) RootSlot {
	return RootSlot{raw: raw, enc: enc}
}

// Raw returns the tagged value the slot was created from.
func (s RootSlot) Raw() uintptr { return s.raw }

func (s RootSlot) untag() (uintptr, bool) {
	addr, compressed := UntagRoot(s.raw)
	return addr, compressed && s.enc.Compressed
}

func (s RootSlot) Address() uintptr {
	addr, _ := UntagRoot(s.raw)
	return addr
}

// IsCompressed reports whether the root holds a 32-bit value.
func (s RootSlot) IsCompressed() bool {
	_, compressed := s.untag()
	return compressed
}

func (s RootSlot) Load() Ref {
	addr, compressed := s.untag()
	return load(addr, s.enc, compressed)
}

func (s RootSlot) Store(r Ref) {
	addr, compressed := s.untag()
	store(addr, s.enc, compressed, r)
}

func (s RootSlot) CompareExchange(old, new Ref) (Ref, bool) {
	addr, compressed := s.untag()
	return compareExchange(addr, s.enc, compressed, old, new)
}

func load(addr uintptr, enc *Encoding, compressed bool) Ref {
	if compressed {
		return Decompress(*enc, atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))))
	}
	return Ref(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr))))
}

func store(addr uintptr, enc *Encoding, compressed bool, r Ref) {
	if compressed {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), Compress(*enc, r))
		return
	}
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), uintptr(r))
}

func compareExchange(addr uintptr, enc *Encoding, compressed bool, old, new Ref) (Ref, bool) {
	if compressed {
		p := (*uint32)(unsafe.Pointer(addr))
		o, n := Compress(*enc, old), Compress(*enc, new)
		for {
			if atomic.CompareAndSwapUint32(p, o, n) {
				return old, true
			}
			cur := atomic.LoadUint32(p)
			if cur != o {
				return Decompress(*enc, cur), false
			}
			// The value changed back to old between the failed swap and the
			// load. Try again.
		}
	}
	p := (*uintptr)(unsafe.Pointer(addr))
	for {
		if atomic.CompareAndSwapUintptr(p, uintptr(old), uintptr(new)) {
			return old, true
		}
		cur := atomic.LoadUintptr(p)
		if cur != uintptr(old) {
			return Ref(cur), false
		}
	}
}
