package simvm

// The simulated heap is a bump allocator over an arena. With a moving plan
// the arena is split into two semispaces; a collection copies every reachable
// object from the current space into the other one and then flips them.
// Without one the heap never reuses memory: unreachable objects are flagged
// dead by the collection and stay where they are.
//
// Every object starts with four header words:
//
//	| word | contents
//	|------|---------
//	| 0    | state: flag bits, kind (bits 8-15)
//	| 1    | forwarding address, valid when the forwarded flag is set
//	| 2    | field count (low 32 bits) and encoded layout (high 32 bits)
//	| 3    | payload, an opaque word owned by the mutator
//
// The fields follow the header. Each is slot.Encoding.FieldBytes() wide, and
// the object is padded to a multiple of 8 bytes. Reference objects (soft,
// weak, final and phantom) use field 0 for the referent and field 1 for the
// discovery link; their layout only describes the fields after those two.

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/refproc"
	"github.com/gcglue/gcglue/slot"
)

const (
	headerWords = 4
	headerBytes = headerWords * 8
	objectAlign = 8

	stateMarked    = 1 << 0
	stateForwarded = 1 << 1
	stateBusy      = 1 << 2 // being copied
	stateDead      = 1 << 3
	stateFlags     = stateMarked | stateForwarded | stateBusy | stateDead
	kindShift      = 8

	// Fields of reference objects that the layout does not describe.
	referentField   = 0
	discoveredField = 1
	referenceFields = 2
)

// Kind is the type of a heap object.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPlain
	KindSoft
	KindWeak
	KindFinal
	KindPhantom
	numKinds
)

// ReferenceKind returns the kind of a reference object of the given strength.
func ReferenceKind(k refproc.Kind) Kind {
	return KindSoft + Kind(k)
}

// reference returns the strength of a reference object.
func (k Kind) reference() (refproc.Kind, bool) {
	if k < KindSoft || k >= numKinds {
		return 0, false
	}
	return refproc.Kind(k - KindSoft), true
}

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindInvalid:
		return "invalid"
	}
	if rk, ok := k.reference(); ok {
		return rk.String()
	}
	return "unknown"
}

// Layout describes which fields of an object hold references. Bit i of Bits
// is set when field i may hold a reference. The bitstring is Size bits long
// and repeats, so one layout describes arrays of any length.
type Layout struct {
	Size uint8
	Bits uint32
}

const maxLayoutSize = 27

var (
	NoPtrs   = Layout{Size: 1, Bits: 0}
	Pointers = Layout{Size: 1, Bits: 1}
)

func (l Layout) pointer(i int) bool {
	if l.Size == 0 {
		return false
	}
	return l.Bits>>(i%int(l.Size))&1 != 0
}

func (l Layout) encode() uint32 {
	return uint32(l.Size) | l.Bits<<5
}

func decodeLayout(v uint32) Layout {
	return Layout{Size: uint8(v & 0x1f), Bits: v >> 5}
}

// space is one bump-allocated region of the arena.
type space struct {
	start, end uintptr
	top        atomic.Uintptr
}

func (s *space) init(start, end uintptr) {
	s.start, s.end = start, end
	s.top.Store(start)
}

func (s *space) alloc(size uintptr) (uintptr, bool) {
	for {
		top := s.top.Load()
		if top+size > s.end {
			return 0, false
		}
		if s.top.CompareAndSwap(top, top+size) {
			return top, true
		}
	}
}

func (s *space) contains(a uintptr) bool {
	return a >= s.start && a < s.top.Load()
}

// Heap is the object store of a VM. It implements refproc.ObjectModel.
type Heap struct {
	arena  *Arena
	enc    *slot.Encoding
	moving bool
	spaces [2]space
	cur    int
}

func newHeap(arena *Arena, enc *slot.Encoding, moving bool) *Heap {
	h := &Heap{arena: arena, enc: enc, moving: moving}
	start, end := arena.Start(), arena.End()
	if moving {
		mid := start + (end-start)/2&^(objectAlign-1)
		h.spaces[0].init(start, mid)
		h.spaces[1].init(mid, end)
	} else {
		h.spaces[0].init(start, end)
	}
	return h
}

func (h *Heap) current() *space { return &h.spaces[h.cur] }

func (h *Heap) copySpace() *space { return &h.spaces[1-h.cur] }

// Contains reports whether r points into allocated memory of the current
// space.
func (h *Heap) Contains(r slot.Ref) bool {
	return h.current().contains(uintptr(r))
}

// Used returns the bytes allocated in the current space.
func (h *Heap) Used() uintptr {
	s := h.current()
	return s.top.Load() - s.start
}

// Capacity returns the bytes a space can hold.
func (h *Heap) Capacity() uintptr {
	s := h.current()
	return s.end - s.start
}

func objectSize(enc *slot.Encoding, fields int) uintptr {
	size := headerBytes + uintptr(fields)*enc.FieldBytes()
	return (size + objectAlign - 1) &^ (objectAlign - 1)
}

func word(a uintptr, i int) *uint64 {
	return (*uint64)(unsafe.Pointer(a + uintptr(i)*8))
}

func (h *Heap) state(r slot.Ref) *uint64 { return word(uintptr(r), 0) }

func (h *Heap) forwardWord(r slot.Ref) *uint64 { return word(uintptr(r), 1) }

func (h *Heap) info(r slot.Ref) uint64 { return atomic.LoadUint64(word(uintptr(r), 2)) }

// alloc places a new object in the current space. It returns Null when the
// space is full.
func (h *Heap) alloc(kind Kind, fields int, layout Layout, payload uint64) slot.Ref {
	if layout.Size > maxLayoutSize {
		diagnostics.Fatal("simvm", "layout of %d fields does not fit in a header", layout.Size)
	}
	if _, ok := kind.reference(); ok && fields < referenceFields {
		diagnostics.Fatal("simvm", "%s reference object with %d fields", kind, fields)
	}
	size := objectSize(h.enc, fields)
	a, ok := h.current().alloc(size)
	if !ok {
		return slot.Null
	}
	// Memory handed out by a space is zero: fresh from the arena or cleared
	// by the flip.
	*word(a, 1) = 0
	*word(a, 2) = uint64(uint32(fields)) | uint64(layout.encode())<<32
	*word(a, 3) = payload
	atomic.StoreUint64(word(a, 0), uint64(kind)<<kindShift)
	return slot.Ref(a)
}

func (h *Heap) Kind(r slot.Ref) Kind {
	return Kind(atomic.LoadUint64(h.state(r)) >> kindShift)
}

func (h *Heap) NumFields(r slot.Ref) int {
	return int(uint32(h.info(r)))
}

func (h *Heap) Layout(r slot.Ref) Layout {
	return decodeLayout(uint32(h.info(r) >> 32))
}

func (h *Heap) Payload(r slot.Ref) uint64 {
	return atomic.LoadUint64(word(uintptr(r), 3))
}

func (h *Heap) Size(r slot.Ref) uintptr {
	return objectSize(h.enc, h.NumFields(r))
}

// Field returns field i of r.
func (h *Heap) Field(r slot.Ref, i int) slot.FieldSlot {
	if i < 0 || i >= h.NumFields(r) {
		diagnostics.Fatal("simvm", "field %d of %#x out of range (%d fields)", i, uintptr(r), h.NumFields(r))
	}
	return h.enc.Field(uintptr(r) + headerBytes + uintptr(i)*h.enc.FieldBytes())
}

// Fields returns all fields of r.
func (h *Heap) Fields(r slot.Ref) slot.Range {
	start := uintptr(r) + headerBytes
	return h.enc.Range(start, start+uintptr(h.NumFields(r))*h.enc.FieldBytes())
}

// userField returns the first field described by the layout of r.
func (h *Heap) userField(r slot.Ref) int {
	if _, ok := h.Kind(r).reference(); ok {
		return referenceFields
	}
	return 0
}

func (h *Heap) IsLive(r slot.Ref) bool {
	return atomic.LoadUint64(h.state(r))&(stateMarked|stateForwarded) != 0
}

func (h *Heap) IsDead(r slot.Ref) bool {
	return atomic.LoadUint64(h.state(r))&stateDead != 0
}

func (h *Heap) Forwarded(r slot.Ref) (slot.Ref, bool) {
	if atomic.LoadUint64(h.state(r))&stateForwarded == 0 {
		return slot.Null, false
	}
	return slot.Ref(atomic.LoadUint64(h.forwardWord(r))), true
}

func (h *Heap) ReferentSlot(r slot.Ref) slot.Slot {
	return h.Field(r, referentField)
}

func (h *Heap) DiscoveredSlot(r slot.Ref) slot.Slot {
	return h.Field(r, discoveredField)
}

// mark sets the mark bit of r. It returns true if this call marked it.
func (h *Heap) mark(r slot.Ref) bool {
	p := h.state(r)
	for {
		old := atomic.LoadUint64(p)
		if old&stateMarked != 0 {
			return false
		}
		if old&stateDead != 0 {
			diagnostics.Fatal("simvm", "marking dead object %#x", uintptr(r))
		}
		if atomic.CompareAndSwapUint64(p, old, old|stateMarked) {
			return true
		}
	}
}

// forward copies r to the copy space unless that already happened, and
// returns the new address. copied is true for the call that made the copy.
func (h *Heap) forward(r slot.Ref) (to slot.Ref, copied bool) {
	p := h.state(r)
	for {
		old := atomic.LoadUint64(p)
		switch {
		case old&stateForwarded != 0:
			return slot.Ref(atomic.LoadUint64(h.forwardWord(r))), false
		case old&stateMarked != 0:
			// Already a copy.
			return r, false
		case old&stateBusy != 0:
			runtime.Gosched()
			continue
		}
		if !atomic.CompareAndSwapUint64(p, old, old|stateBusy) {
			continue
		}
		to = h.copy(r, old)
		atomic.StoreUint64(h.forwardWord(r), uint64(to))
		atomic.StoreUint64(p, old|stateForwarded)
		return to, true
	}
}

func (h *Heap) copy(r slot.Ref, state uint64) slot.Ref {
	size := h.Size(r)
	a, ok := h.copySpace().alloc(size)
	if !ok {
		diagnostics.Fatal("simvm", "copy space exhausted copying %#x (%d bytes)", uintptr(r), size)
	}
	copy(h.arena.bytes(a+8, a+size), h.arena.bytes(uintptr(r)+8, uintptr(r)+size))
	*word(a, 1) = 0
	atomic.StoreUint64(word(a, 0), state&^stateFlags|stateMarked)
	return slot.Ref(a)
}

// walk calls fn for every object in s.
func (h *Heap) walk(s *space, fn func(r slot.Ref)) {
	top := s.top.Load()
	for a := s.start; a < top; {
		r := slot.Ref(a)
		if h.Kind(r) == KindInvalid {
			diagnostics.Fatal("simvm", "heap walk hit a hole at %#x", a)
		}
		fn(r)
		a += h.Size(r)
	}
}

// release ends a collection. It returns the number of live objects and
// bytes.
func (h *Heap) release() (objects int, bytes uintptr) {
	if h.moving {
		to := h.copySpace()
		h.walk(to, func(r slot.Ref) {
			p := h.state(r)
			atomic.StoreUint64(p, atomic.LoadUint64(p)&^stateMarked)
			objects++
		})
		from := h.current()
		h.arena.zero(from.start, from.top.Load())
		from.top.Store(from.start)
		h.cur = 1 - h.cur
		return objects, h.Used()
	}
	h.walk(h.current(), func(r slot.Ref) {
		p := h.state(r)
		old := atomic.LoadUint64(p)
		switch {
		case old&stateMarked != 0:
			atomic.StoreUint64(p, old&^stateMarked)
			objects++
			bytes += h.Size(r)
		case old&stateDead == 0:
			atomic.StoreUint64(p, old|stateDead)
		}
	})
	return objects, bytes
}
