package simvm

import (
	"fmt"

	"github.com/sigurn/crc16"
	"golang.org/x/tools/container/intsets"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/slot"
)

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Limit on the errors collected by Verify.
const maxVerifyErrors = 20

// origin is where a reference was found: a root slot or a field of an
// object.
type origin struct {
	root   uintptr
	object slot.Ref
	field  int
}

func (o origin) String() string {
	if o.object.IsNull() {
		return fmt.Sprintf("root %#x", o.root)
	}
	return fmt.Sprintf("object %#x field %d", uintptr(o.object), o.field)
}

// reachable walks the object graph from every root, the pending queue
// included, and calls fn once per object. fn returns errors for the object;
// references to things that are not objects are reported without calling fn.
func (vm *VM) reachable(fn func(r slot.Ref) []error) []error {
	var (
		seen  intsets.Sparse
		errs  []error
		stack []slot.Ref
	)
	h := vm.heap
	visit := func(from origin, r slot.Ref) {
		if r.IsNull() || seen.Has(int(r)) {
			return
		}
		if !h.Contains(r) {
			errs = append(errs, fmt.Errorf("%s: %#x is outside the heap", from, uintptr(r)))
			return
		}
		if k := h.Kind(r); k == KindInvalid || k >= numKinds {
			errs = append(errs, fmt.Errorf("%s: %#x has invalid kind %d", from, uintptr(r), k))
			return
		}
		seen.Insert(int(r))
		stack = append(stack, r)
	}

	var tables []*RootTable
	for _, ts := range vm.tables {
		tables = append(tables, ts...)
	}
	tables = append(tables, vm.stacks...)
	for _, l := range vm.loaders {
		tables = append(tables, l.Strong, l.Weak)
	}
	tables = append(tables, vm.weakTable)
	for _, t := range tables {
		for _, s := range t.Slots() {
			visit(origin{root: s.Address()}, s.Load())
		}
	}
	vm.roots.CodeRoots().Each(func(s slot.RootSlot) {
		visit(origin{root: s.Address()}, s.Load())
	})

	for len(stack) > 0 && len(errs) < maxVerifyErrors {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		errs = append(errs, fn(r)...)
		if _, ok := h.Kind(r).reference(); ok {
			visit(origin{object: r, field: referentField}, h.ReferentSlot(r).Load())
			visit(origin{object: r, field: discoveredField}, h.DiscoveredSlot(r).Load())
		}
		first := h.userField(r)
		layout := h.Layout(r)
		for i, n := first, h.NumFields(r); i < n; i++ {
			if layout.pointer(i - first) {
				visit(origin{object: r, field: i}, h.Field(r, i).Load())
			}
		}
	}
	return errs
}

// Verify checks the heap after a collection: every object reachable from the
// roots must be a valid, unmarked object that was neither freed nor left
// behind by a copy.
func (vm *VM) Verify() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	h := vm.heap
	errs := vm.reachable(func(r slot.Ref) []error {
		state := *h.state(r)
		var errs []error
		if state&stateDead != 0 {
			errs = append(errs, fmt.Errorf("object %#x is reachable but was freed", uintptr(r)))
		}
		if state&stateForwarded != 0 {
			errs = append(errs, fmt.Errorf("object %#x is reachable but was moved", uintptr(r)))
		}
		if state&(stateMarked|stateBusy) != 0 {
			errs = append(errs, fmt.Errorf("object %#x still has collection flags %#x", uintptr(r), state&stateFlags))
		}
		return errs
	})
	if len(errs) == 0 {
		return nil
	}
	return &diagnostics.MultiError{Component: "simvm", Errs: errs}
}

// Checksum summarizes the payloads and kinds of every reachable object. It
// does not depend on addresses, so it is stable across moving collections.
func (vm *VM) Checksum() (sum uint64, objects int) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	h := vm.heap
	var buf [9]byte
	vm.reachable(func(r slot.Ref) []error {
		p := h.Payload(r)
		for i := 0; i < 8; i++ {
			buf[i] = byte(p >> (8 * i))
		}
		buf[8] = byte(h.Kind(r))
		sum += uint64(crc16.Checksum(buf[:], crcTable))
		objects++
		return nil
	})
	return sum, objects
}
