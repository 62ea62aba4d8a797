package simvm

import (
	"github.com/gcglue/gcglue/rootscan"
	"github.com/gcglue/gcglue/slot"
)

// RootTable is a fixed-size array of root slots outside the heap, such as a
// handle table or a thread stack.
type RootTable struct {
	vm         *VM
	start      uintptr
	n          int
	compressed bool
}

func (t *RootTable) Len() int { return t.n }

func (t *RootTable) Slot(i int) slot.RootSlot {
	if i < 0 || i >= t.n {
		panic("simvm: root index out of range")
	}
	return t.vm.enc.Root(slot.TagRoot(t.start+uintptr(i)*8, t.compressed))
}

func (t *RootTable) Get(i int) slot.Ref { return t.Slot(i).Load() }

func (t *RootTable) Set(i int, r slot.Ref) { t.Slot(i).Store(r) }

// Clear nulls every slot.
func (t *RootTable) Clear() {
	for i := 0; i < t.n; i++ {
		t.Set(i, slot.Null)
	}
}

func (t *RootTable) Slots() []slot.RootSlot {
	slots := make([]slot.RootSlot, t.n)
	for i := range slots {
		slots[i] = t.Slot(i)
	}
	return slots
}

func (t *RootTable) contains(addr uintptr) bool {
	return addr >= t.start && addr < t.start+uintptr(t.n)*8
}

func (t *RootTable) enumerator() rootscan.Enumerator {
	return &rootscan.SliceEnumerator{Roots: t.Slots()}
}

// ClassLoader is a class loader with strong and weak roots.
type ClassLoader struct {
	Strong *RootTable
	Weak   *RootTable
}

func (l *ClassLoader) Roots(weak bool) rootscan.Enumerator {
	if weak {
		return l.Weak.enumerator()
	}
	return l.Strong.enumerator()
}
