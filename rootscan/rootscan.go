// Package rootscan enumerates the roots a host runtime holds outside the heap
// and hands them to the tracer in bounded batches.
//
// Every root category (the universe, handle tables, compiled code, thread
// stacks, ...) is scanned by its own packet. A packet repeatedly lets the
// host fill a buffer of at most Options.BufferSize roots and passes every
// filled buffer on to the tracer as a separate unit of work. At most one
// buffer per category is being filled at any time.
//
// Two categories are cached here instead of being enumerated by the host:
// roots embedded in compiled code (CodeRoots) and weak handles
// (WeakHandles). Class loaders are scanned by several packets that claim
// loaders one at a time.
package rootscan

import (
	"fmt"

	"github.com/gcglue/gcglue/slot"
)

// Category is a group of roots scanned together.
type Category uint8

const (
	Universe Category = iota
	Handles
	Synchronizer
	Management
	ToolingExport
	AOTLoader
	SystemDictionary
	StringTable
	CodeCache
	ClassGraph
	WeakHandleRoots
	VMThread
	MutatorStacks
	numCategories
)

// HostCategories are enumerated by the host; the rest are scanned from state
// kept by the coordinator.
var HostCategories = []Category{
	Universe,
	Handles,
	Synchronizer,
	Management,
	ToolingExport,
	AOTLoader,
	SystemDictionary,
	StringTable,
	VMThread,
}

var categoryNames = [numCategories]string{
	"universe",
	"handles",
	"synchronizer",
	"management",
	"tooling-export",
	"aot-loader",
	"system-dictionary",
	"string-table",
	"code-cache",
	"class-graph",
	"weak-handles",
	"vm-thread",
	"mutator-stacks",
}

func (c Category) String() string {
	if c < numCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// RootKind tells the tracer how to treat a batch.
type RootKind uint8

const (
	// Strong roots keep their targets alive.
	RootStrong RootKind = iota
	// Weak roots are updated if their target survives and cleared if not.
	RootWeak
)

func (k RootKind) String() string {
	if k == RootWeak {
		return "weak"
	}
	return "strong"
}

// Enumerator produces the roots of one category.
type Enumerator interface {
	// Fill appends roots to buf until len(buf) == cap(buf) or there are no
	// more roots, and returns the result. more is false once the enumerator
	// is exhausted. The returned slice is owned by the caller.
	Fill(buf []slot.RootSlot) (filled []slot.RootSlot, more bool)
}

// EnumeratorFunc adapts a function to the Enumerator interface.
type EnumeratorFunc func(buf []slot.RootSlot) ([]slot.RootSlot, bool)

func (f EnumeratorFunc) Fill(buf []slot.RootSlot) ([]slot.RootSlot, bool) { return f(buf) }

// SliceEnumerator enumerates a fixed list of roots.
type SliceEnumerator struct {
	Roots []slot.RootSlot
	next  int
}

func (e *SliceEnumerator) Fill(buf []slot.RootSlot) ([]slot.RootSlot, bool) {
	n := copy(buf[len(buf):cap(buf)], e.Roots[e.next:])
	e.next += n
	return buf[:len(buf)+n], e.next < len(e.Roots)
}

// ClassLoader is a node of the class graph.
type ClassLoader interface {
	// Roots returns a fresh enumerator over the loader's strong or weak
	// roots.
	Roots(weak bool) Enumerator
}

// Host is the runtime whose roots are scanned. Enumerators are stateful, so
// every call returns new ones.
type Host interface {
	// Enumerator returns the enumerator of a host category, or nil if the
	// host has no roots of that category.
	Enumerator(c Category) Enumerator
	// Mutators returns one enumerator per mutator thread stack.
	Mutators() []Enumerator
	ClassLoaders() []ClassLoader
	// ScanWeakClassRoots reports whether the plan treats weak class roots
	// separately from strong ones in this collection.
	ScanWeakClassRoots() bool
	// NurseryCollection reports whether this collection only needs roots that
	// were added since the previous one.
	NurseryCollection() bool
}

// Factory turns root batches into tracing work.
type Factory interface {
	CreateProcessRootsWork(roots []slot.RootSlot, kind RootKind)
}
