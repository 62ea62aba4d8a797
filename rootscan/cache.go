package rootscan

import (
	"sync"

	"github.com/gcglue/gcglue/slot"
)

// CodeRoots caches the roots embedded in compiled code units, keyed by the
// address of the unit. Units registered since the last collection sit in the
// nursery table; a collection scans them and moves them to the mature table,
// which is only scanned again by full collections.
type CodeRoots struct {
	mu      sync.Mutex
	nursery map[uintptr][]slot.RootSlot
	mature  map[uintptr][]slot.RootSlot
}

func (t *CodeRoots) init() {
	t.nursery = make(map[uintptr][]slot.RootSlot)
	t.mature = make(map[uintptr][]slot.RootSlot)
}

// Register records roots of a code unit. Roots registered for the same unit
// before the next scan are combined; after a scan the unit's roots are
// replaced by what was registered since.
func (t *CodeRoots) Register(unit uintptr, roots []slot.RootSlot) {
	t.mu.Lock()
	t.nursery[unit] = append(t.nursery[unit], roots...)
	t.mu.Unlock()
}

// Unregister forgets a code unit. It must not be called while roots are
// being scanned.
func (t *CodeRoots) Unregister(unit uintptr) {
	t.mu.Lock()
	delete(t.nursery, unit)
	delete(t.mature, unit)
	t.mu.Unlock()
}

// Len returns the number of units in the nursery and mature tables.
func (t *CodeRoots) Len() (nursery, mature int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nursery), len(t.mature)
}

// Each calls fn for every registered root.
func (t *CodeRoots) Each(fn func(slot.RootSlot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, table := range []map[uintptr][]slot.RootSlot{t.mature, t.nursery} {
		for _, roots := range table {
			for _, r := range roots {
				fn(r)
			}
		}
	}
}

func (t *CodeRoots) scan(b *batcher, nurseryOnly bool) {
	t.mu.Lock()
	nursery := t.nursery
	t.nursery = make(map[uintptr][]slot.RootSlot)
	t.mu.Unlock()

	// Only the scan packet touches the mature table during a collection.
	if !nurseryOnly {
		for _, roots := range t.mature {
			b.push(roots...)
		}
	}
	for _, roots := range nursery {
		b.push(roots...)
	}
	b.flush()

	if len(nursery) == 0 {
		return
	}
	merged := make(map[uintptr][]slot.RootSlot, len(t.mature)+len(nursery))
	for unit, roots := range t.mature {
		merged[unit] = roots
	}
	for unit, roots := range nursery {
		merged[unit] = roots
	}
	t.mu.Lock()
	t.mature = merged
	t.mu.Unlock()
}

// WeakHandles buffers weak handle roots created since the last collection.
type WeakHandles struct {
	mu      sync.Mutex
	nursery []slot.RootSlot
}

func (h *WeakHandles) Register(root slot.RootSlot) {
	h.mu.Lock()
	h.nursery = append(h.nursery, root)
	h.mu.Unlock()
}

func (h *WeakHandles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nursery)
}

func (h *WeakHandles) scan(b *batcher) {
	h.mu.Lock()
	roots := h.nursery
	h.nursery = nil
	h.mu.Unlock()
	b.push(roots...)
	b.flush()
}

// batcher collects roots into buffers of a fixed capacity and flushes each
// buffer to the factory when it is full.
type batcher struct {
	size    int
	kind    RootKind
	factory Factory
	buf     []slot.RootSlot
	count   int
	batches int
}

func (b *batcher) push(roots ...slot.RootSlot) {
	for len(roots) > 0 {
		if b.buf == nil {
			b.buf = make([]slot.RootSlot, 0, b.size)
		}
		n := copy(b.buf[len(b.buf):cap(b.buf)], roots)
		b.buf = b.buf[:len(b.buf)+n]
		roots = roots[n:]
		if len(b.buf) == cap(b.buf) {
			b.flush()
		}
	}
}

func (b *batcher) flush() {
	if len(b.buf) == 0 {
		return
	}
	b.count += len(b.buf)
	b.batches++
	b.factory.CreateProcessRootsWork(b.buf, b.kind)
	b.buf = nil
}
