package refproc

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/metrics"
	"github.com/gcglue/gcglue/slot"
)

// cell is a reference field of a test object.
type cell struct {
	v atomic.Uintptr
}

func (c *cell) Load() slot.Ref   { return slot.Ref(c.v.Load()) }
func (c *cell) Store(r slot.Ref) { c.v.Store(uintptr(r)) }
func (c *cell) Address() uintptr { return 0 }
func (c *cell) CompareExchange(old, new slot.Ref) (slot.Ref, bool) {
	for {
		if c.v.CompareAndSwap(uintptr(old), uintptr(new)) {
			return old, true
		}
		if cur := c.v.Load(); cur != uintptr(old) {
			return slot.Ref(cur), false
		}
	}
}

type object struct {
	referent   cell
	discovered cell
}

// testHeap is a tiny object model. References are small integers; a copying
// trace gives every traced object a new number.
type testHeap struct {
	mu      sync.Mutex
	objects map[slot.Ref]*object
	live    map[slot.Ref]bool
	forward map[slot.Ref]slot.Ref
	last    slot.Ref
	moving  bool

	pending   atomic.Uintptr
	emergency bool
	begun     atomic.Int32
	flushes   atomic.Int32
}

func newTestHeap(moving bool) *testHeap {
	return &testHeap{
		objects: make(map[slot.Ref]*object),
		live:    make(map[slot.Ref]bool),
		forward: make(map[slot.Ref]slot.Ref),
		moving:  moving,
	}
}

func (h *testHeap) alloc() slot.Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked()
}

func (h *testHeap) allocLocked() slot.Ref {
	h.last += 8
	h.objects[h.last] = &object{}
	return h.last
}

// newRef allocates a reference object pointing at referent. Reference
// objects are always live: the trace reached them before discovering them.
func (h *testHeap) newRef(referent slot.Ref) slot.Ref {
	r := h.alloc()
	h.obj(r).referent.Store(referent)
	h.mu.Lock()
	h.live[r] = true
	h.mu.Unlock()
	return r
}

func (h *testHeap) obj(r slot.Ref) *object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.objects[r]
	if o == nil {
		panic("test heap: no object at this address")
	}
	return o
}

// move relocates r, as a copying collector scanning it after discovery would.
func (h *testHeap) move(r slot.Ref) slot.Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.moveLocked(r)
}

func (h *testHeap) moveLocked(r slot.Ref) slot.Ref {
	if to, ok := h.forward[r]; ok {
		return to
	}
	to := h.allocLocked()
	from := h.objects[r]
	h.objects[to].referent.Store(from.referent.Load())
	h.objects[to].discovered.Store(from.discovered.Load())
	h.forward[r] = to
	delete(h.live, r)
	h.live[to] = true
	return to
}

func (h *testHeap) IsLive(r slot.Ref) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[r] || !h.forward[r].IsNull()
}

func (h *testHeap) Forwarded(r slot.Ref) (slot.Ref, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	to, ok := h.forward[r]
	return to, ok
}

func (h *testHeap) ReferentSlot(r slot.Ref) slot.Slot   { return &h.obj(r).referent }
func (h *testHeap) DiscoveredSlot(r slot.Ref) slot.Slot { return &h.obj(r).discovered }

func (h *testHeap) SwapPendingListHead(head slot.Ref) slot.Ref {
	return slot.Ref(h.pending.Swap(uintptr(head)))
}

func (h *testHeap) IsEmergencyCollection() bool { return h.emergency }
func (h *testHeap) BeginReferenceProcessing()   { h.begun.Add(1) }

func (h *testHeap) TraceObject(w *gcwork.Worker, r slot.Ref) slot.Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moving {
		return h.moveLocked(r)
	}
	h.live[r] = true
	return r
}

func (h *testHeap) Flush(w *gcwork.Worker) { h.flushes.Add(1) }

// setLive marks a referent as reached by the trace.
func (h *testHeap) setLive(r slot.Ref) {
	h.mu.Lock()
	h.live[r] = true
	h.mu.Unlock()
}

// takePending empties the pending queue and returns its contents, newest
// first.
func (h *testHeap) takePending() []slot.Ref {
	var refs []slot.Ref
	r := slot.Ref(h.pending.Swap(0))
	for !r.IsNull() {
		refs = append(refs, r)
		link := &h.obj(r).discovered
		next := link.Load()
		link.Store(slot.Null)
		if next == r {
			panic("test heap: pending queue ends in a self-loop")
		}
		r = next
	}
	return refs
}

func newTestProcessor(h *testHeap, workers int, opts Options) (*Processor, *gcwork.Pool) {
	pool := gcwork.NewPool(workers)
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return New(pool, h, h, h, opts), pool
}

// expectFatal runs fn and checks that it fails with an invariant error.
func expectFatal(t *testing.T, fn func()) {
	t.Helper()
	diagnostics.SetLevel(diagnostics.LevelQuiet)
	defer diagnostics.SetLevel(diagnostics.LevelInfo)
	defer func() {
		t.Helper()
		if _, ok := recover().(*diagnostics.InvariantError); !ok {
			t.Error("expected an invariant violation")
		}
	}()
	fn()
}
