package simvm

import (
	"sync"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/rootscan"
	"github.com/gcglue/gcglue/slot"
)

const (
	// Objects per closure packet.
	scanPacketSize = 256
	// Arrays with more fields are scanned in chunks by separate packets.
	arrayChunk = 1024
)

// Tracer computes the transitive closure of the roots. It marks objects in
// place or, with a moving plan, copies them. It implements refproc.Tracer and
// rootscan.Factory.
type Tracer struct {
	vm *VM
	// Objects traced but not scanned yet, per worker.
	local [][]slot.Ref

	weakMu sync.Mutex
	weak   []slot.RootSlot
}

func newTracer(vm *VM, workers int) *Tracer {
	return &Tracer{vm: vm, local: make([][]slot.Ref, workers)}
}

func (t *Tracer) TraceObject(w *gcwork.Worker, r slot.Ref) slot.Ref {
	if r.IsNull() {
		return r
	}
	h := t.vm.heap
	if !h.Contains(r) && !(h.moving && h.copySpace().contains(uintptr(r))) {
		diagnostics.Fatal("simvm", "traced %#x outside the heap", uintptr(r))
	}
	if h.moving {
		to, copied := h.forward(r)
		if copied {
			t.push(w, to)
		}
		return to
	}
	if h.mark(r) {
		t.push(w, r)
	}
	return r
}

func (t *Tracer) push(w *gcwork.Worker, r slot.Ref) {
	q := &t.local[w.Ordinal()]
	*q = append(*q, r)
	if len(*q) >= scanPacketSize {
		t.Flush(w)
	}
}

func (t *Tracer) Flush(w *gcwork.Worker) {
	q := &t.local[w.Ordinal()]
	if len(*q) == 0 {
		return
	}
	objs := *q
	*q = nil
	w.Scheduler().Add(gcwork.StageClosure, &scanObjects{t: t, objs: objs})
}

// traceSlot traces the object in s and updates s if it moved.
func (t *Tracer) traceSlot(w *gcwork.Worker, s slot.Slot) {
	r := s.Load()
	if r.IsNull() {
		return
	}
	if to := t.TraceObject(w, r); to != r {
		s.Store(to)
	}
}

func (t *Tracer) scan(w *gcwork.Worker, obj slot.Ref) {
	h := t.vm.heap
	kind := h.Kind(obj)
	if kind == KindInvalid {
		diagnostics.Fatal("simvm", "scanning %#x, which is not an object", uintptr(obj))
	}
	first := h.userField(obj)
	fields := h.Fields(obj)
	if fields.Len()-first > arrayChunk {
		tail := t.vm.enc.Range(fields.Start()+uintptr(first)*t.vm.enc.FieldBytes(), fields.End())
		var packets []gcwork.Packet
		for _, chunk := range tail.Chunks(arrayChunk) {
			packets = append(packets, &scanChunk{t: t, obj: obj, fields: chunk})
		}
		w.Scheduler().AddBulk(gcwork.StageClosure, packets)
	} else {
		t.scanFields(w, obj, first, fields.Len())
	}

	rk, ok := kind.reference()
	if !ok {
		return
	}
	// A reference object still on the pending queue keeps the rest of the
	// queue alive.
	t.traceSlot(w, h.DiscoveredSlot(obj))
	if t.vm.discoverable(rk) && t.vm.refs.Discover(w, obj, rk) {
		return
	}
	t.traceSlot(w, h.ReferentSlot(obj))
}

// scanFields traces the reference fields of obj in [from, to).
func (t *Tracer) scanFields(w *gcwork.Worker, obj slot.Ref, from, to int) {
	h := t.vm.heap
	first := h.userField(obj)
	layout := h.Layout(obj)
	for i := from; i < to; i++ {
		if layout.pointer(i - first) {
			t.traceSlot(w, h.Field(obj, i))
		}
	}
}

func (t *Tracer) CreateProcessRootsWork(roots []slot.RootSlot, kind rootscan.RootKind) {
	if kind == rootscan.RootWeak {
		t.weakMu.Lock()
		t.weak = append(t.weak, roots...)
		t.weakMu.Unlock()
		return
	}
	t.vm.pool.Add(gcwork.StageClosure, &processRoots{t: t, roots: roots})
}

// processWeakRoots updates weak roots once the closure is complete: roots to
// moved objects are forwarded and roots to dead objects are cleared.
// Every weak handle is registered again for the next collection, null or
// not, since the mutator may store into a cleared handle.
func (t *Tracer) processWeakRoots() (cleared int) {
	t.weakMu.Lock()
	roots := t.weak
	t.weak = nil
	t.weakMu.Unlock()

	h := t.vm.heap
	handles := t.vm.roots.WeakHandles()
	for _, root := range roots {
		r := root.Load()
		if !r.IsNull() {
			if to, ok := h.Forwarded(r); ok {
				root.Store(to)
			} else if !h.IsLive(r) {
				root.Store(slot.Null)
				cleared++
			}
		}
		if t.vm.weakTable.contains(root.Address()) {
			handles.Register(root)
		}
	}
	return cleared
}

// processRoots traces one batch of strong roots.
type processRoots struct {
	t     *Tracer
	roots []slot.RootSlot
}

func (p *processRoots) Do(w *gcwork.Worker) {
	for _, root := range p.roots {
		p.t.traceSlot(w, root)
	}
	p.t.Flush(w)
}

// scanObjects scans traced objects.
type scanObjects struct {
	t    *Tracer
	objs []slot.Ref
}

func (s *scanObjects) Do(w *gcwork.Worker) {
	for _, obj := range s.objs {
		s.t.scan(w, obj)
	}
	s.t.Flush(w)
}

// scanChunk scans part of a large array.
type scanChunk struct {
	t      *Tracer
	obj    slot.Ref
	fields slot.Range
}

func (s *scanChunk) Do(w *gcwork.Worker) {
	h := s.t.vm.heap
	base := h.Fields(s.obj).Start()
	step := s.t.vm.enc.FieldBytes()
	from := int((s.fields.Start() - base) / step)
	s.t.scanFields(w, s.obj, from, from+s.fields.Len())
	s.t.Flush(w)
}
