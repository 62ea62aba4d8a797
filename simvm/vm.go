// Package simvm is a small simulated runtime that hosts the collector glue.
//
// A VM owns an arena heap of plain and reference objects, root tables for
// every host root category, mutator stacks, class loaders, code units and
// weak handles. Collect runs one full stop-the-world cycle through gcwork,
// rootscan and refproc. It exists so that the glue can be driven end to end
// by tests and by the gcglue command.
package simvm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcenv"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/metrics"
	"github.com/gcglue/gcglue/refproc"
	"github.com/gcglue/gcglue/rootscan"
	"github.com/gcglue/gcglue/slot"
)

// ErrHeapFull is returned by allocations that do not fit in the heap. The
// mutator is expected to collect and retry.
var ErrHeapFull = errors.New("simvm: heap full")

const (
	rootArenaSize = 1 << 20
	weakHandleCap = 4096

	// Universe slots reserved by the VM.
	pendingSlot  = 0
	sentinelSlot = 1
	universeUsed = 2
)

// VM is a simulated runtime. Mutator methods must not be called during
// Collect.
type VM struct {
	cfg  gcenv.Config
	plan gcenv.Plan
	enc  slot.Encoding

	arena     *Arena
	rootArena *Arena
	rootTop   uintptr

	heap   *Heap
	pool   *gcwork.Pool
	tracer *Tracer
	refs   *refproc.Processor
	roots  *rootscan.Coordinator

	metrics *metrics.Registry
	begun   *metrics.Counter

	mu        sync.Mutex
	tables    map[rootscan.Category][]*RootTable
	universe  *RootTable
	stacks    []*RootTable
	loaders   []*ClassLoader
	weakTable *RootTable
	weakUsed  int

	emergency bool
	stats     GCStats
}

// New creates a VM for cfg. Counters go to a registry of their own, see
// Metrics.
func New(cfg gcenv.Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size, err := cfg.HeapBytes()
	if err != nil {
		return nil, err
	}
	vm := &VM{
		cfg:     cfg,
		plan:    cfg.SelectedPlan(),
		tables:  make(map[rootscan.Category][]*RootTable),
		metrics: metrics.NewRegistry(),
	}
	vm.arena, err = NewArena(uintptr(size))
	if err != nil {
		return nil, err
	}
	vm.rootArena, err = NewArena(rootArenaSize)
	if err != nil {
		vm.arena.Close()
		return nil, err
	}
	vm.rootTop = vm.rootArena.Start()

	vm.enc = slot.Uncompressed()
	if cfg.Compressed {
		vm.enc = slot.ChooseEncoding(vm.arena.Start(), vm.arena.End(), cfg.BaseOnly)
		if err := vm.enc.Validate(vm.arena.Start(), vm.arena.End()); err != nil {
			vm.Close()
			return nil, fmt.Errorf("compressed references: %w", err)
		}
	}

	vm.heap = newHeap(vm.arena, &vm.enc, vm.plan.Moving)
	vm.pool = gcwork.NewPool(cfg.Workers)
	vm.tracer = newTracer(vm, cfg.Workers)
	vm.refs = refproc.New(vm.pool, vm.heap, vm, vm.tracer, refproc.Options{
		NoReferenceTypes: cfg.NoReferenceTypes,
		NoFinalizer:      cfg.NoFinalizer,
		Metrics:          vm.metrics,
	})
	vm.roots = rootscan.New(vm.pool, rootscan.Options{
		BufferSize:       cfg.BufferSize,
		ThreadsPerPacket: cfg.ThreadsPerPacket,
		Breakdown:        cfg.RootsBreakdown,
		Metrics:          vm.metrics,
	})
	vm.begun = vm.metrics.Counter("/gc/refs/processing:cycles", "Collections that processed references.")

	vm.universe = vm.Table(rootscan.Universe, 64)
	vm.weakTable = vm.newTable(weakHandleCap, false)

	// The pending queue never ends in null: the last node links to a
	// sentinel object, so a null link always means "on no list".
	sentinel, err := vm.NewObject(0, NoPtrs, 0)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.universe.Set(sentinelSlot, sentinel)
	vm.universe.Set(pendingSlot, sentinel)

	diagnostics.Debugf("simvm", "%s heap of %s at %#x, %d workers",
		cfg.Plan, bytesize.New(float64(size)), vm.arena.Start(), cfg.Workers)
	return vm, nil
}

// Close releases the memory of the VM.
func (vm *VM) Close() error {
	return errors.Join(vm.arena.Close(), vm.rootArena.Close())
}

func (vm *VM) Heap() *Heap { return vm.heap }

func (vm *VM) Encoding() slot.Encoding { return vm.enc }

// Metrics returns the registry holding the counters of this VM.
func (vm *VM) Metrics() *metrics.Registry { return vm.metrics }

func (vm *VM) Processor() *refproc.Processor { return vm.refs }

func (vm *VM) Coordinator() *rootscan.Coordinator { return vm.roots }

// newTable carves a table of n slots out of the root arena.
func (vm *VM) newTable(n int, compressed bool) *RootTable {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	size := uintptr(n) * 8
	if vm.rootTop+size > vm.rootArena.End() {
		diagnostics.Fatal("simvm", "root arena exhausted (%s)", bytesize.New(float64(rootArenaSize)))
	}
	t := &RootTable{vm: vm, start: vm.rootTop, n: n, compressed: compressed && vm.enc.Compressed}
	vm.rootTop += size
	return t
}

// compressedCategory reports whether roots of a category hold compressed
// references when the heap uses them.
func compressedCategory(c rootscan.Category) bool {
	switch c {
	case rootscan.Handles, rootscan.StringTable, rootscan.SystemDictionary:
		return true
	}
	return false
}

// Table adds a table of n roots to a host category.
func (vm *VM) Table(c rootscan.Category, n int) *RootTable {
	t := vm.newTable(n, compressedCategory(c))
	vm.mu.Lock()
	vm.tables[c] = append(vm.tables[c], t)
	vm.mu.Unlock()
	return t
}

// Globals returns the slots of the Universe table the mutator may use.
func (vm *VM) Globals() []slot.RootSlot {
	return vm.universe.Slots()[universeUsed:]
}

// NewStack adds a mutator thread with a stack of n slots.
func (vm *VM) NewStack(n int) *RootTable {
	t := vm.newTable(n, false)
	vm.mu.Lock()
	vm.stacks = append(vm.stacks, t)
	vm.mu.Unlock()
	return t
}

func (vm *VM) NewClassLoader(strong, weak int) *ClassLoader {
	l := &ClassLoader{Strong: vm.newTable(strong, false), Weak: vm.newTable(weak, false)}
	vm.mu.Lock()
	vm.loaders = append(vm.loaders, l)
	vm.mu.Unlock()
	return l
}

// NewCodeUnit adds a compiled code unit embedding n roots.
func (vm *VM) NewCodeUnit(n int) *RootTable {
	t := vm.newTable(n, false)
	vm.roots.CodeRoots().Register(t.start, t.Slots())
	return t
}

// NewWeakHandle returns a weak root. The collector clears it once its
// object is no longer reachable from strong roots.
func (vm *VM) NewWeakHandle(r slot.Ref) slot.RootSlot {
	vm.mu.Lock()
	if vm.weakUsed == vm.weakTable.n {
		vm.mu.Unlock()
		diagnostics.Fatal("simvm", "out of weak handles (%d)", weakHandleCap)
	}
	i := vm.weakUsed
	vm.weakUsed++
	vm.mu.Unlock()
	s := vm.weakTable.Slot(i)
	s.Store(r)
	vm.roots.WeakHandles().Register(s)
	return s
}

// Alloc allocates an object of the given kind.
func (vm *VM) Alloc(kind Kind, fields int, layout Layout, payload uint64) (slot.Ref, error) {
	r := vm.heap.alloc(kind, fields, layout, payload)
	if r.IsNull() {
		return r, ErrHeapFull
	}
	return r, nil
}

// NewObject allocates a plain object.
func (vm *VM) NewObject(fields int, layout Layout, payload uint64) (slot.Ref, error) {
	return vm.Alloc(KindPlain, fields, layout, payload)
}

// NewReference allocates a reference object of the given strength pointing
// at referent.
func (vm *VM) NewReference(kind refproc.Kind, referent slot.Ref) (slot.Ref, error) {
	r, err := vm.Alloc(ReferenceKind(kind), referenceFields, NoPtrs, 0)
	if err != nil {
		return r, err
	}
	vm.heap.ReferentSlot(r).Store(referent)
	return r, nil
}

// Referent returns the referent of a reference object.
func (vm *VM) Referent(r slot.Ref) slot.Ref {
	return vm.heap.ReferentSlot(r).Load()
}

// TakePending empties the pending queue and returns its reference objects,
// most recently enqueued first. The objects may be discovered again by later
// collections.
func (vm *VM) TakePending() []slot.Ref {
	sentinel := vm.universe.Get(sentinelSlot)
	head := vm.universe.Get(pendingSlot)
	vm.universe.Set(pendingSlot, sentinel)
	var refs []slot.Ref
	for r := head; r != sentinel; {
		if r.IsNull() {
			diagnostics.Fatal("simvm", "pending queue ends in null")
		}
		link := vm.heap.DiscoveredSlot(r)
		refs = append(refs, r)
		r = link.Load()
		link.Store(slot.Null)
	}
	return refs
}

// PendingLen returns the length of the pending queue.
func (vm *VM) PendingLen() int {
	sentinel := vm.universe.Get(sentinelSlot)
	n := 0
	for r := vm.universe.Get(pendingSlot); r != sentinel; r = vm.heap.DiscoveredSlot(r).Load() {
		n++
	}
	return n
}

func (vm *VM) discoverable(k refproc.Kind) bool {
	if k == refproc.Final {
		return !vm.cfg.NoFinalizer
	}
	return !vm.cfg.NoReferenceTypes
}

func (vm *VM) SwapPendingListHead(head slot.Ref) slot.Ref {
	s := vm.universe.Slot(pendingSlot)
	for {
		old := s.Load()
		if _, ok := s.CompareExchange(old, head); ok {
			return old
		}
	}
}

func (vm *VM) IsEmergencyCollection() bool { return vm.emergency }

func (vm *VM) BeginReferenceProcessing() {
	vm.begun.Inc()
	diagnostics.Debugf("simvm", "processing references (emergency=%t)", vm.emergency)
}

func (vm *VM) Enumerator(c rootscan.Category) rootscan.Enumerator {
	tables := vm.tables[c]
	if len(tables) == 0 {
		return nil
	}
	var roots []slot.RootSlot
	for _, t := range tables {
		roots = append(roots, t.Slots()...)
	}
	return &rootscan.SliceEnumerator{Roots: roots}
}

func (vm *VM) Mutators() []rootscan.Enumerator {
	es := make([]rootscan.Enumerator, len(vm.stacks))
	for i, t := range vm.stacks {
		es[i] = t.enumerator()
	}
	return es
}

func (vm *VM) ClassLoaders() []rootscan.ClassLoader {
	ls := make([]rootscan.ClassLoader, len(vm.loaders))
	for i, l := range vm.loaders {
		ls[i] = l
	}
	return ls
}

func (vm *VM) ScanWeakClassRoots() bool { return vm.plan.WeakClassRoots }

// The simulated heap is not generational.
func (vm *VM) NurseryCollection() bool { return false }

// CollectOptions modify a single collection.
type CollectOptions struct {
	// Emergency keeps softly reachable objects alive.
	Emergency bool
}

// CycleStats describe the outcome of one collection.
type CycleStats struct {
	Objects      int
	Bytes        uintptr
	ClearedRoots int
	Pause        time.Duration
}

// Collect runs a full collection. Every reference held by the mutator
// outside the VM roots is invalid afterwards when the plan moves objects.
func (vm *VM) Collect(opts CollectOptions) CycleStats {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	start := time.Now()
	vm.emergency = opts.Emergency
	vm.refs.Reset()

	var cleared int
	vm.pool.Add(gcwork.StagePrepare, gcwork.PacketFunc(func(*gcwork.Worker) {
		vm.roots.ScanVMSpecificRoots(vm, vm.tracer)
	}))
	vm.pool.Add(gcwork.StageSoftRefClosure, gcwork.PacketFunc(func(*gcwork.Worker) {
		vm.refs.ProcessSoftWeakFinalRefs()
	}))
	if !vm.cfg.NoFinalizer {
		vm.pool.Add(gcwork.StageFinalRefClosure, gcwork.PacketFunc(func(*gcwork.Worker) {
			vm.refs.ResurrectFinalRefs()
		}))
	}
	if !vm.cfg.NoReferenceTypes {
		vm.pool.Add(gcwork.StagePhantomRefClosure, gcwork.PacketFunc(func(*gcwork.Worker) {
			vm.refs.ProcessPhantomRefs()
		}))
	}
	vm.pool.Add(gcwork.StageRelease, gcwork.PacketFunc(func(*gcwork.Worker) {
		cleared = vm.tracer.processWeakRoots()
	}))
	vm.pool.Run()

	objects, bytes := vm.heap.release()
	vm.roots.Release()
	vm.refs.EnableDiscovery()
	vm.emergency = false

	cs := CycleStats{Objects: objects, Bytes: bytes, ClearedRoots: cleared, Pause: time.Since(start)}
	vm.stats.record(start, cs.Pause)
	diagnostics.Debugf("simvm", "collection %d: %d objects, %s live, %d weak roots cleared (%s)",
		vm.stats.NumGC, objects, bytesize.New(float64(bytes)), cleared, cs.Pause)
	return cs
}
