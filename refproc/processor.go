package refproc

import (
	"sync/atomic"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/metrics"
	"github.com/gcglue/gcglue/slot"
)

// Options configure a Processor.
type Options struct {
	// NoReferenceTypes treats soft, weak and phantom references as ordinary
	// objects: they are never drained.
	NoReferenceTypes bool
	// NoFinalizer does the same for final references.
	NoFinalizer bool
	// Stage receives the drain packets. The zero value is
	// gcwork.StageUnconstrained, which lets drains run inside whichever
	// reference stage scheduled them, except that weak drains then wait for
	// gcwork.StageWeakRefClosure: a referent kept alive by soft retention is
	// live by the time its weak references are drained.
	Stage gcwork.Stage
	// Metrics receives the processor counters. Defaults to metrics.Default.
	Metrics *metrics.Registry
}

// shard is the list head of one worker. Heads of different workers sit on
// different cache lines.
type shard struct {
	head atomic.Uintptr
	_    [56]byte
}

func (s *shard) load() slot.Ref { return slot.Ref(s.head.Load()) }

func (s *shard) store(r slot.Ref) { s.head.Store(uintptr(r)) }

type kindStats struct {
	discovered *metrics.Counter
	cleared    *metrics.Counter
	forwarded  *metrics.Counter
	enqueued   *metrics.Counter
	retained   *metrics.Counter
	kept       *metrics.Counter
}

// Processor holds the discovered lists of one collector.
type Processor struct {
	sched  gcwork.Scheduler
	model  ObjectModel
	host   Host
	tracer Tracer
	opts   Options

	lists         [numKinds][]shard
	allowDiscover atomic.Bool
	stats         [numKinds]kindStats
}

// New returns a processor with one list per worker and kind. Discovery starts
// enabled.
func New(sched gcwork.Scheduler, model ObjectModel, host Host, tracer Tracer, opts Options) *Processor {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	p := &Processor{
		sched:  sched,
		model:  model,
		host:   host,
		tracer: tracer,
		opts:   opts,
	}
	n := sched.NumWorkers()
	for _, k := range Kinds {
		p.lists[k] = make([]shard, n)
		prefix := "/gc/refs/" + k.String() + "/"
		p.stats[k] = kindStats{
			discovered: opts.Metrics.Counter(prefix+"discovered:objects", "Reference objects discovered during the trace."),
			cleared:    opts.Metrics.Counter(prefix+"cleared:objects", "Reference objects whose dead referent was cleared."),
			forwarded:  opts.Metrics.Counter(prefix+"forwarded:objects", "Reference objects whose live referent was forwarded."),
			enqueued:   opts.Metrics.Counter(prefix+"enqueued:objects", "Reference objects appended to the pending queue."),
			retained:   opts.Metrics.Counter(prefix+"retained:objects", "Soft references kept alive by an emergency collection."),
			kept:       opts.Metrics.Counter(prefix+"kept:objects", "Reference objects left on their list for finalization."),
		}
	}
	p.allowDiscover.Store(true)
	return p
}

func (p *Processor) EnableDiscovery() { p.allowDiscover.Store(true) }

func (p *Processor) DisableDiscovery() { p.allowDiscover.Store(false) }

func (p *Processor) DiscoveryEnabled() bool { return p.allowDiscover.Load() }

// Discover adds obj to the list of the worker w. It returns false if
// discovery is disabled, the referent is null, or obj is already on a list;
// the caller then traces the referent like an ordinary field.
func (p *Processor) Discover(w *gcwork.Worker, obj slot.Ref, kind Kind) bool {
	if !p.allowDiscover.Load() {
		return false
	}
	if p.model.ReferentSlot(obj).Load().IsNull() {
		return false
	}
	shards := p.lists[kind]
	if w.Ordinal() >= len(shards) {
		diagnostics.Fatal("refproc", "worker %d has no list (%d workers)", w.Ordinal(), len(shards))
	}
	s := &shards[w.Ordinal()]
	link := s.load()
	if link.IsNull() {
		link = obj
	}
	if _, ok := p.model.DiscoveredSlot(obj).CompareExchange(slot.Null, link); !ok {
		return false
	}
	// Only this worker writes the head until the lists are drained. The
	// atomic store publishes it to the draining workers.
	s.store(obj)
	p.stats[kind].discovered.Inc()
	return true
}

// ProcessSoftWeakFinalRefs stops discovery and schedules a drain for every
// non-empty soft, weak and final list.
func (p *Processor) ProcessSoftWeakFinalRefs() {
	p.DisableDiscovery()
	p.host.BeginReferenceProcessing()
	if !p.opts.NoReferenceTypes {
		p.processLists(Soft, true)
		p.processLists(Weak, true)
	}
	if !p.opts.NoFinalizer {
		// The drain writes the surviving list back to the shard.
		p.processLists(Final, false)
	}
}

// ProcessPhantomRefs schedules a drain for every non-empty phantom list.
func (p *Processor) ProcessPhantomRefs() {
	if p.opts.NoReferenceTypes {
		diagnostics.Fatal("refproc", "phantom references processed with reference types disabled")
	}
	p.processLists(Phantom, true)
}

// ResurrectFinalRefs traces the referents of every final reference still on
// a list and moves the references to the pending queue.
func (p *Processor) ResurrectFinalRefs() {
	if p.opts.NoFinalizer {
		diagnostics.Fatal("refproc", "final references resurrected with finalization disabled")
	}
	var packets []gcwork.Packet
	for i := range p.lists[Final] {
		s := &p.lists[Final][i]
		head := s.load()
		s.store(slot.Null)
		if head.IsNull() {
			continue
		}
		packets = append(packets, &resurrectPacket{p: p, head: head})
	}
	p.sched.AddBulk(p.opts.Stage, packets)
}

func (p *Processor) processLists(kind Kind, clear bool) {
	var packets []gcwork.Packet
	for i := range p.lists[kind] {
		s := &p.lists[kind][i]
		head := s.load()
		if clear {
			s.store(slot.Null)
		}
		if head.IsNull() {
			continue
		}
		packets = append(packets, &drainPacket{p: p, kind: kind, shard: i, head: head})
	}
	if len(packets) != 0 && diagnostics.Debug() {
		diagnostics.Debugf("refproc", "draining %d %s lists", len(packets), kind)
	}
	p.sched.AddBulk(p.drainStage(kind), packets)
}

func (p *Processor) drainStage(kind Kind) gcwork.Stage {
	if kind == Weak && p.opts.Stage == gcwork.StageUnconstrained {
		return gcwork.StageWeakRefClosure
	}
	return p.opts.Stage
}

// Reset empties every list. Called at the start of a collection; the
// objects that were on the lists are not touched.
func (p *Processor) Reset() {
	for k := range p.lists {
		for i := range p.lists[k] {
			p.lists[k][i].store(slot.Null)
		}
	}
}

// Lengths returns the number of objects on each list of the given kind.
func (p *Processor) Lengths(kind Kind) []int {
	lens := make([]int, len(p.lists[kind]))
	for i := range p.lists[kind] {
		lens[i] = length(p.model, p.lists[kind][i].load())
	}
	return lens
}

// Len returns the total number of objects on lists of the given kind.
func (p *Processor) Len(kind Kind) int {
	n := 0
	for _, l := range p.Lengths(kind) {
		n += l
	}
	return n
}

// enqueue appends l to the pending queue.
func (p *Processor) enqueue(l sublist, kind Kind, n int) {
	if asserts {
		checkTerminated(p.model, l)
	}
	old := p.host.SwapPendingListHead(l.head)
	// The tail links to itself; point it at the old queue instead. A null
	// old head ends the queue.
	p.model.DiscoveredSlot(l.tail).Store(old)
	p.stats[kind].enqueued.Add(uint64(n))
}
