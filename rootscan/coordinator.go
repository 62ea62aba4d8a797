package rootscan

import (
	"sync/atomic"
	"time"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/metrics"
	"github.com/gcglue/gcglue/slot"
)

// State of a coordinator. A scan moves it from Idle to Enumerating; the last
// scan packet to finish moves it to Flushed, and Release returns it to Idle.
type State uint32

const (
	Idle State = iota
	Enumerating
	Flushed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enumerating:
		return "enumerating"
	case Flushed:
		return "flushed"
	}
	return "invalid"
}

// Options configure a Coordinator.
type Options struct {
	// BufferSize is the capacity of a root batch. Defaults to 4096.
	BufferSize int
	// ThreadsPerPacket is the number of mutator stacks scanned by one
	// packet. Defaults to 8.
	ThreadsPerPacket int
	// Breakdown logs the time spent and roots found per category.
	Breakdown bool
	// Stage receives the scan packets. Defaults to gcwork.StageRoots.
	Stage gcwork.Stage
	// Metrics receives the scan counters. Defaults to metrics.Default.
	Metrics *metrics.Registry
}

const (
	DefaultBufferSize       = 4096
	DefaultThreadsPerPacket = 8
)

type categoryStats struct {
	roots   *metrics.Counter
	batches *metrics.Counter
	nanos   *metrics.Counter
}

// Coordinator schedules the root scan of one collector.
type Coordinator struct {
	sched gcwork.Scheduler
	opts  Options

	state   atomic.Uint32
	pending atomic.Int32

	codeRoots   CodeRoots
	weakHandles WeakHandles
	claims      []atomic.Bool

	stats [numCategories]categoryStats
}

func New(sched gcwork.Scheduler, opts Options) *Coordinator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ThreadsPerPacket <= 0 {
		opts.ThreadsPerPacket = DefaultThreadsPerPacket
	}
	if opts.Stage == gcwork.StageUnconstrained {
		opts.Stage = gcwork.StageRoots
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	c := &Coordinator{sched: sched, opts: opts}
	c.codeRoots.init()
	for cat := Category(0); cat < numCategories; cat++ {
		prefix := "/gc/roots/" + cat.String() + "/"
		c.stats[cat] = categoryStats{
			roots:   opts.Metrics.Counter(prefix+"roots:slots", "Root slots reported."),
			batches: opts.Metrics.Counter(prefix+"batches:batches", "Root batches handed to the tracer."),
			nanos:   opts.Metrics.Counter(prefix+"time:nanoseconds", "Time spent enumerating roots."),
		}
	}
	return c
}

func (c *Coordinator) CodeRoots() *CodeRoots { return &c.codeRoots }

func (c *Coordinator) WeakHandles() *WeakHandles { return &c.weakHandles }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// ScanVMSpecificRoots schedules a packet for every root category of host.
// Batches are handed to factory from within those packets.
func (c *Coordinator) ScanVMSpecificRoots(host Host, factory Factory) {
	if !c.state.CompareAndSwap(uint32(Idle), uint32(Enumerating)) {
		diagnostics.Fatal("rootscan", "scan started in state %s", c.State())
	}

	var packets []gcwork.Packet
	for _, cat := range HostCategories {
		if e := host.Enumerator(cat); e != nil {
			packets = append(packets, c.packet(cat, func(b *batcher) {
				c.drain(e, b)
			}, factory))
		}
	}

	mutators := host.Mutators()
	for len(mutators) > 0 {
		n := min(len(mutators), c.opts.ThreadsPerPacket)
		group := mutators[:n]
		mutators = mutators[n:]
		packets = append(packets, c.packet(MutatorStacks, func(b *batcher) {
			for _, e := range group {
				c.drain(e, b)
			}
		}, factory))
	}

	nurseryOnly := host.NurseryCollection()
	packets = append(packets, c.packet(CodeCache, func(b *batcher) {
		c.codeRoots.scan(b, nurseryOnly)
	}, factory))
	packets = append(packets, c.packet(WeakHandleRoots, func(b *batcher) {
		b.kind = RootWeak
		c.weakHandles.scan(b)
	}, factory))

	if loaders := host.ClassLoaders(); len(loaders) > 0 {
		c.resetClaims(len(loaders))
		weak := host.ScanWeakClassRoots()
		n := min(len(loaders), c.sched.NumWorkers())
		for i := 0; i < n; i++ {
			start := i * len(loaders) / n
			packets = append(packets, c.packet(ClassGraph, func(b *batcher) {
				c.scanClassLoaders(loaders, start, weak, b, factory)
			}, factory))
		}
	}

	c.pending.Store(int32(len(packets)))
	c.sched.AddBulk(c.opts.Stage, packets)
}

// Release ends the root scan of a collection.
func (c *Coordinator) Release() {
	if !c.state.CompareAndSwap(uint32(Flushed), uint32(Idle)) {
		diagnostics.Fatal("rootscan", "release in state %s", c.State())
	}
	for i := range c.claims {
		c.claims[i].Store(false)
	}
}

func (c *Coordinator) resetClaims(n int) {
	if cap(c.claims) >= n {
		c.claims = c.claims[:n]
		for i := range c.claims {
			c.claims[i].Store(false)
		}
		return
	}
	c.claims = make([]atomic.Bool, n)
}

// packet wraps the scan of one category.
func (c *Coordinator) packet(cat Category, scan func(b *batcher), factory Factory) gcwork.Packet {
	return gcwork.PacketFunc(func(w *gcwork.Worker) {
		start := time.Now()
		b := &batcher{size: c.opts.BufferSize, kind: RootStrong, factory: factory}
		scan(b)
		b.flush()
		elapsed := time.Since(start)

		st := &c.stats[cat]
		st.roots.Add(uint64(b.count))
		st.batches.Add(uint64(b.batches))
		st.nanos.Add(uint64(elapsed))
		if c.opts.Breakdown {
			diagnostics.Infof("rootscan", " - %s roots count: %d (%.3fms)",
				cat, b.count, float64(elapsed)/float64(time.Millisecond))
		}
		c.done()
	})
}

func (c *Coordinator) done() {
	if c.pending.Add(-1) == 0 {
		if !c.state.CompareAndSwap(uint32(Enumerating), uint32(Flushed)) {
			diagnostics.Fatal("rootscan", "scan finished in state %s", c.State())
		}
	}
}

// drain lets e fill fresh buffers until it is exhausted, flushing every
// buffer before asking for the next one.
func (c *Coordinator) drain(e Enumerator, b *batcher) {
	// Roots pushed before by the same packet go out first so that only one
	// buffer is live.
	b.flush()
	for {
		buf := make([]slot.RootSlot, 0, b.size)
		filled, more := e.Fill(buf)
		if len(filled) > b.size {
			diagnostics.Fatal("rootscan", "enumerator returned %d roots for a buffer of %d", len(filled), b.size)
		}
		b.buf = filled
		b.flush()
		if !more {
			return
		}
	}
}

// scanClassLoaders scans every loader this packet manages to claim,
// starting at start.
func (c *Coordinator) scanClassLoaders(loaders []ClassLoader, start int, weak bool, strong *batcher, factory Factory) {
	weakBatch := strong
	if weak {
		weakBatch = &batcher{size: c.opts.BufferSize, kind: RootWeak, factory: factory}
	}
	for i := range loaders {
		idx := (start + i) % len(loaders)
		if !c.claims[idx].CompareAndSwap(false, true) {
			continue
		}
		c.drain(loaders[idx].Roots(false), strong)
		c.drain(loaders[idx].Roots(true), weakBatch)
	}
	if weakBatch != strong {
		weakBatch.flush()
		strong.count += weakBatch.count
		strong.batches += weakBatch.batches
	}
}
