// Package gcwork runs collection work on a fixed set of worker goroutines.
//
// Work is split into packets. Every packet is added to the bucket of a Stage,
// and stages open in order: the pool only starts packets from a stage once
// every earlier stage is empty and none of its packets is still running. This
// gives the phase structure of a collection (roots before closure, closure
// before reference processing, ...) without a central driver. Packets may add
// more packets to any stage, including their own. Packets added to a stage
// that is already open can start immediately.
//
// Each worker has a fixed ordinal in [0, NumWorkers). Components use it to
// keep per-worker state (for example discovered reference lists) that needs
// no synchronization while the worker runs a packet.
package gcwork

import (
	"fmt"
	"sync"

	"github.com/gcglue/gcglue/diagnostics"
)

// Stage is a work bucket. Stages open in the order they are declared.
type Stage uint8

const (
	// Unconstrained packets may run as soon as they are added.
	StageUnconstrained Stage = iota
	StagePrepare
	StageRoots
	StageClosure
	StageSoftRefClosure
	StageWeakRefClosure
	StageFinalRefClosure
	StagePhantomRefClosure
	StageRelease
	numStages
)

var stageNames = [numStages]string{
	"unconstrained",
	"prepare",
	"roots",
	"closure",
	"soft-ref-closure",
	"weak-ref-closure",
	"final-ref-closure",
	"phantom-ref-closure",
	"release",
}

func (s Stage) String() string {
	if s < numStages {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Packet is a unit of work.
type Packet interface {
	Do(w *Worker)
}

// PacketFunc adapts a function to the Packet interface.
type PacketFunc func(w *Worker)

func (f PacketFunc) Do(w *Worker) { f(w) }

// Scheduler is what collector components need from a pool.
type Scheduler interface {
	NumWorkers() int
	Add(stage Stage, p Packet)
	AddBulk(stage Stage, ps []Packet)
}

// Worker is passed to every packet it runs.
type Worker struct {
	ordinal int
	pool    *Pool
}

func (w *Worker) Ordinal() int { return w.ordinal }

func (w *Worker) Scheduler() Scheduler { return w.pool }

// Pool is a Scheduler with a fixed number of workers.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buckets  [numStages]Queue
	inflight [numStages]int
	open     Stage
	running  bool
	failure  any
	workers  []*Worker
}

// NewPool returns a pool with n workers. Workers only run while Run is
// executing.
func NewPool(n int) *Pool {
	if n <= 0 {
		panic("gcwork: pool needs at least one worker")
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &Worker{ordinal: i, pool: p})
	}
	return p
}

func (p *Pool) NumWorkers() int { return len(p.workers) }

// Worker returns the worker with the given ordinal. Code that runs outside
// of Run (tests, single-threaded setup) uses it to act as that worker.
func (p *Pool) Worker(ordinal int) *Worker { return p.workers[ordinal] }

func (p *Pool) Add(stage Stage, pk Packet) {
	p.mu.Lock()
	p.buckets[stage].Push(pk)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) AddBulk(stage Stage, ps []Packet) {
	if len(ps) == 0 {
		return
	}
	var q Queue
	for _, pk := range ps {
		q.Push(pk)
	}
	p.mu.Lock()
	p.buckets[stage].Append(&q)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Pending returns the number of queued packets in a stage.
func (p *Pool) Pending(stage Stage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buckets[stage].Len()
}

// Run executes packets until every bucket is empty and no packet is running.
// If a packet panics, the remaining workers stop picking up packets and Run
// panics with the same value once they are done.
func (p *Pool) Run() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		panic("gcwork: Run called while the pool is running")
	}
	p.running = true
	p.open = StageUnconstrained
	p.failure = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			p.work(w)
		}(w)
	}
	wg.Wait()

	p.mu.Lock()
	failure := p.failure
	p.running = false
	if failure != nil {
		// Drop whatever the failed cycle left behind.
		p.buckets = [numStages]Queue{}
		p.inflight = [numStages]int{}
	}
	p.mu.Unlock()
	if failure != nil {
		panic(failure)
	}
}

func (p *Pool) work(w *Worker) {
	for {
		pk, stage, ok := p.next()
		if !ok {
			return
		}
		p.do(w, pk, stage)
	}
}

// next blocks until a packet can run or the pool is finished.
func (p *Pool) next() (Packet, Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.failure != nil {
			return nil, 0, false
		}
		busy := false
		for s := StageUnconstrained; s <= p.open; s++ {
			if pk := p.buckets[s].Pop(); pk != nil {
				p.inflight[s]++
				return pk, s, true
			}
			if p.inflight[s] > 0 {
				busy = true
			}
		}
		if !busy {
			// Everything that is open has drained: open the next stage
			// with work, or finish.
			next := p.open + 1
			for next < numStages && p.buckets[next].Empty() {
				next++
			}
			if next == numStages {
				p.cond.Broadcast()
				return nil, 0, false
			}
			if diagnostics.Debug() {
				diagnostics.Debugf("gcwork", "opening stage %s", next)
			}
			p.open = next
			continue
		}
		p.cond.Wait()
	}
}

func (p *Pool) do(w *Worker, pk Packet, stage Stage) {
	defer func() {
		r := recover()
		p.mu.Lock()
		p.inflight[stage]--
		if r != nil && p.failure == nil {
			p.failure = r
		}
		p.mu.Unlock()
		p.cond.Broadcast()
	}()
	pk.Do(w)
}
