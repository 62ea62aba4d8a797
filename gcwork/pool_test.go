package gcwork

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestQueue(t *testing.T) {
	var q, other Queue
	for i := 0; i < 3; i++ {
		q.Push(PacketFunc(nil))
	}
	other.Push(PacketFunc(nil))
	q.Append(&other)
	if !other.Empty() {
		t.Error("Append did not empty the other queue")
	}
	if q.Len() != 4 {
		t.Errorf("Len() = %d, want 4", q.Len())
	}
	n := 0
	for q.Pop() != nil {
		n++
	}
	if n != 4 || !q.Empty() {
		t.Errorf("popped %d packets, want 4", n)
	}
}

// log records the order in which stages ran.
type log struct {
	mu     sync.Mutex
	stages []Stage
}

func (l *log) add(s Stage) {
	l.mu.Lock()
	l.stages = append(l.stages, s)
	l.mu.Unlock()
}

func TestStageOrder(t *testing.T) {
	p := NewPool(4)
	l := &log{}
	record := func(s Stage) Packet {
		return PacketFunc(func(w *Worker) { l.add(s) })
	}
	p.Add(StageRelease, record(StageRelease))
	p.Add(StageSoftRefClosure, record(StageSoftRefClosure))
	for i := 0; i < 10; i++ {
		p.Add(StageRoots, PacketFunc(func(w *Worker) {
			l.add(StageRoots)
			// Closure work discovered while scanning roots.
			w.Scheduler().Add(StageClosure, record(StageClosure))
		}))
	}
	p.Run()

	if len(l.stages) != 22 {
		t.Fatalf("ran %d packets, want 22", len(l.stages))
	}
	for i := 1; i < len(l.stages); i++ {
		if l.stages[i] < l.stages[i-1] {
			t.Fatalf("stage %s ran after stage %s", l.stages[i], l.stages[i-1])
		}
	}
}

func TestUnconstrainedRunsInOpenStage(t *testing.T) {
	p := NewPool(2)
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	p.Add(StageSoftRefClosure, PacketFunc(func(w *Worker) {
		note("process")
		w.Scheduler().Add(StageUnconstrained, PacketFunc(func(w *Worker) {
			note("drain")
			w.Scheduler().Add(StageClosure, PacketFunc(func(w *Worker) { note("closure") }))
		}))
	}))
	p.Add(StageFinalRefClosure, PacketFunc(func(w *Worker) { note("final") }))
	p.Run()

	want := []string{"process", "drain", "closure", "final"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
}

func TestOrdinals(t *testing.T) {
	const n = 4
	p := NewPool(n)
	var seen [n]atomic.Int32
	for i := 0; i < 100; i++ {
		p.Add(StageClosure, PacketFunc(func(w *Worker) {
			seen[w.Ordinal()].Add(1)
		}))
	}
	p.Run()
	total := int32(0)
	for i := range seen {
		total += seen[i].Load()
	}
	if total != 100 {
		t.Errorf("ran %d packets, want 100", total)
	}
	if p.NumWorkers() != n || p.Worker(2).Ordinal() != 2 {
		t.Error("worker ordinals do not match their position")
	}
}

func TestRunPropagatesPanic(t *testing.T) {
	p := NewPool(2)
	p.Add(StageRoots, PacketFunc(func(w *Worker) { panic("boom") }))
	p.Add(StageRelease, PacketFunc(func(w *Worker) { t.Error("release ran after a failed stage") }))
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("Run panicked with %v, want boom", r)
			}
		}()
		p.Run()
	}()

	// The pool is usable again afterwards.
	ran := false
	p.Add(StagePrepare, PacketFunc(func(w *Worker) { ran = true }))
	p.Run()
	if !ran {
		t.Error("pool did not run after a failure")
	}
}

func TestRunEmpty(t *testing.T) {
	p := NewPool(3)
	p.Run()
	p.Run()
}
