// Package metrics exposes counters maintained by the collector glue.
//
// The API follows runtime/metrics: callers enumerate the available metrics
// with All and fill a []Sample with Read. Unlike runtime/metrics the set of
// metrics is not fixed. Components register counters on a Registry when they
// are constructed, and every counter is a monotonically increasing uint64.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

type Sample struct {
	Name  string
	Value Value
}

// Value is the value of a single sample. Only KindUint64 values are produced
// by this package; reading an unknown name yields KindBad.
type Value struct {
	kind   ValueKind
	scalar uint64
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("metrics: called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
)

// Counter is a cumulative uint64 metric.
type Counter struct {
	desc Description
	v    atomic.Uint64
}

func (c *Counter) Add(n uint64) { c.v.Add(n) }

func (c *Counter) Inc() { c.v.Add(1) }

func (c *Counter) Load() uint64 { return c.v.Load() }

// Registry holds a set of named counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Default is the registry used by components that are not given one.
var Default = NewRegistry()

// Counter returns the counter with the given name, creating it if needed.
// Names follow the runtime/metrics convention "/path/name:unit".
func (r *Registry) Counter(name, description string) *Counter {
	r.mu.RLock()
	c := r.counters[name]
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.counters[name]; c != nil {
		return c
	}
	c = &Counter{desc: Description{
		Name:        name,
		Description: description,
		Kind:        KindUint64,
		Cumulative:  true,
	}}
	r.counters[name] = c
	return c
}

// All returns the descriptions of every registered counter, sorted by name.
func (r *Registry) All() []Description {
	r.mu.RLock()
	descs := make([]Description, 0, len(r.counters))
	for _, c := range r.counters {
		descs = append(descs, c.desc)
	}
	r.mu.RUnlock()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Read fills in the values of the given samples.
func (r *Registry) Read(m []Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range m {
		c := r.counters[m[i].Name]
		if c == nil {
			m[i].Value = Value{}
			continue
		}
		m[i].Value = Value{kind: KindUint64, scalar: c.Load()}
	}
}

// Snapshot returns the current value of every counter.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]uint64, len(r.counters))
	for name, c := range r.counters {
		snap[name] = c.Load()
	}
	return snap
}

// Delta returns after-before for every counter in after, omitting zeros.
func Delta(before, after map[string]uint64) map[string]uint64 {
	d := make(map[string]uint64)
	for name, v := range after {
		if n := v - before[name]; n != 0 {
			d[name] = n
		}
	}
	return d
}

func All() []Description { return Default.All() }

func Read(m []Sample) { Default.Read(m) }
