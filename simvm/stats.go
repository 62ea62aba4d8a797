package simvm

import (
	"sort"
	"time"
)

// GCStats collect information about recent collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration
}

// Number of pauses kept in the history.
const pauseHistory = 256

func (s *GCStats) record(start time.Time, pause time.Duration) {
	end := start.Add(pause)
	s.LastGC = end
	s.NumGC++
	s.PauseTotal += pause
	s.Pause = append([]time.Duration{pause}, s.Pause...)
	s.PauseEnd = append([]time.Time{end}, s.PauseEnd...)
	if len(s.Pause) > pauseHistory {
		s.Pause = s.Pause[:pauseHistory]
		s.PauseEnd = s.PauseEnd[:pauseHistory]
	}
}

// ReadGCStats reads statistics about the collections of the VM into stats.
// If stats.PauseQuantiles is non-empty it is filled with quantiles summarizing
// the pause history: for a slice of length n, entry 0 is the minimum, entry
// n-1 the maximum and the others evenly spaced between them.
func (vm *VM) ReadGCStats(stats *GCStats) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	stats.LastGC = vm.stats.LastGC
	stats.NumGC = vm.stats.NumGC
	stats.PauseTotal = vm.stats.PauseTotal
	stats.Pause = append(stats.Pause[:0], vm.stats.Pause...)
	stats.PauseEnd = append(stats.PauseEnd[:0], vm.stats.PauseEnd...)

	q := stats.PauseQuantiles
	if len(q) == 0 {
		return
	}
	if len(vm.stats.Pause) == 0 {
		clear(q)
		return
	}
	sorted := append([]time.Duration(nil), vm.stats.Pause...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(q) - 1
	for i := range q {
		if n == 0 {
			q[i] = sorted[len(sorted)-1]
			continue
		}
		q[i] = sorted[i*(len(sorted)-1)/n]
	}
}
