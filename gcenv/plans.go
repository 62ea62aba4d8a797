package gcenv

import "sort"

// Plan describes what a collection plan needs from the reference processor
// and the root scanner.
type Plan struct {
	// Moving plans copy objects, so references must be forwarded.
	Moving bool
	// WeakClassRoots plans scan weak class loader roots separately from the
	// strong ones.
	WeakClassRoots bool
}

// Plans lists the supported collection plans.
var Plans = map[string]Plan{
	// Non-moving mark and sweep.
	"marksweep": {},
	// Two-space copying collector.
	"semispace": {Moving: true},
	// Copying collector that unloads classes: weak class roots don't keep
	// loaders alive.
	"semispace-unloading": {Moving: true, WeakClassRoots: true},
}

// PlanNames returns the names of all plans, sorted.
func PlanNames() []string {
	names := make([]string, 0, len(Plans))
	for name := range Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectedPlan returns the selected plan. The configuration must be valid.
func (c Config) SelectedPlan() Plan {
	return Plans[c.Plan]
}
