// Package refproc discovers and processes soft, weak, final and phantom
// reference objects.
//
// Discovery happens during the trace. When the tracer scans a reference
// object with a non-null referent it hands the object to Discover instead of
// tracing the referent. The object is pushed on a list owned by the
// discovering worker. The lists are intrusive: they are threaded through the
// discovery link field of the reference objects themselves, and the last node
// links to itself so that a null link always means "not on any list".
//
// Once the closure is complete every list is drained by its own packet. For
// each node the drain looks at the referent:
//
//   - a null referent drops the node,
//   - a live referent is forwarded and the node goes to the pending queue,
//   - a dead soft referent of an emergency collection is kept alive and the
//     node is dropped,
//   - a dead final referent leaves the node on its list, to be resurrected
//     by ResurrectFinalRefs later in the same collection,
//   - any other dead referent is cleared and the node is dropped.
//
// The pending queue belongs to the host. Nodes are appended to it a whole
// sublist at a time through Host.SwapPendingListHead.
package refproc

import (
	"fmt"

	"github.com/gcglue/gcglue/gcwork"
	"github.com/gcglue/gcglue/slot"
)

// Set to true to re-walk every list a drain produces and check its terminator.
const asserts = false

// Kind is the strength of a reference object.
type Kind uint8

const (
	Soft Kind = iota
	Weak
	Final
	Phantom
	numKinds
)

// Kinds lists every kind in processing order.
var Kinds = [...]Kind{Soft, Weak, Final, Phantom}

func (k Kind) String() string {
	switch k {
	case Soft:
		return "soft"
	case Weak:
		return "weak"
	case Final:
		return "final"
	case Phantom:
		return "phantom"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ObjectModel answers questions about heap objects during a collection.
type ObjectModel interface {
	// IsLive reports whether r has been reached by the current trace.
	IsLive(r slot.Ref) bool
	// Forwarded returns the new address of r if it has been moved.
	Forwarded(r slot.Ref) (slot.Ref, bool)
	ReferentSlot(r slot.Ref) slot.Slot
	DiscoveredSlot(r slot.Ref) slot.Slot
}

// Host is the runtime that owns the pending queue.
type Host interface {
	// SwapPendingListHead makes head the new head of the pending queue and
	// returns the previous head.
	SwapPendingListHead(head slot.Ref) slot.Ref
	IsEmergencyCollection() bool
	// BeginReferenceProcessing is called once per collection before any list
	// is drained.
	BeginReferenceProcessing()
}

// Tracer traces objects on behalf of the drain.
type Tracer interface {
	// TraceObject marks r live and returns its (possibly new) address.
	TraceObject(w *gcwork.Worker, r slot.Ref) slot.Ref
	// Flush hands any work queued by TraceObject to the scheduler.
	Flush(w *gcwork.Worker)
}
