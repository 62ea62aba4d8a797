package refproc

import (
	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/slot"
)

// verdict is what a drain decides for one list node.
type verdict uint8

const (
	// The node stays on the list.
	keep verdict = iota
	// The node is unlinked and its link reset to null.
	drop
	// The node is unlinked and moved to the pending sublist.
	enqueue
)

// sublist is a list of reference objects threaded through their discovery
// links. The tail links to itself.
type sublist struct {
	head, tail slot.Ref
}

func (l sublist) empty() bool { return l.head.IsNull() }

// push prepends ref. Its link must not be needed any more.
func (l *sublist) push(model ObjectModel, ref slot.Ref) {
	link := model.DiscoveredSlot(ref)
	if l.empty() {
		link.Store(ref)
		l.tail = ref
	} else {
		link.Store(l.head)
	}
	l.head = ref
}

// resolve returns the current address of ref.
func resolve(model ObjectModel, ref slot.Ref) slot.Ref {
	if to, ok := model.Forwarded(ref); ok {
		return to
	}
	return ref
}

// checkNode verifies that ref can be a list node at this point of the
// collection: it was traced, and anything that moved it already updated the
// link that led here.
func checkNode(model ObjectModel, ref slot.Ref) {
	if _, ok := model.Forwarded(ref); ok {
		diagnostics.Fatal("refproc", "list node %#x is forwarded", uintptr(ref))
	}
	if !model.IsLive(ref) {
		diagnostics.Fatal("refproc", "list node %#x is not live", uintptr(ref))
	}
}

// iterate walks the list starting at head and calls visit for every node.
// Kept nodes are relinked in place and returned as the kept sublist; nodes
// visit enqueues are collected in a second sublist. Every link is resolved
// through forwarding before it is compared with the node itself, since the
// objects may have moved since they were discovered.
func iterate(model ObjectModel, head slot.Ref, visit func(ref slot.Ref) verdict) (kept, out sublist) {
	ref := resolve(model, head)
	holder := slot.Null // last kept node
	for {
		checkNode(model, ref)
		link := model.DiscoveredSlot(ref)
		next := link.Load()
		if next.IsNull() {
			diagnostics.Fatal("refproc", "list node %#x has a null link", uintptr(ref))
		}
		next = resolve(model, next)
		last := next == ref

		switch v := visit(ref); v {
		case keep:
			if holder.IsNull() {
				kept.head = ref
			}
			if last {
				link.Store(ref)
				kept.tail = ref
				return kept, out
			}
			link.Store(next)
			holder = ref
		default:
			if v == enqueue {
				out.push(model, ref)
			} else {
				link.Store(slot.Null)
			}
			if last {
				if !holder.IsNull() {
					model.DiscoveredSlot(holder).Store(holder)
					kept.tail = holder
				}
				return kept, out
			}
			if !holder.IsNull() {
				model.DiscoveredSlot(holder).Store(next)
			}
		}
		ref = next
	}
}

// length counts the nodes of the list at head without changing it.
func length(model ObjectModel, head slot.Ref) int {
	n := 0
	for ref := resolve(model, head); !ref.IsNull(); {
		n++
		next := resolve(model, model.DiscoveredSlot(ref).Load())
		if next == ref || next.IsNull() {
			break
		}
		ref = next
	}
	return n
}

// checkTerminated walks l and verifies it ends in a self-loop at its tail.
func checkTerminated(model ObjectModel, l sublist) {
	ref := l.head
	for {
		next := model.DiscoveredSlot(ref).Load()
		if next.IsNull() {
			diagnostics.Fatal("refproc", "list %#x is broken at %#x", uintptr(l.head), uintptr(ref))
		}
		if next == ref {
			break
		}
		ref = next
	}
	if ref != l.tail {
		diagnostics.Fatal("refproc", "list %#x ends at %#x, want %#x", uintptr(l.head), uintptr(ref), uintptr(l.tail))
	}
}
