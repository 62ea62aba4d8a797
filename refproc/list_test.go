package refproc

import (
	"testing"

	"github.com/gcglue/gcglue/slot"
)

// buildList links refs in order and terminates the last one with a
// self-loop, the way Discover leaves them (newest first).
func buildList(h *testHeap, refs []slot.Ref) slot.Ref {
	for i, r := range refs {
		next := r
		if i+1 < len(refs) {
			next = refs[i+1]
		}
		h.obj(r).discovered.Store(next)
	}
	return refs[0]
}

// collect returns the nodes of the list at l.
func collect(h *testHeap, l sublist) []slot.Ref {
	var refs []slot.Ref
	if l.empty() {
		return nil
	}
	for r := l.head; ; {
		refs = append(refs, r)
		next := h.obj(r).discovered.Load()
		if next == r {
			if r != l.tail {
				panic("list tail does not match its terminator")
			}
			return refs
		}
		r = next
	}
}

func TestIterate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		verdicts string // one of k (keep), d (drop), e (enqueue) per node
		kept     []int
		out      []int // newest first
	}{
		{"keep all", "kkkk", []int{0, 1, 2, 3}, nil},
		{"drop all", "dddd", nil, nil},
		{"drop head", "dkkk", []int{1, 2, 3}, nil},
		{"drop tail", "kkkd", []int{0, 1, 2}, nil},
		{"drop middle", "kddk", []int{0, 3}, nil},
		{"single keep", "dkdd", []int{1}, nil},
		{"enqueue alternating", "ekek", []int{1, 3}, []int{2, 0}},
		{"enqueue all", "eeee", nil, []int{3, 2, 1, 0}},
		{"mixed", "edke", []int{2}, []int{3, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHeap(false)
			refs := make([]slot.Ref, len(tc.verdicts))
			for i := range refs {
				refs[i] = h.newRef(h.alloc())
			}
			head := buildList(h, refs)
			i := 0
			kept, out := iterate(h, head, func(ref slot.Ref) verdict {
				if ref != refs[i] {
					t.Fatalf("visited %#x at position %d, want %#x", ref, i, refs[i])
				}
				v := map[byte]verdict{'k': keep, 'd': drop, 'e': enqueue}[tc.verdicts[i]]
				i++
				return v
			})
			if i != len(refs) {
				t.Fatalf("visited %d nodes, want %d", i, len(refs))
			}
			check := func(what string, got []slot.Ref, want []int) {
				if len(got) != len(want) {
					t.Fatalf("%s list = %v, want %d nodes", what, got, len(want))
				}
				for j, idx := range want {
					if got[j] != refs[idx] {
						t.Errorf("%s[%d] = %#x, want node %d", what, j, got[j], idx)
					}
				}
			}
			check("kept", collect(h, kept), tc.kept)
			check("enqueued", collect(h, out), tc.out)
			for j, c := range tc.verdicts {
				if c == 'd' && !h.obj(refs[j]).discovered.Load().IsNull() {
					t.Errorf("dropped node %d still linked", j)
				}
			}
		})
	}
}

// Objects moved between discovery and the drain are found through their
// forwarding address.
func TestIterateForwarding(t *testing.T) {
	h := newTestHeap(false)
	refs := make([]slot.Ref, 4)
	for i := range refs {
		refs[i] = h.newRef(h.alloc())
	}
	head := buildList(h, refs)

	// Move the head, a middle node and the self-looped tail.
	newHead := h.move(refs[0])
	newMid := h.move(refs[2])
	newTail := h.move(refs[3])

	var visited []slot.Ref
	kept, _ := iterate(h, head, func(ref slot.Ref) verdict {
		visited = append(visited, ref)
		return keep
	})
	want := []slot.Ref{newHead, refs[1], newMid, newTail}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %#x, want %#x", i, visited[i], want[i])
		}
	}
	if kept.head != newHead || kept.tail != newTail {
		t.Errorf("kept list %#x..%#x, want %#x..%#x", kept.head, kept.tail, newHead, newTail)
	}
	if link := h.obj(refs[1]).discovered.Load(); link != newMid {
		t.Errorf("kept node links to stale %#x, want %#x", link, newMid)
	}
	if link := h.obj(newTail).discovered.Load(); link != newTail {
		t.Errorf("tail links to %#x, want itself", link)
	}
}

func TestIterateBrokenList(t *testing.T) {
	h := newTestHeap(false)
	a, b := h.newRef(h.alloc()), h.newRef(h.alloc())
	h.obj(a).discovered.Store(b) // b has a null link
	expectFatal(t, func() {
		iterate(h, a, func(slot.Ref) verdict { return keep })
	})

	dead := h.alloc() // never traced
	h.obj(dead).discovered.Store(dead)
	expectFatal(t, func() {
		iterate(h, dead, func(slot.Ref) verdict { return keep })
	})
}
