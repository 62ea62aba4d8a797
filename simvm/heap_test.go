package simvm

import (
	"testing"

	"github.com/gcglue/gcglue/slot"
)

func newTestHeap(t *testing.T, moving, compressed bool) *Heap {
	t.Helper()
	arena, err := NewArena(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })
	enc := slot.Uncompressed()
	if compressed {
		enc = slot.ChooseEncoding(arena.Start(), arena.End(), false)
	}
	return newHeap(arena, &enc, moving)
}

func TestLayout(t *testing.T) {
	l := Layout{Size: 3, Bits: 0b101}
	want := []bool{true, false, true, true, false, true, true}
	for i, w := range want {
		if got := l.pointer(i); got != w {
			t.Errorf("pointer(%d) = %t, want %t", i, got, w)
		}
	}
	if decodeLayout(l.encode()) != l {
		t.Errorf("layout %+v does not survive encoding", l)
	}
	if NoPtrs.pointer(5) || !Pointers.pointer(5) {
		t.Error("NoPtrs or Pointers describe the wrong fields")
	}
}

func TestHeapAlloc(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		h := newTestHeap(t, false, compressed)
		a := h.alloc(KindPlain, 3, Pointers, 42)
		b := h.alloc(KindWeak, 2, NoPtrs, 7)
		if a.IsNull() || b.IsNull() {
			t.Fatal("allocation failed")
		}
		if uintptr(b)-uintptr(a) != h.Size(a) {
			t.Errorf("objects are %d bytes apart, want %d", uintptr(b)-uintptr(a), h.Size(a))
		}
		if uintptr(a)%objectAlign != 0 || uintptr(b)%objectAlign != 0 {
			t.Errorf("objects %#x and %#x are not aligned", uintptr(a), uintptr(b))
		}
		if h.Kind(a) != KindPlain || h.NumFields(a) != 3 || h.Payload(a) != 42 || h.Layout(a) != Pointers {
			t.Errorf("object a has kind %s, %d fields, payload %d", h.Kind(a), h.NumFields(a), h.Payload(a))
		}
		if h.Kind(b) != KindWeak || h.userField(b) != referenceFields {
			t.Errorf("object b has kind %s", h.Kind(b))
		}
		for i := 0; i < 3; i++ {
			if !h.Field(a, i).Load().IsNull() {
				t.Errorf("field %d of a fresh object is not null", i)
			}
		}
		h.Field(a, 2).Store(b)
		if got := h.Field(a, 2).Load(); got != b {
			t.Errorf("field 2 = %#x, want %#x", uintptr(got), uintptr(b))
		}
		if got := h.Fields(a).Len(); got != 3 {
			t.Errorf("Fields(a).Len() = %d, want 3", got)
		}
		if h.Used() != h.Size(a)+h.Size(b) {
			t.Errorf("Used() = %d", h.Used())
		}
	}
}

func TestHeapFull(t *testing.T) {
	h := newTestHeap(t, false, false)
	n := 0
	for !h.alloc(KindPlain, 100, NoPtrs, 0).IsNull() {
		n++
	}
	if want := int(h.Capacity() / objectSize(h.enc, 100)); n != want {
		t.Errorf("allocated %d objects before running out, want %d", n, want)
	}
}

func TestMarkRelease(t *testing.T) {
	h := newTestHeap(t, false, false)
	live := h.alloc(KindPlain, 1, NoPtrs, 1)
	garbage := h.alloc(KindPlain, 1, NoPtrs, 2)
	if !h.mark(live) || h.mark(live) {
		t.Error("mark should succeed exactly once")
	}
	if !h.IsLive(live) || h.IsLive(garbage) {
		t.Error("IsLive does not follow the mark bit")
	}
	objects, bytes := h.release()
	if objects != 1 || bytes != h.Size(live) {
		t.Errorf("release() = %d objects, %d bytes", objects, bytes)
	}
	if h.IsLive(live) || h.IsDead(live) {
		t.Error("surviving object is still marked or was freed")
	}
	if !h.IsDead(garbage) {
		t.Error("unmarked object was not freed")
	}
}

func TestForward(t *testing.T) {
	h := newTestHeap(t, true, false)
	a := h.alloc(KindPlain, 2, Pointers, 5)
	b := h.alloc(KindPlain, 0, NoPtrs, 6)
	h.Field(a, 1).Store(b)

	to, copied := h.forward(a)
	if !copied || to == a {
		t.Fatalf("forward(a) = %#x, %t", uintptr(to), copied)
	}
	if again, copied := h.forward(a); copied || again != to {
		t.Errorf("second forward(a) = %#x, %t, want %#x, false", uintptr(again), copied, uintptr(to))
	}
	if same, copied := h.forward(to); copied || same != to {
		t.Error("forwarding a copy made another copy")
	}
	if fwd, ok := h.Forwarded(a); !ok || fwd != to {
		t.Errorf("Forwarded(a) = %#x, %t", uintptr(fwd), ok)
	}
	if !h.IsLive(a) || !h.IsLive(to) {
		t.Error("forwarded object or its copy is not live")
	}
	if h.Payload(to) != 5 || h.NumFields(to) != 2 || h.Field(to, 1).Load() != b {
		t.Error("copy differs from the original")
	}

	objects, _ := h.release()
	if objects != 1 {
		t.Errorf("release() kept %d objects, want 1", objects)
	}
	if !h.Contains(to) || h.Contains(a) {
		t.Error("spaces were not flipped")
	}
	if h.IsLive(to) {
		t.Error("copy is still marked after release")
	}
	if h.Used() != h.Size(to) {
		t.Errorf("Used() = %d, want %d", h.Used(), h.Size(to))
	}
}
