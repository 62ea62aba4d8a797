package slot

import "testing"

func TestChooseEncoding(t *testing.T) {
	const (
		mb = 1 << 20
		gb = 1 << 30
	)
	for _, tc := range []struct {
		start, end uint64
		baseOnly   bool
		base       uint64
		shift      uint
	}{
		{start: 64 * mb, end: 1 * gb, base: 0, shift: 0},
		{start: 1 * gb, end: 4 * gb, base: 0, shift: 0},
		{start: 1 * gb, end: 16 * gb, base: 0, shift: 3},
		{start: 40 * gb, end: 44 * gb, base: 40*gb - 4096, shift: 3},
		{start: 40 * gb, end: 42 * gb, baseOnly: true, base: 40*gb - 4096, shift: 0},
		{start: 40 * gb, end: 48 * gb, baseOnly: true, base: 40*gb - 4096, shift: 3},
	} {
		enc := ChooseEncoding(uintptr(tc.start), uintptr(tc.end), tc.baseOnly)
		if !enc.Compressed || uint64(enc.Base) != tc.base || enc.Shift != tc.shift {
			t.Errorf("ChooseEncoding(%#x, %#x, %v) = %+v, want base %#x shift %d",
				tc.start, tc.end, tc.baseOnly, enc, tc.base, tc.shift)
		}
		if err := enc.Validate(uintptr(tc.start), uintptr(tc.end)); err != nil {
			t.Errorf("encoding %+v does not cover its own heap: %v", enc, err)
		}
	}
}

func TestCompressRoundTrip(t *testing.T) {
	heapStart := uintptr(40 << 30)
	heapEnd := heapStart + 8<<30
	for _, baseOnly := range []bool{false, true} {
		enc := ChooseEncoding(heapStart, heapEnd, baseOnly)
		step := uintptr(1) << enc.Shift
		for _, addr := range []uintptr{heapStart, heapStart + step, heapStart + 1<<20, heapEnd - step} {
			if baseOnly && enc.Shift == 0 && uint64(addr-enc.Base) > 0xffffffff {
				continue
			}
			r := Ref(addr)
			v := Compress(enc, r)
			if v == 0 {
				t.Errorf("Compress(%#x) = 0 for a heap reference", addr)
			}
			if got := Decompress(enc, v); got != r {
				t.Errorf("Decompress(Compress(%#x)) = %#x", addr, got)
			}
		}
		if v := Compress(enc, Null); v != 0 {
			t.Errorf("Compress(Null) = %d, want 0", v)
		}
		if r := Decompress(enc, 0); r != Null {
			t.Errorf("Decompress(0) = %#x, want Null", r)
		}
	}
}

func TestValidate(t *testing.T) {
	enc := Encoding{Compressed: true}
	if err := enc.Validate(1<<30, 8<<30); err == nil {
		t.Error("identity encoding accepted a heap ending above 4GiB")
	}
	enc = Encoding{Compressed: true, Base: 1 << 30, Shift: 3}
	if err := enc.Validate(1<<30, 2<<30); err == nil {
		t.Error("encoding accepted a heap starting at its base")
	}
	if err := Uncompressed().Validate(0, 1); err != nil {
		t.Errorf("uncompressed encoding rejected a heap: %v", err)
	}
}

func TestRootTag(t *testing.T) {
	const addr = 0x7f0012345678
	raw := TagRoot(addr, false)
	if raw == addr {
		t.Error("direct root is not tagged")
	}
	if a, c := UntagRoot(raw); a != addr || c {
		t.Errorf("UntagRoot(direct) = %#x, %v, want %#x, false", a, c, addr)
	}
	raw = TagRoot(addr, true)
	if a, c := UntagRoot(raw); a != addr || !c {
		t.Errorf("UntagRoot(compressed) = %#x, %v, want %#x, true", a, c, addr)
	}
}
