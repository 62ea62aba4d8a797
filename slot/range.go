package slot

// Range is a run of consecutive field slots, for example the elements of a
// reference array.
type Range struct {
	start, end uintptr
	enc        *Encoding
}

// Range returns the field slots in [start, end). Both ends must be aligned to
// the field size.
func (enc *Encoding) Range(start, end uintptr) Range {
	return Range{start: start, end: end, enc: enc}
}

func (r Range) Start() uintptr { return r.start }

func (r Range) End() uintptr { return r.end }

func (r Range) Len() int {
	return int((r.end - r.start) / r.enc.FieldBytes())
}

func (r Range) IsEmpty() bool { return r.start >= r.end }

func (r Range) At(i int) FieldSlot {
	return r.enc.Field(r.start + uintptr(i)*r.enc.FieldBytes())
}

// Each calls fn for every slot in order.
func (r Range) Each(fn func(FieldSlot)) {
	step := r.enc.FieldBytes()
	for a := r.start; a < r.end; a += step {
		fn(r.enc.Field(a))
	}
}

// Chunks splits the range into sub-ranges of at most n slots each, so a large
// array can be scanned by several workers.
func (r Range) Chunks(n int) []Range {
	if n <= 0 {
		panic("slot: non-positive chunk size")
	}
	size := uintptr(n) * r.enc.FieldBytes()
	var chunks []Range
	for a := r.start; a < r.end; a += size {
		end := a + size
		if end > r.end {
			end = r.end
		}
		chunks = append(chunks, Range{start: a, end: end, enc: r.enc})
	}
	return chunks
}
