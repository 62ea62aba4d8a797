package simvm

import "unsafe"

// Arena is a block of memory outside the Go heap. Objects in it are addressed
// by raw addresses, so it must never move.
type Arena struct {
	mem []byte
}

func (a *Arena) Start() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
}

func (a *Arena) End() uintptr {
	return a.Start() + uintptr(len(a.mem))
}

func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// zero clears [start, end), which must lie within the arena.
func (a *Arena) zero(start, end uintptr) {
	base := a.Start()
	clear(a.mem[start-base : end-base])
}

// bytes returns the memory in [start, end).
func (a *Arena) bytes(start, end uintptr) []byte {
	base := a.Start()
	return a.mem[start-base : end-base]
}
