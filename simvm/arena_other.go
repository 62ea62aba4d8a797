//go:build !unix

package simvm

// NewArena allocates size bytes. Without mmap the memory comes from the Go
// heap, which does not move large allocations.
func NewArena(size uintptr) (*Arena, error) {
	return &Arena{mem: make([]byte, size)}, nil
}

func (a *Arena) Close() error {
	a.mem = nil
	return nil
}
