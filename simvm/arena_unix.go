//go:build unix

package simvm

import (
	"fmt"

	"github.com/inhies/go-bytesize"
	"golang.org/x/sys/unix"
)

// NewArena maps size bytes of anonymous memory.
func NewArena(size uintptr) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("could not map %s arena: %w", bytesize.New(float64(size)), err)
	}
	return &Arena{mem: mem}, nil
}

// Close unmaps the arena. No slot into it may be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
