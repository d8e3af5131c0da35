//go:build unix

package ffa

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedHostPageSize int
	hostPageSizeOnce   sync.Once
)

// HostPageSize returns the page size of the machine running the hypervisor.
func HostPageSize() int {
	hostPageSizeOnce.Do(func() {
		cachedHostPageSize = unix.Getpagesize()
	})
	return cachedHostPageSize
}

// MmapBacked reports whether physical memory is backed by anonymous mmap.
func MmapBacked() bool { return true }

// allocateBacking maps size bytes of zeroed anonymous memory, rounded up to
// the host page size.
func allocateBacking(size uint64) ([]byte, func([]byte) error, error) {
	hps := uint64(HostPageSize())
	mapped := (size + hps - 1) / hps * hps
	mem, err := unix.Mmap(-1, 0, int(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", mapped, err)
	}
	release := func([]byte) error { return unix.Munmap(mem) }
	return mem[:size], release, nil
}
