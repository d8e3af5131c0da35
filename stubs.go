//go:build !unix

package ffa

// HostPageSize returns the translation granule on platforms without a
// page-size query.
func HostPageSize() int { return PageSize }

// MmapBacked reports whether physical memory is backed by anonymous mmap.
func MmapBacked() bool { return false }

// allocateBacking falls back to heap memory where mmap is unavailable.
func allocateBacking(size uint64) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
