package ffa

import (
	"fmt"
	"math"
	"sync"
)

// PhysicalMemory is the RAM the hypervisor hands out to VMs, addressed by
// physical address. VMs are identity mapped, so IPA equals PA.
type PhysicalMemory struct {
	mu      sync.RWMutex
	base    uint64
	mem     []byte
	release func([]byte) error
	closed  bool
}

// NewPhysicalMemory allocates size bytes of RAM at base. Both must be page
// aligned.
func NewPhysicalMemory(base, size uint64) (*PhysicalMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("ffa: physical memory size must be positive")
	}
	if !isPageAligned(base) || !isPageAligned(size) {
		return nil, fmt.Errorf("physical memory %#x+%#x: %w", base, size, ErrInvalidAlignment)
	}
	if base > math.MaxUint64-size {
		return nil, fmt.Errorf("physical memory %#x+%#x: %w", base, size, ErrAddressOverflow)
	}
	mem, release, err := allocateBacking(size)
	if err != nil {
		return nil, fmt.Errorf("ffa: failed to allocate %d bytes of physical memory: %w", size, err)
	}
	return &PhysicalMemory{base: base, mem: mem, release: release}, nil
}

// Range returns the physical range m covers.
func (m *PhysicalMemory) Range() Range {
	return Range{Begin: m.base, End: m.base + uint64(len(m.mem))}
}

// Contains reports whether r lies entirely within m.
func (m *PhysicalMemory) Contains(r Range) bool {
	mr := m.Range()
	return r.Begin >= mr.Begin && r.End <= mr.End && r.Begin <= r.End
}

func (m *PhysicalMemory) slice(addr uint64, n int) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if n < 0 || addr < m.base || addr > math.MaxUint64-uint64(n) || !m.Contains(Range{Begin: addr, End: addr + uint64(n)}) {
		return nil, fmt.Errorf("ffa: physical access %#x+%#x outside %s: %w", addr, n, m.Range(), ErrInvalidParameters)
	}
	off := addr - m.base
	return m.mem[off : off+uint64(n)], nil
}

// ReadAt copies len(p) bytes at physical address addr into p.
func (m *PhysicalMemory) ReadAt(p []byte, addr uint64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriteAt copies p to physical address addr.
func (m *PhysicalMemory) WriteAt(p []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.slice(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Zero clears every page of ranges. Nothing is cleared unless all ranges
// lie within m.
func (m *PhysicalMemory) Zero(ranges []Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range ranges {
		if !m.Contains(r) {
			return fmt.Errorf("ffa: zero %s outside %s: %w", r, m.Range(), ErrInvalidParameters)
		}
	}
	for _, r := range ranges {
		b, err := m.slice(r.Begin, int(r.Size()))
		if err != nil {
			return err
		}
		clear(b)
	}
	return nil
}

// Close releases the backing memory.
func (m *PhysicalMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	mem := m.mem
	m.mem = nil
	if m.release != nil {
		return m.release(mem)
	}
	return nil
}
