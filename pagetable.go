package ffa

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// entriesPerRange bounds how many extra extents one range update can create:
// splitting a single extent leaves a head, the new extent and a tail.
const entriesPerRange = 2

// PageTable is the stage-2 translation of one VM. Unmapped pages have no
// extent. Every extent consumes one entry from the shared Pool.
type PageTable struct {
	vm      VMID
	mu      sync.Mutex
	extents *rangeMap[Mode]
	pool    *Pool
	entries []uint

	tlbInvalidations atomic.Uint64
}

// NewPageTable returns an empty stage-2 table for vm.
func NewPageTable(vm VMID, pool *Pool) *PageTable {
	return &PageTable{vm: vm, extents: newRangeMap[Mode](), pool: pool}
}

// GetMode returns the mode shared by every page of r. Pages without an
// extent report ModeUnmapped. It fails if the range mixes modes.
func (pt *PageTable) GetMode(r Range) (Mode, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.getMode(r)
}

func (pt *PageTable) getMode(r Range) (Mode, bool) {
	var (
		mode  Mode
		first = true
		ok    = true
	)
	pt.extents.visit(r, func(_ Range, m Mode, present bool) bool {
		if !present {
			m = ModeUnmapped
		}
		if !first && m != mode {
			ok = false
			return false
		}
		mode, first = m, false
		return true
	})
	return mode, ok && !first
}

// ModeOf returns the uniform mode across all of ranges.
func (pt *PageTable) ModeOf(ranges []Range) (Mode, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var (
		mode  Mode
		first = true
	)
	for _, r := range ranges {
		m, ok := pt.getMode(r)
		if !ok || (!first && m != mode) {
			return 0, false
		}
		mode, first = m, false
	}
	return mode, !first
}

// Extents returns the number of extents the table holds.
func (pt *PageTable) Extents() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.extents.Len()
}

// TLBInvalidations returns how many times the table's TLB entries were
// invalidated.
func (pt *PageTable) TLBInvalidations() uint64 { return pt.tlbInvalidations.Load() }

// StagedChange is a pending stage-2 update. Its pool entries are reserved up
// front so Commit cannot fail; Discard returns them. Callers defer Discard
// immediately after a successful Stage, which is a no-op once committed.
type StagedChange struct {
	pt       *PageTable
	ranges   []Range
	mode     Mode
	reserved []uint
	done     bool
}

// Stage reserves the metadata needed to set ranges to mode. A failed
// reservation returns a NO_MEMORY error and leaves the table untouched.
func (pt *PageTable) Stage(ranges []Range, mode Mode) (*StagedChange, error) {
	for _, r := range ranges {
		if !r.Valid() {
			return nil, fmt.Errorf("stage2: %s %s: %w", pt.vm, r, ErrInvalidAlignment)
		}
	}
	reserved, err := pt.pool.Alloc(uint(len(ranges)) * entriesPerRange)
	if err != nil {
		return nil, fmt.Errorf("stage2: %s: %w", pt.vm, err)
	}
	return &StagedChange{
		pt:       pt,
		ranges:   append([]Range(nil), ranges...),
		mode:     mode,
		reserved: reserved,
	}, nil
}

// Commit applies the change and invalidates the affected TLB entries before
// returning.
func (c *StagedChange) Commit() {
	if c.done {
		panic("stage2: staged change committed twice")
	}
	c.done = true
	pt := c.pt

	pt.mu.Lock()
	defer pt.mu.Unlock()

	before := pt.extents.Len()
	for _, r := range c.ranges {
		if c.mode == ModeUnmapped {
			pt.extents.clear(r)
		} else {
			pt.extents.set(r, c.mode)
		}
	}
	after := pt.extents.Len()

	switch {
	case after > before:
		grow := after - before
		if grow > len(c.reserved) {
			panic(fmt.Sprintf("stage2: %s: commit needs %d entries, %d reserved", pt.vm, grow, len(c.reserved)))
		}
		pt.entries = append(pt.entries, c.reserved[:grow]...)
		c.reserved = c.reserved[grow:]
	case after < before:
		shrink := before - after
		n := len(pt.entries) - shrink
		c.reserved = append(c.reserved, pt.entries[n:]...)
		pt.entries = pt.entries[:n]
	}
	pt.pool.Free(c.reserved)
	c.reserved = nil

	pt.invalidateTLB(c.ranges)
	recordPageTableCommit()
}

// Discard releases the reservation of an uncommitted change.
func (c *StagedChange) Discard() {
	if c == nil || c.done {
		return
	}
	c.done = true
	c.pt.pool.Free(c.reserved)
	c.reserved = nil
	recordRollback()
}

func (pt *PageTable) invalidateTLB(ranges []Range) {
	pt.tlbInvalidations.Add(1)
	recordTLBInvalidation(len(ranges))
}

// release drops every mapping and returns its entries to the pool.
func (pt *PageTable) release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.extents = newRangeMap[Mode]()
	pt.pool.Free(pt.entries)
	pt.entries = nil
	pt.tlbInvalidations.Add(1)
}
