package ffa

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Pool is the bounded supply of page-table metadata entries shared by every
// stage-2 table. Each extent held by a page table consumes one entry.
type Pool struct {
	mu       sync.Mutex
	used     *bitset.BitSet
	capacity uint
	next     uint
}

// NewPool returns a pool of capacity entries.
func NewPool(capacity uint) *Pool {
	return &Pool{used: bitset.New(capacity), capacity: capacity}
}

// Alloc reserves n entries, all or nothing.
func (p *Pool) Alloc(n uint) ([]uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n == 0 {
		return nil, nil
	}
	if p.capacity-p.used.Count() < n {
		recordResourceError()
		return nil, fmt.Errorf("pool: need %d entries, %d free: %w", n, p.capacity-p.used.Count(), ErrPoolExhausted)
	}
	entries := make([]uint, 0, n)
	for i := p.next; uint(len(entries)) < n; {
		idx, ok := p.used.NextClear(i)
		if !ok || idx >= p.capacity {
			i = 0
			continue
		}
		p.used.Set(idx)
		entries = append(entries, idx)
		i = idx + 1
	}
	p.next = entries[len(entries)-1] + 1
	return entries, nil
}

// Free returns entries to the pool.
func (p *Pool) Free(entries []uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if !p.used.Test(e) {
			panic(fmt.Sprintf("pool: double free of entry %d", e))
		}
		p.used.Clear(e)
	}
}

// Available returns the number of free entries.
func (p *Pool) Available() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.used.Count()
}

// Capacity returns the total number of entries.
func (p *Pool) Capacity() uint { return p.capacity }
