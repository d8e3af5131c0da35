package ffa

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Handle names a memory transaction. Handles allocated by the hypervisor
// have bit 63 set; the remaining bits hold a generation tag and a slot index
// so a freed handle never aliases a later transaction in the same slot.
type Handle uint64

const (
	// HandleInvalid is never allocated.
	HandleInvalid Handle = ^Handle(0)

	handleAllocatorHypervisor Handle = 1 << 63
	handleIndexBits                  = 32
	handleIndexMask           Handle = 1<<handleIndexBits - 1
	handleGenerationMask      Handle = 1<<31 - 1
)

func makeHandle(generation uint32, index uint32) Handle {
	return handleAllocatorHypervisor |
		(Handle(generation)&handleGenerationMask)<<handleIndexBits |
		Handle(index)
}

func (h Handle) index() uint32      { return uint32(h & handleIndexMask) }
func (h Handle) generation() uint32 { return uint32((h >> handleIndexBits) & handleGenerationMask) }

// HypervisorAllocated reports whether h was allocated by the hypervisor.
func (h Handle) HypervisorAllocated() bool { return h&handleAllocatorHypervisor != 0 }

func (h Handle) String() string { return fmt.Sprintf("%#x", uint64(h)) }

// handleFromArgs joins a handle split across two 32-bit call arguments.
func handleFromArgs(lo, hi uint64) Handle {
	return Handle(uint32(lo)) | Handle(uint32(hi))<<32
}

// args splits h into the low and high call arguments.
func (h Handle) args() (lo, hi uint64) {
	return uint64(uint32(h)), uint64(uint32(h >> 32))
}

type slot struct {
	generation uint32
	tx         *transaction
}

// Registry is the fixed-capacity table of live transactions.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	inUse *bitset.BitSet
	next  uint
}

// NewRegistry returns a registry holding at most capacity transactions.
func NewRegistry(capacity uint) *Registry {
	return &Registry{
		slots: make([]slot, capacity),
		inUse: bitset.New(capacity),
	}
}

// allocate stores tx and returns its new handle. Slots are handed out
// round-robin so a freed handle's slot is reused as late as possible.
func (r *Registry) allocate(tx *transaction) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := uint(len(r.slots))
	if r.inUse.Count() >= capacity {
		recordResourceError()
		return HandleInvalid, ErrRegistryFull
	}
	idx, ok := r.inUse.NextClear(r.next)
	if !ok || idx >= capacity {
		idx, _ = r.inUse.NextClear(0)
	}
	r.inUse.Set(idx)
	r.next = (idx + 1) % capacity

	s := &r.slots[idx]
	s.generation = (s.generation + 1) & uint32(handleGenerationMask)
	s.tx = tx
	h := makeHandle(s.generation, uint32(idx))
	tx.handle = h
	recordHandleAllocated()
	return h, nil
}

// lookup returns the live transaction named by h.
func (r *Registry) lookup(h Handle) (*transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotOf(h)
	if !ok {
		return nil, false
	}
	return s.tx, true
}

// free releases h. Freeing a stale handle is an error.
func (r *Registry) free(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotOf(h)
	if !ok {
		return fmt.Errorf("registry: free %s: %w", h, ErrUnknownHandle)
	}
	s.tx = nil
	r.inUse.Clear(uint(h.index()))
	recordHandleFreed()
	return nil
}

func (r *Registry) slotOf(h Handle) (*slot, bool) {
	if !h.HypervisorAllocated() || h == HandleInvalid {
		return nil, false
	}
	idx := uint(h.index())
	if idx >= uint(len(r.slots)) || !r.inUse.Test(idx) {
		return nil, false
	}
	s := &r.slots[idx]
	if s.generation != h.generation() {
		return nil, false
	}
	return s, true
}

// Len returns the number of live transactions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.inUse.Count())
}

// each calls fn for every live transaction in slot order.
func (r *Registry) each(fn func(tx *transaction)) {
	r.mu.Lock()
	live := make([]*transaction, 0, r.inUse.Count())
	for i, ok := r.inUse.NextSet(0); ok; i, ok = r.inUse.NextSet(i + 1) {
		live = append(live, r.slots[i].tx)
	}
	r.mu.Unlock()
	for _, tx := range live {
		fn(tx)
	}
}
