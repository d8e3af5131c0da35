package ffa

import (
	"fmt"
	"sync"
)

// PageState is the sharing state of a page in the ownership ledger.
type PageState uint8

const (
	// StateExclusive pages are owned and mapped by exactly one VM.
	StateExclusive PageState = iota
	// StateShared pages are owned by the sender and offered or mapped to
	// receivers alongside it.
	StateShared
	// StateLent pages are owned by the sender, which has lost access.
	StateLent
	// StateReclaimable pages were lent or shared and every receiver has
	// relinquished them.
	StateReclaimable
	// StateDonating pages have left the sender and are waiting for the
	// receiver to retrieve them.
	StateDonating
	// StateQuarantined pages belonged to a destroyed VM and are held by the
	// hypervisor until explicitly reassigned.
	StateQuarantined
)

func (s PageState) String() string {
	switch s {
	case StateExclusive:
		return "exclusive"
	case StateShared:
		return "shared"
	case StateLent:
		return "lent"
	case StateReclaimable:
		return "reclaimable"
	case StateDonating:
		return "donating"
	case StateQuarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// Ownership is the ledger record of a page. Mode is the owner's current
// stage-2 mode, so it always matches the owner's page table.
type Ownership struct {
	Owner  VMID
	Mode   Mode
	State  PageState
	Handle Handle
}

// Ledger is the authoritative record of which VM owns each tracked physical
// page. It is guarded by a single lock that every memory transaction and
// every access check takes first.
type Ledger struct {
	mu     sync.Mutex
	ranges *rangeMap[Ownership]
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{ranges: newRangeMap[Ownership]()}
}

// Lock acquires the global ledger lock.
func (l *Ledger) Lock() { l.mu.Lock() }

// Unlock releases the global ledger lock.
func (l *Ledger) Unlock() { l.mu.Unlock() }

// Query returns the ownership record of the page containing addr.
func (l *Ledger) Query(addr uint64) (Ownership, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query(addr)
}

func (l *Ledger) query(addr uint64) (Ownership, bool) {
	return l.ranges.get(addr &^ pageMask)
}

// assign starts tracking r. Every page of r must be untracked.
func (l *Ledger) assign(r Range, o Ownership) error {
	if !r.Valid() {
		return fmt.Errorf("ledger: assign %s: %w", r, ErrInvalidAlignment)
	}
	if len(l.ranges.overlapping(r)) != 0 {
		return fmt.Errorf("ledger: assign %s: range already tracked: %w", r, ErrDenied)
	}
	l.ranges.set(r, o)
	return nil
}

// uniform returns the single ownership record covering all of ranges.
func (l *Ledger) uniform(ranges []Range) (Ownership, bool) {
	var (
		o     Ownership
		first = true
	)
	for _, r := range ranges {
		ro, ok := l.ranges.uniform(r)
		if !ok || (!first && ro != o) {
			return Ownership{}, false
		}
		o, first = ro, false
	}
	return o, !first
}

// transfer atomically records o for every page of ranges. Either every
// range is already tracked and all are updated, or nothing changes.
func (l *Ledger) transfer(ranges []Range, o Ownership) error {
	for _, r := range ranges {
		if !r.Valid() {
			return fmt.Errorf("ledger: transfer %s: %w", r, ErrInvalidAlignment)
		}
		if !l.ranges.covered(r) {
			return fmt.Errorf("ledger: transfer %s: untracked pages: %w", r, ErrInvalidParameters)
		}
	}
	for _, r := range ranges {
		l.ranges.set(r, o)
	}
	return nil
}

// Transfer is the locked form of transfer.
func (l *Ledger) Transfer(ranges []Range, o Ownership) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(ranges, o)
}

// ownedBy returns the ranges whose owner is id.
func (l *Ledger) ownedBy(id VMID) []Range {
	var out []Range
	l.ranges.ascend(func(r Range, o Ownership) bool {
		if o.Owner == id {
			out = append(out, r)
		}
		return true
	})
	return out
}

// LedgerEntry is one contiguous run of identically recorded pages.
type LedgerEntry struct {
	Range Range
	Ownership
}

// Snapshot returns the ledger contents in address order.
func (l *Ledger) Snapshot() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LedgerEntry
	l.ranges.ascend(func(r Range, o Ownership) bool {
		out = append(out, LedgerEntry{Range: r, Ownership: o})
		return true
	})
	return out
}
