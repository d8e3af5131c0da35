package ffa

import "fmt"

// Phase is the lifecycle phase of a memory transaction.
type Phase uint8

const (
	// PhaseSending transactions are still receiving descriptor fragments.
	PhaseSending Phase = iota
	// PhasePending transactions have been sent and not yet retrieved.
	PhasePending
	// PhaseRetrieved transactions are mapped by at least one receiver.
	PhaseRetrieved
	// PhaseRelinquished transactions were retrieved and every receiver has
	// given them up.
	PhaseRelinquished
	// PhaseReclaimed transactions are finished and their handle is free.
	PhaseReclaimed
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhasePending:
		return "pending"
	case PhaseRetrieved:
		return "retrieved"
	case PhaseRelinquished:
		return "relinquished"
	case PhaseReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

type receiverState struct {
	id VMID
	// sent is the permission the sender granted, as stored.
	sent Permissions
	// granted is the permission the receiver holds while mapped.
	granted Permissions
	holding bool
	gone    bool

	// response holds the encoded retrieve response while fragments of it
	// are still owed to the receiver.
	response  []byte
	delivered uint32
}

func (r *receiverState) retrieving() bool { return r.response != nil }

// transaction is the record behind a handle. It lives in the Registry and
// is only touched with the ledger lock held.
type transaction struct {
	handle     Handle
	kind       Kind
	sender     VMID
	region     *MemoryRegion
	ranges     []Range
	senderMode Mode
	phase      Phase
	receivers  []receiverState
	orphaned   bool
}

func (tx *transaction) receiver(id VMID) (*receiverState, bool) {
	for i := range tx.receivers {
		if tx.receivers[i].id == id {
			return &tx.receivers[i], true
		}
	}
	return nil, false
}

// holders counts receivers that currently map the memory or are part way
// through retrieving it.
func (tx *transaction) holders() int {
	n := 0
	for _, r := range tx.receivers {
		if r.holding || r.retrieving() {
			n++
		}
	}
	return n
}

// ReceiverInfo describes one receiver of a transaction.
type ReceiverInfo struct {
	ID          VMID        `json:"id"`
	Permissions Permissions `json:"permissions"`
	Granted     Permissions `json:"granted"`
	Holding     bool        `json:"holding"`
}

// TransactionInfo is a snapshot of a live transaction.
type TransactionInfo struct {
	Handle       Handle         `json:"handle"`
	Kind         Kind           `json:"kind"`
	Sender       VMID           `json:"sender"`
	Phase        Phase          `json:"phase"`
	Tag          uint64         `json:"tag"`
	Flags        RegionFlags    `json:"flags"`
	Constituents []Constituent  `json:"constituents"`
	Receivers    []ReceiverInfo `json:"receivers"`
	Orphaned     bool           `json:"orphaned"`
}

func (tx *transaction) info() TransactionInfo {
	ti := TransactionInfo{
		Handle:   tx.handle,
		Kind:     tx.kind,
		Sender:   tx.sender,
		Phase:    tx.phase,
		Orphaned: tx.orphaned,
	}
	if tx.region != nil {
		ti.Tag = tx.region.Tag
		ti.Flags = tx.region.Flags
		ti.Constituents = append([]Constituent(nil), tx.region.Constituents...)
	}
	for _, r := range tx.receivers {
		ti.Receivers = append(ti.Receivers, ReceiverInfo{
			ID:          r.id,
			Permissions: r.sent,
			Granted:     r.granted,
			Holding:     r.holding,
		})
	}
	return ti
}

// Transaction returns a snapshot of the live transaction named by handle.
func (h *Hypervisor) Transaction(handle Handle) (TransactionInfo, bool) {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	tx, ok := h.shares.lookup(handle)
	if !ok {
		return TransactionInfo{}, false
	}
	return tx.info(), true
}

// Transactions returns snapshots of every live transaction.
func (h *Hypervisor) Transactions() []TransactionInfo {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	var out []TransactionInfo
	h.shares.each(func(tx *transaction) {
		out = append(out, tx.info())
	})
	return out
}
