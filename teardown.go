package ffa

import (
	"fmt"

	"go.uber.org/zap"
)

// DestroyVM tears down a VM. Memory it had retrieved is released as if
// relinquished. Memory it had sent stays mapped by any receivers holding
// it but can never be reclaimed; once the last of them lets go it is
// quarantined. Everything else it owned is quarantined immediately.
func (h *Hypervisor) DestroyVM(id VMID) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.ledger.Lock()
	defer h.ledger.Unlock()

	vm, ok := h.vmByID(id)
	if !ok {
		return fmt.Errorf("ffa: destroy %s: %w", id, ErrUnknownVM)
	}
	if handle, busy := h.sending[id]; busy {
		if tx, ok := h.shares.lookup(handle); ok {
			h.abortSend(tx)
		}
	}

	var live []*transaction
	h.shares.each(func(tx *transaction) { live = append(live, tx) })
	for _, tx := range live {
		if tx.phase == PhaseReclaimed {
			continue
		}
		if rs, ok := tx.receiver(id); ok && !rs.gone {
			h.dropReceiver(tx, rs)
		}
		if tx.sender == id && tx.phase != PhaseReclaimed {
			h.orphan(tx)
		}
	}

	if owned := h.ledger.ownedBy(id); len(owned) > 0 {
		h.transfer(owned, Ownership{Owner: HypervisorID, Mode: ModeUnmapped, State: StateQuarantined})
		h.log.Info("memory quarantined", withVM(id), withRanges(owned))
	}
	vm.table.release()
	h.vms[id-1] = nil

	recordVMDestroy()
	h.log.Info("vm destroyed", withVM(id))
	return nil
}

// dropReceiver forgets a destroyed receiver's part in tx.
func (h *Hypervisor) dropReceiver(tx *transaction, rs *receiverState) {
	held := rs.holding || rs.retrieving()
	retrieving := rs.retrieving()
	rs.gone = true
	rs.holding = false
	rs.response = nil
	rs.delivered = 0
	if !held {
		return
	}
	if tx.kind == KindDonate {
		// The donation already belongs to the receiver; its pages are
		// quarantined with the rest of what it owns.
		if retrieving {
			tx.phase = PhaseReclaimed
			h.freeHandle(tx.handle)
		}
		return
	}
	if tx.holders() == 0 && tx.region.Flags&FlagClearRelinquish != 0 {
		if err := h.memory.Zero(tx.ranges); err != nil {
			h.halt("cannot clear memory released by a destroyed receiver", withHandle(tx.handle), zap.Error(err))
		}
	}
	h.afterRelease(tx)
}

// orphan detaches tx from its destroyed sender.
func (h *Hypervisor) orphan(tx *transaction) {
	if tx.kind == KindDonate && tx.phase == PhaseRetrieved {
		// Already the receiver's; only the response is still in flight.
		return
	}
	if tx.holders() == 0 {
		h.quarantineTransaction(tx)
		return
	}
	tx.orphaned = true
	own, ok := h.ledger.uniform(tx.ranges)
	if !ok {
		h.halt("ledger lost a transaction's ranges", withHandle(tx.handle), withRanges(tx.ranges))
	}
	own.Owner = HypervisorID
	h.transfer(tx.ranges, own)
	h.log.Info("transaction orphaned", withHandle(tx.handle), withVM(tx.sender), zap.Int("holders", tx.holders()))
}

// ReleaseQuarantine zeroes a quarantined range and gives it to VM to with
// the given stage-2 mode, zero meaning ModeRWX.
func (h *Hypervisor) ReleaseQuarantine(r Range, to VMID, mode Mode) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.ledger.Lock()
	defer h.ledger.Unlock()

	if !r.Valid() {
		return fmt.Errorf("ffa: release %s: %w", r, ErrInvalidAlignment)
	}
	if mode == 0 {
		mode = ModeRWX
	}
	if mode.State() != 0 || mode.Access() == 0 {
		return fmt.Errorf("ffa: release %s: mode %s: %w", r, mode, ErrInvalidParameters)
	}
	vm, ok := h.vmByID(to)
	if !ok {
		return fmt.Errorf("ffa: release %s to %s: %w", r, to, ErrUnknownVM)
	}
	ranges := []Range{r}
	own, ok := h.ledger.uniform(ranges)
	if !ok || own.State != StateQuarantined || !h.ledger.ranges.covered(r) {
		return fmt.Errorf("ffa: release %s: not quarantined: %w", r, ErrDenied)
	}
	if cur, ok := vm.table.ModeOf(ranges); !ok || cur != ModeUnmapped {
		return fmt.Errorf("ffa: release %s: %s already maps part of it: %w", r, to, ErrDenied)
	}

	change, err := vm.table.Stage(ranges, mode)
	if err != nil {
		return err
	}
	defer change.Discard()
	if err := h.memory.Zero(ranges); err != nil {
		return fmt.Errorf("ffa: release %s: clear: %v: %w", r, err, ErrAborted)
	}
	change.Commit()
	h.transfer(ranges, Ownership{Owner: to, Mode: mode, State: StateExclusive})
	h.verify(ranges)

	h.log.Info("quarantine released", withVM(to), zap.Stringer("range", r), zap.Stringer("mode", mode))
	return nil
}
