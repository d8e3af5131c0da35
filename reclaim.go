package ffa

import (
	"fmt"

	"go.uber.org/zap"
)

// memoryRelinquish handles MEM_RELINQUISH with the descriptor in the
// caller's TX buffer.
func (h *Hypervisor) memoryRelinquish(receiver *VM) Value {
	buf, err := receiver.mailbox.snapshotTX(MailboxSize)
	if err != nil {
		return errorValueOf(err)
	}
	d, err := DecodeRelinquish(buf)
	if err != nil {
		return errorValueOf(err)
	}
	if len(d.Endpoints) != 1 || d.Endpoints[0] != receiver.id {
		return errorValueOf(fmt.Errorf("relinquish %s: endpoints %v, caller is %s: %w", d.Handle, d.Endpoints, receiver.id, ErrInvalidParameters))
	}
	if err := h.relinquish(receiver, d.Handle, d.Flags); err != nil {
		h.log.Debug("relinquish rejected", withVM(receiver.id), withHandle(d.Handle), zap.Error(err))
		return errorValueOf(err)
	}
	return successValue(0)
}

// relinquish unmaps a retrieved lend or share from the receiver.
func (h *Hypervisor) relinquish(receiver *VM, handle Handle, flags RegionFlags) error {
	tx, ok := h.shares.lookup(handle)
	if !ok || tx.phase == PhaseSending {
		return fmt.Errorf("relinquish %s: %w", handle, ErrUnknownHandle)
	}
	rs, ok := tx.receiver(receiver.id)
	if !ok {
		return fmt.Errorf("relinquish %s by %s: %w", handle, receiver.id, ErrNotReceiver)
	}
	if !rs.holding {
		return fmt.Errorf("relinquish %s: %s does not hold the memory: %w", handle, receiver.id, ErrDenied)
	}
	if rs.retrieving() {
		return fmt.Errorf("relinquish %s: retrieve response still being delivered: %w", handle, ErrBusy)
	}
	if flags&FlagClear != 0 && tx.kind == KindShare {
		return fmt.Errorf("relinquish %s: shared memory cannot be cleared: %w", handle, ErrInvalidParameters)
	}

	mode, ok := receiver.table.ModeOf(tx.ranges)
	if !ok || mode&ModeUnowned == 0 || mode&ModeInvalid != 0 {
		h.halt("receiver mapping does not match a retrieved transaction",
			withVM(receiver.id), withHandle(handle), zap.Stringer("mode", mode))
	}

	last := tx.holders() == 1
	zero := last && (flags&FlagClear != 0 || tx.region.Flags&FlagClearRelinquish != 0)

	change, err := receiver.table.Stage(tx.ranges, ModeUnmapped)
	if err != nil {
		return err
	}
	defer change.Discard()
	if zero {
		if err := h.memory.Zero(tx.ranges); err != nil {
			return fmt.Errorf("relinquish %s: clear: %v: %w", handle, err, ErrAborted)
		}
	}
	change.Commit()

	rs.holding = false
	h.afterRelease(tx)
	h.verify(tx.ranges)
	recordRelinquish()
	h.log.Debug("memory relinquished", withVM(receiver.id), withHandle(handle), zap.Bool("cleared", zero))
	return nil
}

// afterRelease updates a lend or share once a receiver stops holding it.
// When the last holder leaves, the memory becomes reclaimable by its sender
// or, if the sender is gone, is quarantined.
func (h *Hypervisor) afterRelease(tx *transaction) {
	if tx.holders() > 0 {
		return
	}
	if tx.orphaned {
		h.quarantineTransaction(tx)
		return
	}
	tx.phase = PhaseRelinquished
	own, ok := h.ledger.uniform(tx.ranges)
	if !ok || own.Owner != tx.sender {
		h.halt("ledger lost a transaction's ranges", withHandle(tx.handle), withRanges(tx.ranges))
	}
	own.State = StateReclaimable
	h.transfer(tx.ranges, own)
}

// quarantineTransaction hands the memory of a transaction whose sender was
// destroyed to the hypervisor and retires its handle.
func (h *Hypervisor) quarantineTransaction(tx *transaction) {
	h.transfer(tx.ranges, Ownership{Owner: HypervisorID, Mode: ModeUnmapped, State: StateQuarantined})
	tx.phase = PhaseReclaimed
	h.freeHandle(tx.handle)
	h.log.Info("memory quarantined", withHandle(tx.handle), withRanges(tx.ranges))
}

// memoryReclaim handles MEM_RECLAIM: x1/x2 is the handle and x3 the flags.
func (h *Hypervisor) memoryReclaim(sender *VM, args Value) Value {
	handle := handleFromArgs(args.Arg1, args.Arg2)
	flags := RegionFlags(args.Arg3)
	if args.Arg3 > uint64(^uint32(0)) || flags&^relinquishFlagsMask != 0 {
		return errorValueOf(fmt.Errorf("reclaim %s: flags %#x: %w", handle, args.Arg3, ErrInvalidParameters))
	}
	if err := h.reclaim(sender, handle, flags); err != nil {
		h.log.Debug("reclaim rejected", withVM(sender.id), withHandle(handle), zap.Error(err))
		return errorValueOf(err)
	}
	return successValue(0)
}

// reclaim restores the sender's original mapping of a lend or share that no
// receiver holds, or of a donation that was never retrieved.
func (h *Hypervisor) reclaim(sender *VM, handle Handle, flags RegionFlags) error {
	tx, ok := h.shares.lookup(handle)
	if !ok || tx.phase == PhaseSending {
		return fmt.Errorf("reclaim %s: %w", handle, ErrUnknownHandle)
	}
	if tx.sender != sender.id {
		return fmt.Errorf("reclaim %s: sent by %s, not %s: %w", handle, tx.sender, sender.id, ErrNotOwner)
	}
	if n := tx.holders(); n > 0 {
		return fmt.Errorf("reclaim %s: %d receivers: %w", handle, n, ErrStillRetrieved)
	}
	if flags&FlagClear != 0 && tx.kind == KindShare {
		return fmt.Errorf("reclaim %s: shared memory cannot be cleared: %w", handle, ErrInvalidParameters)
	}

	change, err := sender.table.Stage(tx.ranges, tx.senderMode)
	if err != nil {
		return err
	}
	defer change.Discard()
	if flags&FlagClear != 0 {
		if err := h.memory.Zero(tx.ranges); err != nil {
			return fmt.Errorf("reclaim %s: clear: %v: %w", handle, err, ErrAborted)
		}
	}
	change.Commit()

	h.transfer(tx.ranges, Ownership{Owner: sender.id, Mode: tx.senderMode, State: StateExclusive})
	tx.phase = PhaseReclaimed
	h.freeHandle(handle)
	h.verify(tx.ranges)
	recordReclaim()
	h.log.Debug("memory reclaimed", withVM(sender.id), withHandle(handle), zap.Stringer("kind", tx.kind))
	return nil
}
