package ffa

import (
	"fmt"

	"go.uber.org/zap"
)

func fragRXValue(h Handle, offset uint32) Value {
	lo, hi := h.args()
	return Value{Func: FuncMemFragRX, Arg1: lo, Arg2: hi, Arg3: uint64(offset)}
}

// memorySend handles MEM_DONATE, MEM_LEND and MEM_SHARE: x1 is the total
// descriptor length and x2 the length of the fragment in the TX buffer.
func (h *Hypervisor) memorySend(sender *VM, kind Kind, args Value) Value {
	total, fragLen := args.Arg1, args.Arg2
	if args.Arg3 != 0 || args.Arg4 != 0 {
		return errorValueOf(fmt.Errorf("%s: only the TX buffer is supported: %w", kind, ErrInvalidParameters))
	}
	if fragLen == 0 || fragLen > total || fragLen > MailboxSize {
		return errorValueOf(fmt.Errorf("%s: fragment length %d of %d: %w", kind, fragLen, total, ErrInvalidParameters))
	}
	if total > uint64(h.cfg.maxDescriptorLength()) {
		return errorValueOf(fmt.Errorf("%s: descriptor of %d bytes: %w", kind, total, ErrInvalidParameters))
	}
	if handle, busy := h.sending[sender.id]; busy {
		return errorValueOf(fmt.Errorf("%s: %s still sending %s: %w", kind, sender.id, handle, ErrSendInProgress))
	}

	first, err := sender.mailbox.snapshotTX(uint32(fragLen))
	if err != nil {
		return errorValueOf(err)
	}

	// A descriptor that arrives whole is fully decoded before a handle is
	// allocated. A full registry fails the call with no other effect.
	var region *MemoryRegion
	if fragLen == total {
		if region, err = DecodeRegion(first, h.limits); err != nil {
			return errorValueOf(err)
		}
	}
	tx := &transaction{kind: kind, sender: sender.id, phase: PhaseSending}
	handle, err := h.shares.allocate(tx)
	if err != nil {
		h.log.Debug("memory send: no free handle", withVM(sender.id), zap.Stringer("kind", kind))
		return errorValueOf(err)
	}
	if region != nil {
		return h.finishSend(sender, tx, region)
	}
	if err := h.fragments.Begin(sender.id, handle, uint32(total), first); err != nil {
		h.freeHandle(handle)
		return errorValueOf(err)
	}
	h.sending[sender.id] = handle
	h.log.Debug("memory send: awaiting fragments", withVM(sender.id), withHandle(handle),
		zap.Uint64("received", fragLen), zap.Uint64("total", total))
	return fragRXValue(handle, uint32(fragLen))
}

// memorySendContinue handles MEM_FRAG_TX from a sender: x1/x2 is the
// handle, x3 the fragment length and x4 bits [31:16] the sender ID.
func (h *Hypervisor) memorySendContinue(sender *VM, args Value) Value {
	handle := handleFromArgs(args.Arg1, args.Arg2)
	fragLen := args.Arg3
	if id := VMID(args.Arg4 >> 16); id != 0 && id != sender.id {
		return errorValueOf(fmt.Errorf("frag tx: endpoint %s is not the caller: %w", id, ErrInvalidParameters))
	}
	tx, ok := h.shares.lookup(handle)
	if !ok || tx.phase != PhaseSending || tx.sender != sender.id {
		return errorValueOf(fmt.Errorf("frag tx %s: %w", handle, ErrUnknownHandle))
	}
	if fragLen == 0 || fragLen > MailboxSize {
		h.abortSend(tx)
		return errorValueOf(fmt.Errorf("frag tx %s: fragment length %d: %w", handle, fragLen, ErrInvalidParameters))
	}
	frag, err := sender.mailbox.snapshotTX(uint32(fragLen))
	if err != nil {
		h.abortSend(tx)
		return errorValueOf(err)
	}
	done, err := h.fragments.Append(sender.id, handle, frag)
	if err != nil {
		h.abortSend(tx)
		return errorValueOf(err)
	}
	if !done {
		received, _ := h.fragments.Received(sender.id, handle)
		return fragRXValue(handle, received)
	}
	return h.completeSend(sender, tx)
}

// abortSend drops a transaction that never finished sending.
func (h *Hypervisor) abortSend(tx *transaction) {
	h.fragments.Abort(tx.sender, tx.handle)
	delete(h.sending, tx.sender)
	h.freeHandle(tx.handle)
	h.log.Debug("memory send aborted", withVM(tx.sender), withHandle(tx.handle))
}

// completeSend decodes the reassembled descriptor and applies it.
func (h *Hypervisor) completeSend(sender *VM, tx *transaction) Value {
	delete(h.sending, sender.id)
	buf, ok := h.fragments.Take(sender.id, tx.handle)
	if !ok {
		h.halt("send completed without a full descriptor", withVM(sender.id), withHandle(tx.handle))
	}
	region, err := DecodeRegion(buf, h.limits)
	if err != nil {
		h.freeHandle(tx.handle)
		return errorValueOf(err)
	}
	return h.finishSend(sender, tx, region)
}

func (h *Hypervisor) finishSend(sender *VM, tx *transaction, region *MemoryRegion) Value {
	if err := h.send(sender, tx, region); err != nil {
		h.freeHandle(tx.handle)
		h.log.Debug("memory send rejected", withVM(sender.id), zap.Stringer("kind", tx.kind), zap.Error(err))
		return errorValueOf(err)
	}
	recordSend()
	h.log.Debug("memory sent", withVM(sender.id), withHandle(tx.handle),
		zap.Stringer("kind", tx.kind), withRanges(tx.ranges))
	return successValue(tx.handle)
}

// validateSend checks the parts of a descriptor that depend on the kind of
// transaction.
func validateSend(kind Kind, region *MemoryRegion) error {
	flags := region.Flags
	switch {
	case region.Handle != 0:
		return fmt.Errorf("%s: handle must be zero: %w", kind, ErrInvalidParameters)
	case flags.Kind() != 0:
		return fmt.Errorf("%s: transaction type flags are set by the hypervisor: %w", kind, ErrInvalidParameters)
	case kind == KindShare && flags&(FlagClear|FlagClearRelinquish) != 0:
		return fmt.Errorf("%s: shared memory cannot be cleared: %w", kind, ErrInvalidParameters)
	case kind != KindShare && flags&FlagSenderReadOnly != 0:
		return fmt.Errorf("%s: sender read-only applies to share only: %w", kind, ErrInvalidParameters)
	case kind == KindDonate && len(region.Receivers) != 1:
		return fmt.Errorf("%s: donate needs exactly one receiver: %w", kind, ErrReceiverCount)
	}

	writers := 0
	for _, r := range region.Receivers {
		if r.Permissions.InstructionAccess() != InstructionAccessNotSpecified {
			return fmt.Errorf("%s: sender may not specify instruction access for %s: %w", kind, r.Receiver, ErrInvalidParameters)
		}
		data := r.Permissions.DataAccess()
		if kind == KindDonate && data != DataAccessNotSpecified {
			return fmt.Errorf("%s: data access must be unspecified for %s: %w", kind, r.Receiver, ErrInvalidParameters)
		}
		if kind != KindDonate && data == DataAccessNotSpecified {
			return fmt.Errorf("%s: data access must be specified for %s: %w", kind, r.Receiver, ErrInvalidParameters)
		}
		if data == DataAccessRW {
			writers++
		}
	}
	// Lent memory has a single writer at a time; only share hands out
	// concurrent write access.
	if kind != KindShare && writers > 1 {
		return fmt.Errorf("%s: %d receivers granted write access: %w", kind, writers, ErrInvalidParameters)
	}

	attrs := region.Attributes
	if kind == KindDonate || (kind == KindLend && len(region.Receivers) == 1) {
		if attrs.Type() != MemoryNotSpecified {
			return fmt.Errorf("%s: memory type must be left to the receiver: %w", kind, ErrInvalidParameters)
		}
	} else if attrs != DefaultAttributes {
		return fmt.Errorf("%s: memory attributes %#x must be normal write-back inner-shareable: %w", kind, uint8(attrs), ErrInvalidParameters)
	}
	return nil
}

// send checks that the sender may give up the memory and removes or reduces
// its access. Every check runs before the first mutation.
func (h *Hypervisor) send(sender *VM, tx *transaction, region *MemoryRegion) error {
	if region.Sender != sender.id {
		return fmt.Errorf("%s: descriptor names sender %s, caller is %s: %w", tx.kind, region.Sender, sender.id, ErrDenied)
	}
	if err := validateSend(tx.kind, region); err != nil {
		return err
	}
	for _, r := range region.Receivers {
		if r.Receiver == sender.id {
			return fmt.Errorf("%s: %s cannot send to itself: %w", tx.kind, sender.id, ErrDenied)
		}
		if _, ok := h.vmByID(r.Receiver); !ok {
			return fmt.Errorf("%s: receiver %s: %w", tx.kind, r.Receiver, ErrUnknownVM)
		}
	}

	ranges := region.Ranges()
	orig, ok := sender.table.ModeOf(ranges)
	if !ok {
		return fmt.Errorf("%s: memory has mixed modes in %s: %w", tx.kind, sender.id, ErrNotOwner)
	}
	if orig.State() != 0 || orig&ModeDevice != 0 || orig.Access() == 0 {
		return fmt.Errorf("%s: %s holds the memory as %s: %w", tx.kind, sender.id, orig, ErrNotOwner)
	}
	if own, ok := h.ledger.uniform(ranges); !ok || own.Owner != sender.id || own.State != StateExclusive || own.Mode != orig {
		h.halt("stage-2 reports exclusive ownership the ledger does not record",
			withVM(sender.id), withRanges(ranges), zap.Stringer("mode", orig))
	}

	receivers := make([]receiverState, len(region.Receivers))
	for i, r := range region.Receivers {
		if want := r.Permissions.Mode(orig); want&^orig.Access() != 0 {
			return fmt.Errorf("%s: %s requested %s for %s beyond the sender's %s: %w",
				tx.kind, sender.id, r.Permissions, r.Receiver, orig, ErrDenied)
		}
		sent := r.Permissions
		if tx.kind == KindShare {
			sent = NewPermissions(sent.DataAccess(), InstructionAccessNX)
		}
		receivers[i] = receiverState{id: r.Receiver, sent: sent}
	}

	var next Ownership
	switch tx.kind {
	case KindDonate:
		next = Ownership{Owner: sender.id, Mode: ModeUnmapped, State: StateDonating, Handle: tx.handle}
	case KindLend:
		next = Ownership{Owner: sender.id, Mode: orig | ModeInvalid, State: StateLent, Handle: tx.handle}
	case KindShare:
		mode := orig | ModeShared
		if region.Flags&FlagSenderReadOnly != 0 {
			mode &^= ModeWrite
		}
		next = Ownership{Owner: sender.id, Mode: mode, State: StateShared, Handle: tx.handle}
	}

	change, err := sender.table.Stage(ranges, next.Mode)
	if err != nil {
		return err
	}
	defer change.Discard()

	if region.Flags&FlagClear != 0 {
		if err := h.memory.Zero(ranges); err != nil {
			return fmt.Errorf("%s: clear: %v: %w", tx.kind, err, ErrAborted)
		}
	}
	change.Commit()
	h.transfer(ranges, next)

	tx.region = region
	tx.ranges = ranges
	tx.senderMode = orig
	tx.receivers = receivers
	tx.phase = PhasePending
	h.verify(ranges)
	return nil
}

func (h *Hypervisor) freeHandle(handle Handle) {
	if err := h.shares.free(handle); err != nil {
		h.halt("freeing a handle the registry does not hold", withHandle(handle), zap.Error(err))
	}
}
