package ffa

import (
	"fmt"

	"go.uber.org/zap"
)

// negotiatePermissions returns the lesser of what the sender granted and
// what the receiver asked for, capped by the sender's original access.
// Unspecified requests take the granted value; an unspecified grant means
// the most the sender's own mode allows.
func negotiatePermissions(sent, requested Permissions, senderMode Mode) Permissions {
	data := sent.DataAccess()
	if data == DataAccessNotSpecified {
		data = DataAccessRW
	}
	if req := requested.DataAccess(); req != DataAccessNotSpecified {
		data = min(data, req)
	}
	if senderMode&ModeWrite == 0 {
		data = DataAccessRO
	}

	instr := sent.InstructionAccess()
	if instr == InstructionAccessNotSpecified {
		instr = InstructionAccessX
	}
	if req := requested.InstructionAccess(); req != InstructionAccessNotSpecified {
		instr = min(instr, req)
	}
	if senderMode&ModeExec == 0 {
		instr = InstructionAccessNX
	}
	return NewPermissions(data, instr)
}

// receiverMode returns the stage-2 mode a receiver holds for kind.
func receiverMode(kind Kind, granted Permissions) Mode {
	mode := granted.Mode(0)
	switch kind {
	case KindLend:
		mode |= ModeUnowned
	case KindShare:
		mode |= ModeUnowned | ModeShared
	}
	return mode
}

// memoryRetrieve handles MEM_RETRIEVE_REQ: x1 and x2 are the total and
// fragment length of the retrieve request in the TX buffer, which must be
// equal.
func (h *Hypervisor) memoryRetrieve(receiver *VM, args Value) Value {
	total, fragLen := args.Arg1, args.Arg2
	if args.Arg3 != 0 || args.Arg4 != 0 {
		return errorValueOf(fmt.Errorf("retrieve: only the TX buffer is supported: %w", ErrInvalidParameters))
	}
	if total == 0 || fragLen != total || total > MailboxSize {
		return errorValueOf(fmt.Errorf("retrieve: request of %d bytes in a %d-byte fragment: %w", total, fragLen, ErrInvalidParameters))
	}
	buf, err := receiver.mailbox.snapshotTX(uint32(total))
	if err != nil {
		return errorValueOf(err)
	}
	req, err := DecodeRetrieveRequest(buf, h.limits)
	if err != nil {
		return errorValueOf(err)
	}
	ret, err := h.retrieve(receiver, req)
	if err != nil {
		h.log.Debug("retrieve rejected", withVM(receiver.id), withHandle(req.Handle), zap.Error(err))
		return errorValueOf(err)
	}
	return ret
}

// checkRetrieveRequest matches a retrieve request against the transaction
// and returns the caller's access entry from it.
func checkRetrieveRequest(tx *transaction, receiver VMID, req *MemoryRegion) (EndpointAccess, error) {
	sent := tx.region
	switch {
	case req.Sender != tx.sender:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: sender %s, expected %s: %w", tx.handle, req.Sender, tx.sender, ErrDenied)
	case req.Tag != sent.Tag:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: tag %#x, expected %#x: %w", tx.handle, req.Tag, sent.Tag, ErrInvalidParameters)
	case req.Flags.Kind() != 0 && req.Flags.Kind() != tx.kind:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: type %s, transaction is %s: %w", tx.handle, req.Flags.Kind(), tx.kind, ErrInvalidParameters)
	case req.Flags&FlagSenderReadOnly != 0:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: sender read-only is not a retrieve flag: %w", tx.handle, ErrInvalidParameters)
	case req.Flags&FlagClear != 0 && sent.Flags&FlagClear == 0:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: clear requested but not offered: %w", tx.handle, ErrInvalidParameters)
	case req.Flags&FlagClearRelinquish != 0 && sent.Flags&FlagClearRelinquish == 0:
		return EndpointAccess{}, fmt.Errorf("retrieve %s: clear on relinquish requested but not offered: %w", tx.handle, ErrInvalidParameters)
	case len(req.Receivers) != len(sent.Receivers):
		return EndpointAccess{}, fmt.Errorf("retrieve %s: %d receivers, transaction has %d: %w", tx.handle, len(req.Receivers), len(sent.Receivers), ErrInvalidParameters)
	}
	for _, r := range req.Receivers {
		if _, _, ok := sent.receiver(r.Receiver); !ok {
			return EndpointAccess{}, fmt.Errorf("retrieve %s: %s is not a receiver: %w", tx.handle, r.Receiver, ErrInvalidParameters)
		}
	}
	self, _, ok := req.receiver(receiver)
	if !ok {
		return EndpointAccess{}, fmt.Errorf("retrieve %s: request omits the caller %s: %w", tx.handle, receiver, ErrInvalidParameters)
	}
	if a := req.Attributes; a.Type() != MemoryNotSpecified && a != DefaultAttributes {
		return EndpointAccess{}, fmt.Errorf("retrieve %s: memory attributes %#x: %w", tx.handle, uint8(a), ErrInvalidParameters)
	}
	if a := req.Attributes; a.Type() != MemoryNotSpecified && sent.Attributes.Type() != MemoryNotSpecified && a != sent.Attributes {
		return EndpointAccess{}, fmt.Errorf("retrieve %s: memory attributes %#x differ from %#x: %w", tx.handle, uint8(a), uint8(sent.Attributes), ErrInvalidParameters)
	}
	if tx.kind == KindShare && self.Permissions.InstructionAccess() == InstructionAccessX {
		return EndpointAccess{}, fmt.Errorf("retrieve %s: shared memory is never executable: %w", tx.handle, ErrInvalidParameters)
	}
	return self, nil
}

// retrieve maps the memory of a transaction into a receiver and writes the
// first fragment of the response descriptor into its RX buffer.
func (h *Hypervisor) retrieve(receiver *VM, req *MemoryRegion) (Value, error) {
	tx, ok := h.shares.lookup(req.Handle)
	if !ok || tx.phase == PhaseSending {
		return Value{}, fmt.Errorf("retrieve %s: %w", req.Handle, ErrUnknownHandle)
	}
	rs, ok := tx.receiver(receiver.id)
	if !ok || rs.gone {
		return Value{}, fmt.Errorf("retrieve %s by %s: %w", tx.handle, receiver.id, ErrNotReceiver)
	}
	if rs.holding || rs.retrieving() {
		return Value{}, fmt.Errorf("retrieve %s by %s: %w", tx.handle, receiver.id, ErrAlreadyRetrieved)
	}
	if tx.orphaned {
		return Value{}, fmt.Errorf("retrieve %s: sender %s was destroyed: %w", tx.handle, tx.sender, ErrAborted)
	}
	self, err := checkRetrieveRequest(tx, receiver.id, req)
	if err != nil {
		return Value{}, err
	}

	granted := negotiatePermissions(rs.sent, self.Permissions, tx.senderMode)
	if req.Flags&FlagClear != 0 && granted.DataAccess() == DataAccessRO {
		return Value{}, fmt.Errorf("retrieve %s: read-only receiver cannot request clear: %w", tx.handle, ErrInvalidParameters)
	}
	mode := receiverMode(tx.kind, granted)

	cur, ok := receiver.table.ModeOf(tx.ranges)
	if !ok || cur != ModeUnmapped {
		return Value{}, fmt.Errorf("retrieve %s: %s already maps part of the memory: %w", tx.handle, receiver.id, ErrDenied)
	}
	if receiver.mailbox.rxFull() {
		return Value{}, fmt.Errorf("retrieve %s: %w", tx.handle, ErrRXBusy)
	}

	resp := &MemoryRegion{
		Sender:       tx.sender,
		Attributes:   tx.region.Attributes,
		Flags:        tx.region.Flags.WithKind(tx.kind),
		Handle:       tx.handle,
		Tag:          tx.region.Tag,
		Receivers:    []EndpointAccess{{Receiver: receiver.id, Permissions: granted, Flags: self.Flags}},
		Constituents: tx.region.Constituents,
	}
	if resp.Attributes.Type() == MemoryNotSpecified {
		resp.Attributes = DefaultAttributes
	}
	encoded, err := resp.MarshalBinary()
	if err != nil {
		return Value{}, err
	}

	change, err := receiver.table.Stage(tx.ranges, mode)
	if err != nil {
		return Value{}, err
	}
	defer change.Discard()

	if req.Flags&FlagClear != 0 {
		if err := h.memory.Zero(tx.ranges); err != nil {
			return Value{}, fmt.Errorf("retrieve %s: clear: %v: %w", tx.handle, err, ErrAborted)
		}
	}
	first := encoded[:min(len(encoded), MailboxSize)]
	if err := receiver.mailbox.deliver(FuncMemRetrieveResp, first); err != nil {
		return Value{}, err
	}
	change.Commit()

	rs.holding = true
	rs.granted = granted
	tx.phase = PhaseRetrieved
	switch tx.kind {
	case KindDonate:
		h.transfer(tx.ranges, Ownership{Owner: receiver.id, Mode: mode, State: StateExclusive})
	default:
		if own, _ := h.ledger.uniform(tx.ranges); own.State == StateReclaimable {
			own.State = stateFor(tx.kind)
			h.transfer(tx.ranges, own)
		}
	}

	if len(first) < len(encoded) {
		rs.response = encoded
		rs.delivered = uint32(len(first))
	} else {
		h.retrievalComplete(tx, rs)
	}
	h.verify(tx.ranges)

	h.log.Debug("memory retrieved", withVM(receiver.id), withHandle(tx.handle),
		zap.Stringer("kind", tx.kind), zap.Stringer("granted", granted),
		zap.Int("length", len(encoded)), zap.Int("fragment", len(first)))
	return Value{Func: FuncMemRetrieveResp, Arg1: uint64(len(encoded)), Arg2: uint64(len(first))}, nil
}

// memoryRetrieveContinue handles MEM_FRAG_RX from a receiver: x1/x2 is the
// handle and x3 the offset of the next fragment wanted.
func (h *Hypervisor) memoryRetrieveContinue(receiver *VM, args Value) Value {
	handle := handleFromArgs(args.Arg1, args.Arg2)
	offset := args.Arg3
	if id := VMID(args.Arg4 >> 16); id != 0 && id != receiver.id {
		return errorValueOf(fmt.Errorf("frag rx: endpoint %s is not the caller: %w", id, ErrInvalidParameters))
	}
	tx, ok := h.shares.lookup(handle)
	if !ok || tx.phase == PhaseSending {
		return errorValueOf(fmt.Errorf("frag rx %s: %w", handle, ErrUnknownHandle))
	}
	rs, ok := tx.receiver(receiver.id)
	if !ok {
		return errorValueOf(fmt.Errorf("frag rx %s by %s: %w", handle, receiver.id, ErrNotReceiver))
	}
	if !rs.retrieving() {
		return errorValueOf(fmt.Errorf("frag rx %s: no retrieval in progress: %w", handle, ErrInvalidParameters))
	}
	if offset != uint64(rs.delivered) {
		return errorValueOf(fmt.Errorf("frag rx %s: offset %d, next fragment starts at %d: %w", handle, offset, rs.delivered, ErrInvalidParameters))
	}
	end := min(uint32(len(rs.response)), rs.delivered+MailboxSize)
	frag := rs.response[rs.delivered:end]
	if err := receiver.mailbox.deliver(FuncMemFragTX, frag); err != nil {
		return errorValueOf(err)
	}
	rs.delivered = end
	recordFragmentOut()
	if rs.delivered == uint32(len(rs.response)) {
		h.retrievalComplete(tx, rs)
	}
	lo, hi := handle.args()
	return Value{Func: FuncMemFragTX, Arg1: lo, Arg2: hi, Arg3: uint64(len(frag))}
}

// retrievalComplete finishes a retrieval once every byte of the response
// has been delivered. A donation ends here.
func (h *Hypervisor) retrievalComplete(tx *transaction, rs *receiverState) {
	rs.response = nil
	rs.delivered = 0
	recordRetrieve()
	if tx.kind == KindDonate {
		tx.phase = PhaseReclaimed
		h.freeHandle(tx.handle)
	}
}

func stateFor(kind Kind) PageState {
	switch kind {
	case KindLend:
		return StateLent
	case KindShare:
		return StateShared
	default:
		return StateDonating
	}
}

// transfer applies a ledger update that every caller has already validated.
func (h *Hypervisor) transfer(ranges []Range, o Ownership) {
	if err := h.ledger.transfer(ranges, o); err != nil {
		h.halt("ledger rejected a validated transfer", withRanges(ranges), zap.Error(err))
	}
}
