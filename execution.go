package ffa

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Call executes one FF-A memory management call made by VM caller and
// returns the values the VM sees in x0-x7. Calls are serialized on the
// ledger lock; every call either commits fully or leaves no trace.
func (h *Hypervisor) Call(caller VMID, args Value) Value {
	start := time.Now()
	defer func() {
		recordCall(time.Since(start))
	}()

	if h.closed.Load() {
		return errorValueOf(ErrClosed)
	}
	h.ledger.Lock()
	defer h.ledger.Unlock()

	vm, ok := h.vmByID(caller)
	if !ok {
		return errorValueOf(fmt.Errorf("call from %s: %w", caller, ErrUnknownVM))
	}
	ret := h.dispatch(vm, args)
	if ce := h.log.Check(zap.DebugLevel, "ffa call"); ce != nil {
		ce.Write(withVM(caller), withFunc(args.Func), zap.Stringer("args", args), zap.Stringer("ret", ret))
		h.dumpShareStates()
	}
	return ret
}

func (h *Hypervisor) dispatch(vm *VM, args Value) Value {
	if kind, ok := args.Func.sendKind(); ok {
		return h.memorySend(vm, kind, args)
	}
	switch args.Func {
	case FuncMemFragTX:
		return h.memorySendContinue(vm, args)
	case FuncMemRetrieveReq32, FuncMemRetrieveReq64:
		return h.memoryRetrieve(vm, args)
	case FuncMemFragRX:
		return h.memoryRetrieveContinue(vm, args)
	case FuncMemRelinquish:
		return h.memoryRelinquish(vm)
	case FuncMemReclaim:
		return h.memoryReclaim(vm, args)
	case FuncRXRelease:
		if err := vm.mailbox.release(); err != nil {
			return errorValueOf(err)
		}
		return Value{Func: FuncSuccess32}
	default:
		return errorValueOf(fmt.Errorf("function %s: %w", args.Func, ErrNotSupported))
	}
}

// dumpShareStates logs every live transaction. The ledger lock must be
// held.
func (h *Hypervisor) dumpShareStates() {
	h.shares.each(func(tx *transaction) {
		ti := tx.info()
		fields := []zap.Field{
			withHandle(ti.Handle),
			zap.Stringer("kind", ti.Kind),
			withVM(ti.Sender),
			zap.Stringer("phase", ti.Phase),
			zap.Bool("orphaned", ti.Orphaned),
		}
		for _, r := range ti.Receivers {
			fields = append(fields, zap.Dict(r.ID.String(),
				zap.Stringer("sent", r.Permissions),
				zap.Stringer("granted", r.Granted),
				zap.Bool("holding", r.Holding),
			))
		}
		h.log.Debug("share state", fields...)
	})
}

// VCPU issues calls on behalf of one VM, as its virtual CPU would when it
// traps to the hypervisor.
type VCPU struct {
	h  *Hypervisor
	vm VMID
}

// VCPU returns a virtual CPU for VM id.
func (h *Hypervisor) VCPU(id VMID) (*VCPU, error) {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	if _, ok := h.vmByID(id); !ok {
		return nil, fmt.Errorf("ffa: vcpu for %s: %w", id, ErrUnknownVM)
	}
	return &VCPU{h: h, vm: id}, nil
}

// VM returns the ID of the VM c belongs to.
func (c *VCPU) VM() VMID { return c.vm }

// Call executes one FF-A call.
func (c *VCPU) Call(v Value) Value {
	if c == nil {
		return errorValue(Aborted)
	}
	return c.h.Call(c.vm, v)
}

// Run handles the call held in regs (x0-x7) and overwrites them with the
// result, as on return from an SMC or HVC trap.
func (c *VCPU) Run(regs *[8]uint64) error {
	if c == nil || regs == nil {
		return fmt.Errorf("ffa: run: nil vcpu or registers: %w", ErrInvalidParameters)
	}
	*regs = c.Call(ValueFromRegisters(*regs)).Registers()
	return nil
}
