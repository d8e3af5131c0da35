package ffa

import (
	"fmt"

	"go.uber.org/zap"
)

// CheckAccess reports whether VM id may perform access at addr. A denied
// access returns a *FaultError, the error a guest would take as a stage-2
// fault.
func (h *Hypervisor) CheckAccess(id VMID, addr uint64, access Mode) error {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	vm, ok := h.vmByID(id)
	if !ok {
		return fmt.Errorf("ffa: access by %s: %w", id, ErrUnknownVM)
	}
	return h.checkPage(vm, addr, access)
}

// ReadGuest reads len(p) bytes at addr on behalf of VM id, faulting on the
// first page it may not read.
func (h *Hypervisor) ReadGuest(id VMID, addr uint64, p []byte) (int, error) {
	return h.guestAccess(id, addr, p, ModeRead)
}

// WriteGuest writes p at addr on behalf of VM id, faulting on the first page
// it may not write. Nothing is written if any page faults.
func (h *Hypervisor) WriteGuest(id VMID, addr uint64, p []byte) (int, error) {
	return h.guestAccess(id, addr, p, ModeWrite)
}

func (h *Hypervisor) guestAccess(id VMID, addr uint64, p []byte, access Mode) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	h.ledger.Lock()
	defer h.ledger.Unlock()
	vm, ok := h.vmByID(id)
	if !ok {
		return 0, fmt.Errorf("ffa: access by %s: %w", id, ErrUnknownVM)
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := addr + uint64(len(p))
	if end < addr {
		return 0, fmt.Errorf("ffa: access %#x+%#x: %w", addr, len(p), ErrAddressOverflow)
	}
	for page := addr &^ pageMask; page < end; page += PageSize {
		at := max(page, addr)
		if err := h.checkPage(vm, at, access); err != nil {
			return 0, err
		}
	}
	if access == ModeWrite {
		return h.memory.WriteAt(p, addr)
	}
	return h.memory.ReadAt(p, addr)
}

// checkPage resolves one access through the VM's stage-2 table, cross
// checking the ledger. The ledger lock must be held.
func (h *Hypervisor) checkPage(vm *VM, addr uint64, access Mode) error {
	page := PageRange(addr&^pageMask, 1)
	mode, _ := vm.table.GetMode(page)
	h.verifyPage(vm, page, mode)
	if !mode.Accessible(access) {
		recordFault()
		h.log.Debug("stage-2 fault", withVM(vm.id), zap.Uint64("addr", addr),
			zap.Stringer("access", access), zap.Stringer("mode", mode))
		return &FaultError{VM: vm.id, Addr: addr, Access: access, Mode: mode}
	}
	return nil
}

// verifyPage halts if a VM's view of a page contradicts the ledger.
func (h *Hypervisor) verifyPage(vm *VM, page Range, mode Mode) {
	own, tracked := h.ledger.query(page.Begin)
	switch {
	case mode == ModeUnmapped:
		return
	case !tracked:
		h.halt("VM maps a page the ledger does not track", withVM(vm.id), zap.Stringer("page", page))
	case mode&ModeUnowned == 0 && own.Owner != vm.id:
		h.halt("VM holds a page it does not own", withVM(vm.id), zap.Stringer("page", page),
			zap.Stringer("owner", own.Owner))
	case own.Owner == vm.id && own.Mode != mode:
		h.halt("ledger mode differs from the owner's stage-2 mode", withVM(vm.id),
			zap.Stringer("page", page), zap.Stringer("ledger", own.Mode), zap.Stringer("stage2", mode))
	}
}

// verify halts unless every tracked page of ranges is mapped by its owner
// exactly as the ledger records. The ledger lock must be held.
func (h *Hypervisor) verify(ranges []Range) {
	for _, r := range ranges {
		h.ledger.ranges.visit(r, func(seg Range, own Ownership, tracked bool) bool {
			if !tracked {
				h.halt("transaction covers untracked memory", zap.Stringer("range", seg))
			}
			if own.Owner == HypervisorID {
				return true
			}
			vm, ok := h.vmByID(own.Owner)
			if !ok {
				h.halt("ledger names a destroyed VM as owner", withVM(own.Owner), zap.Stringer("range", seg))
			}
			if mode, ok := vm.table.GetMode(seg); !ok || mode != own.Mode {
				h.halt("ledger mode differs from the owner's stage-2 mode", withVM(own.Owner),
					zap.Stringer("range", seg), zap.Stringer("ledger", own.Mode), zap.Stringer("stage2", mode))
			}
			return true
		})
	}
}
