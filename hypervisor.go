package ffa

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// VM is one partition: its stage-2 table and its mailbox.
type VM struct {
	id      VMID
	table   *PageTable
	mailbox *Mailbox
}

// ID returns the VM's identifier.
func (vm *VM) ID() VMID { return vm.id }

// VMConfig describes a VM and the physical memory it owns at creation.
type VMConfig struct {
	ID     VMID
	Memory []Range
	// Mode is the stage-2 mode of Memory. Zero means ModeRWX.
	Mode Mode
}

// Hypervisor owns the physical memory, the ownership ledger and every VM,
// and executes FF-A memory management calls on their behalf.
//
// Locks are always taken in the order ledger, page tables, handle registry.
// The ledger lock is held for the whole of every call, so concurrent calls
// on any cores are serialized and each observes the previous one fully
// committed or rolled back.
type Hypervisor struct {
	cfg    Config
	limits Limits
	log    *zap.Logger

	ledger    *Ledger
	pool      *Pool
	memory    *PhysicalMemory
	ownMemory bool
	shares    *Registry
	fragments *Reassembler

	// vms and sending are guarded by the ledger lock.
	vms     []*VM
	sending map[VMID]Handle

	closed  atomic.Bool
	closeMu sync.Mutex
}

// Option configures a Hypervisor.
type Option func(*Hypervisor)

// WithLogger sets the logger. Without it the hypervisor discards its logs,
// or writes JSON at debug level to stderr when Config.Debug is set.
func WithLogger(log *zap.Logger) Option {
	return func(h *Hypervisor) { h.log = log }
}

// WithMemory uses m as physical memory instead of allocating it from the
// configured base and size. The caller keeps ownership of m.
func WithMemory(m *PhysicalMemory) Option {
	return func(h *Hypervisor) { h.memory = m }
}

// New creates a hypervisor with no VMs.
func New(cfg Config, opts ...Option) (*Hypervisor, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hypervisor{
		cfg:       cfg,
		limits:    cfg.Limits(),
		ledger:    NewLedger(),
		pool:      NewPool(cfg.PageTablePoolSize),
		shares:    NewRegistry(cfg.MaxShares),
		fragments: NewReassembler(int(cfg.MaxFragments), cfg.maxDescriptorLength()),
		vms:       make([]*VM, cfg.MaxVMs),
		sending:   make(map[VMID]Handle),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = zap.NewNop()
		if cfg.Debug {
			log, err := NewLogger(LoggerConfig{ServiceName: "ffa", IsDebug: true})
			if err != nil {
				return nil, err
			}
			h.log = log
		}
	}
	if h.memory == nil {
		mem, err := NewPhysicalMemory(uint64(cfg.MemoryBase), cfg.MemorySize)
		if err != nil {
			return nil, err
		}
		h.memory, h.ownMemory = mem, true
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(h, (*Hypervisor).finalize)

	h.log.Info("hypervisor started",
		zap.String("memory", h.memory.Range().String()),
		zap.Uint("max_shares", cfg.MaxShares),
		zap.Uint("pool_entries", cfg.PageTablePoolSize),
		zap.Duration("took", time.Since(start)),
	)
	return h, nil
}

// Close releases the hypervisor's physical memory. Idempotent.
func (h *Hypervisor) Close() error {
	if h == nil {
		return nil
	}
	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	if h.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(h, nil)
	if h.ownMemory {
		if err := h.memory.Close(); err != nil {
			return fmt.Errorf("failed to release physical memory: %w", err)
		}
	}
	h.log.Info("hypervisor closed")
	return nil
}

// finalize is called by the garbage collector as a safety net
func (h *Hypervisor) finalize() {
	if h.closeMu.TryLock() {
		defer h.closeMu.Unlock()
		if !h.closed.Swap(true) && h.ownMemory {
			_ = h.memory.Close()
		}
	}
}

// Config returns the configuration h was created with.
func (h *Hypervisor) Config() Config { return h.cfg }

// Limits returns the descriptor limits h enforces.
func (h *Hypervisor) Limits() Limits { return h.limits }

// Memory returns the physical memory h manages.
func (h *Hypervisor) Memory() *PhysicalMemory { return h.memory }

// Ledger returns the ownership ledger.
func (h *Hypervisor) Ledger() *Ledger { return h.ledger }

// Pool returns the page-table metadata pool.
func (h *Hypervisor) Pool() *Pool { return h.pool }

// vmByID returns the live VM with the given ID. The ledger lock must be held.
func (h *Hypervisor) vmByID(id VMID) (*VM, bool) {
	if id == HypervisorID || int(id) > len(h.vms) {
		return nil, false
	}
	vm := h.vms[id-1]
	return vm, vm != nil
}

// CreateVM creates a VM owning the given physical memory exclusively.
func (h *Hypervisor) CreateVM(c VMConfig) error {
	start := time.Now()
	if h.closed.Load() {
		return ErrClosed
	}
	h.ledger.Lock()
	defer h.ledger.Unlock()

	if c.ID == HypervisorID || int(c.ID) > len(h.vms) {
		return fmt.Errorf("ffa: VM ID %d out of range [1, %d]: %w", c.ID, len(h.vms), ErrInvalidParameters)
	}
	if h.vms[c.ID-1] != nil {
		return fmt.Errorf("ffa: %s already exists: %w", c.ID, ErrDenied)
	}
	mode := c.Mode
	if mode == 0 {
		mode = ModeRWX
	}
	if mode.State() != 0 || mode.Access() == 0 {
		return fmt.Errorf("ffa: %s: initial mode %s: %w", c.ID, mode, ErrInvalidParameters)
	}
	for i, r := range c.Memory {
		if !r.Valid() {
			return fmt.Errorf("ffa: %s: memory %s: %w", c.ID, r, ErrInvalidAlignment)
		}
		if !h.memory.Contains(r) {
			return fmt.Errorf("ffa: %s: memory %s outside %s: %w", c.ID, r, h.memory.Range(), ErrInvalidParameters)
		}
		for _, prev := range c.Memory[:i] {
			if prev.Overlaps(r) {
				return fmt.Errorf("ffa: %s: memory %s and %s: %w", c.ID, prev, r, ErrOverlap)
			}
		}
		if len(h.ledger.ranges.overlapping(r)) != 0 {
			return fmt.Errorf("ffa: %s: memory %s already assigned: %w", c.ID, r, ErrDenied)
		}
	}

	vm := &VM{id: c.ID, table: NewPageTable(c.ID, h.pool), mailbox: &Mailbox{}}
	if len(c.Memory) > 0 {
		change, err := vm.table.Stage(c.Memory, mode)
		if err != nil {
			return err
		}
		defer change.Discard()
		for _, r := range c.Memory {
			if err := h.ledger.assign(r, Ownership{Owner: c.ID, Mode: mode, State: StateExclusive}); err != nil {
				h.halt("ledger rejected a pre-checked assignment", withVM(c.ID), zap.Error(err))
			}
		}
		change.Commit()
	}
	h.vms[c.ID-1] = vm

	recordVMCreate(time.Since(start))
	h.log.Info("vm created", withVM(c.ID), withRanges(c.Memory), zap.Stringer("mode", mode))
	return nil
}

// VMs returns the IDs of all live VMs.
func (h *Hypervisor) VMs() []VMID {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	var ids []VMID
	for _, vm := range h.vms {
		if vm != nil {
			ids = append(ids, vm.id)
		}
	}
	return ids
}

// Mailbox returns the TX/RX buffers of a VM.
func (h *Hypervisor) Mailbox(id VMID) (*Mailbox, error) {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	vm, ok := h.vmByID(id)
	if !ok {
		return nil, fmt.Errorf("ffa: %s: %w", id, ErrUnknownVM)
	}
	return vm.mailbox, nil
}

// PageMode returns the stage-2 mode of the page containing addr in VM id.
func (h *Hypervisor) PageMode(id VMID, addr uint64) (Mode, error) {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	vm, ok := h.vmByID(id)
	if !ok {
		return 0, fmt.Errorf("ffa: %s: %w", id, ErrUnknownVM)
	}
	mode, _ := vm.table.GetMode(PageRange(addr&^pageMask, 1))
	return mode, nil
}

// PageTableExtents returns the number of extents in the stage-2 table of VM
// id.
func (h *Hypervisor) PageTableExtents(id VMID) (int, error) {
	h.ledger.Lock()
	defer h.ledger.Unlock()
	vm, ok := h.vmByID(id)
	if !ok {
		return 0, fmt.Errorf("ffa: %s: %w", id, ErrUnknownVM)
	}
	return vm.table.Extents(), nil
}

// halt stops the hypervisor after an internal invariant is found broken.
func (h *Hypervisor) halt(reason string, fields ...zap.Field) {
	recordInvariantViolation()
	h.log.Error("invariant violated, halting", append(fields, zap.String("reason", reason))...)
	panic("ffa: invariant violated: " + reason)
}
