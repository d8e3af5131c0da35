package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	testBase  = 0x80000000
	testPages = 256

	vmA VMID = 1
	vmB VMID = 2
	vmC VMID = 3
)

// page returns the address of page n of test memory.
func page(n uint64) uint64 { return testBase + n*PageSize }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemoryBase = testBase
	cfg.MemorySize = testPages * PageSize
	cfg.MaxVMs = 4
	return cfg
}

// newTestHypervisor creates a hypervisor where VM A owns pages [0, 64),
// VM B owns [64, 128) and VM C owns [128, 192), all RWX.
func newTestHypervisor(t *testing.T, cfg Config) *Hypervisor {
	t.Helper()
	h, err := New(cfg, WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })

	for i, id := range []VMID{vmA, vmB, vmC} {
		require.NoError(t, h.CreateVM(VMConfig{
			ID:     id,
			Memory: []Range{PageRange(page(uint64(i)*64), 64)},
		}))
	}
	return h
}

func newClient(t *testing.T, h *Hypervisor, id VMID) *Client {
	t.Helper()
	c, err := h.Client(id)
	require.NoError(t, err)
	return c
}

func perms(d DataAccess) Permissions { return NewPermissions(d, InstructionAccessNotSpecified) }

// region builds a kind descriptor from sender covering count pages at the
// given page index.
func region(kind Kind, sender VMID, first uint64, count uint32, receivers ...EndpointAccess) *MemoryRegion {
	m := &MemoryRegion{
		Sender:       sender,
		Receivers:    receivers,
		Constituents: []Constituent{{Address: page(first), PageCount: count}},
	}
	if kind == KindShare || (kind == KindLend && len(receivers) > 1) {
		m.Attributes = DefaultAttributes
	}
	return m
}

func to(id VMID, d DataAccess) EndpointAccess {
	return EndpointAccess{Receiver: id, Permissions: perms(d)}
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err), "error: %v", err)
}

func requireMode(t *testing.T, h *Hypervisor, id VMID, addr uint64, want Mode) {
	t.Helper()
	got, err := h.PageMode(id, addr)
	require.NoError(t, err)
	assert.Equal(t, want, got, "%s mode at %#x: got %s, want %s", id, addr, got, want)
}

func requireOwner(t *testing.T, h *Hypervisor, addr uint64, owner VMID, state PageState) {
	t.Helper()
	own, ok := h.Ledger().Query(addr)
	require.True(t, ok, "page %#x untracked", addr)
	assert.Equal(t, owner, own.Owner)
	assert.Equal(t, state, own.State)
}
