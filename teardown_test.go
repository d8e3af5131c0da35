package ffa

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestroySenderWithRetrievedLend(t *testing.T) {
	h := newTestHypervisor(t, testConfig())
	a, b := newClient(t, h, vmA), newClient(t, h, vmB)

	_, err := a.Write(page(2), []byte("stale"))
	require.NoError(t, err)
	sent := region(KindLend, vmA, 2, 1, to(vmB, DataAccessRW))
	handle, err := a.Lend(sent)
	require.NoError(t, err)
	_, err = b.Retrieve(NewRetrieveRequest(sent, handle, KindLend, vmB, 0))
	require.NoError(t, err)

	require.NoError(t, h.DestroyVM(vmA))
	requireCode(t, h.DestroyVM(vmA), Denied)
	requireCode(t, h.Call(vmA, Value{Func: FuncRXRelease}).Err(), Denied)

	// The receiver keeps its grant.
	_, err = b.Write(page(2), []byte("still"))
	require.NoError(t, err)
	requireOwner(t, h, page(2), HypervisorID, StateLent)
	requireOwner(t, h, page(0), HypervisorID, StateQuarantined)
	info, ok := h.Transaction(handle)
	require.True(t, ok)
	assert.True(t, info.Orphaned)

	require.NoError(t, b.Relinquish(handle, 0))
	requireOwner(t, h, page(2), HypervisorID, StateQuarantined)
	_, ok = h.Transaction(handle)
	assert.False(t, ok)

	requireCode(t, h.ReleaseQuarantine(PageRange(page(64), 1), vmC, 0), Denied)
	require.NoError(t, h.ReleaseQuarantine(PageRange(page(2), 1), vmC, ModeRW))
	requireOwner(t, h, page(2), vmC, StateExclusive)
	requireMode(t, h, vmC, page(2), ModeRW)
	got := make([]byte, 5)
	_, err = h.ReadGuest(vmC, page(2), got)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5), got, "quarantined memory must be cleared")
}

func TestDestroySenderBeforeRetrieve(t *testing.T) {
	h := newTestHypervisor(t, testConfig())
	a, b := newClient(t, h, vmA), newClient(t, h, vmB)

	sent := region(KindDonate, vmA, 6, 1, to(vmB, DataAccessNotSpecified))
	handle, err := a.Donate(sent)
	require.NoError(t, err)
	require.NoError(t, h.DestroyVM(vmA))

	requireOwner(t, h, page(6), HypervisorID, StateQuarantined)
	_, err = b.Retrieve(NewRetrieveRequest(sent, handle, KindDonate, vmB, 0))
	requireCode(t, err, InvalidParameters)
	requireMode(t, h, vmB, page(6), ModeUnmapped)
	assert.Empty(t, h.Transactions())
}

func TestDestroyReceiver(t *testing.T) {
	h := newTestHypervisor(t, testConfig())
	a, b := newClient(t, h, vmA), newClient(t, h, vmB)
	free := h.Pool().Available()

	sent := region(KindLend, vmA, 2, 1, to(vmB, DataAccessRW))
	handle, err := a.Lend(sent)
	require.NoError(t, err)
	_, err = b.Retrieve(NewRetrieveRequest(sent, handle, KindLend, vmB, 0))
	require.NoError(t, err)

	require.NoError(t, h.DestroyVM(vmB))
	requireOwner(t, h, page(2), vmA, StateReclaimable)
	requireOwner(t, h, page(64), HypervisorID, StateQuarantined)
	require.NoError(t, a.Reclaim(handle, 0))
	requireMode(t, h, vmA, page(2), ModeRWX)

	// B's table entries went back to the pool with it.
	assert.Greater(t, h.Pool().Available(), free)

	// B may come back without memory and take its old pages out of
	// quarantine.
	requireCode(t, h.CreateVM(VMConfig{ID: vmB, Memory: []Range{PageRange(page(64), 64)}}), Denied)
	require.NoError(t, h.CreateVM(VMConfig{ID: vmB}))
	require.NoError(t, h.ReleaseQuarantine(PageRange(page(64), 64), vmB, 0))
	requireMode(t, h, vmB, page(100), ModeRWX)
}

func TestDestroyReceiverClearsOnRelinquish(t *testing.T) {
	tests := []struct {
		name  string
		flags RegionFlags
		want  []byte
	}{
		{"clear on relinquish", FlagClearRelinquish, make([]byte, 6)},
		{"no clear", 0, []byte("secret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHypervisor(t, testConfig())
			a, b := newClient(t, h, vmA), newClient(t, h, vmB)

			sent := region(KindLend, vmA, 3, 1, to(vmB, DataAccessRW))
			sent.Flags = tt.flags
			handle, err := a.Lend(sent)
			require.NoError(t, err)
			_, err = b.Retrieve(NewRetrieveRequest(sent, handle, KindLend, vmB, 0))
			require.NoError(t, err)
			_, err = b.Write(page(3), []byte("secret"))
			require.NoError(t, err)

			require.NoError(t, h.DestroyVM(vmB))
			require.NoError(t, a.Reclaim(handle, 0))

			got := make([]byte, 6)
			_, err = a.Read(page(3), got)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDestroyDuringFragmentedSend(t *testing.T) {
	h := newTestHypervisor(t, testConfig())
	buf, err := region(KindLend, vmA, 0, 1, to(vmB, DataAccessRW)).MarshalBinary()
	require.NoError(t, err)
	mb, err := h.Mailbox(vmA)
	require.NoError(t, err)
	_, err = mb.WriteTX(buf[:64])
	require.NoError(t, err)
	ret := h.Call(vmA, Value{Func: FuncMemLend32, Arg1: uint64(len(buf)), Arg2: 64})
	require.Equal(t, FuncMemFragRX, ret.Func)

	require.NoError(t, h.DestroyVM(vmA))
	assert.Equal(t, 0, h.fragments.Pending())
	assert.Equal(t, 0, h.shares.Len())
}

func TestReleaseQuarantineErrors(t *testing.T) {
	h := newTestHypervisor(t, testConfig())
	require.NoError(t, h.DestroyVM(vmC))

	r := PageRange(page(128), 4)
	tests := []struct {
		name string
		r    Range
		to   VMID
		mode Mode
		code ErrorCode
	}{
		{"misaligned", Range{Begin: page(128) + 1, End: page(129)}, vmA, 0, InvalidParameters},
		{"state bits", r, vmA, ModeRW | ModeShared, InvalidParameters},
		{"unknown vm", r, vmC, 0, Denied},
		{"owned memory", PageRange(page(0), 1), vmB, 0, Denied},
		{"untracked memory", PageRange(page(200), 1), vmB, 0, Denied},
		{"partly quarantined", PageRange(page(127), 2), vmB, 0, Denied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, h.ReleaseQuarantine(tt.r, tt.to, tt.mode), tt.code)
		})
	}

	mem := h.Memory()
	_, err := mem.WriteAt(bytes.Repeat([]byte{0xff}, 16), page(130))
	require.NoError(t, err)
	require.NoError(t, h.ReleaseQuarantine(r, vmA, 0))
	got := make([]byte, 16)
	_, err = h.ReadGuest(vmA, page(130), got)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)
}
