package ffa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	ResetMetrics()
	if diff := cmp.Diff(Metrics{}, GetMetrics()); diff != "" {
		t.Fatalf("metrics not reset (-want +got):\n%s", diff)
	}

	h := newTestHypervisor(t, testConfig())
	a, b := newClient(t, h, vmA), newClient(t, h, vmB)

	sent := region(KindLend, vmA, 4, 2, to(vmB, DataAccessRW))
	handle, err := a.Lend(sent)
	require.NoError(t, err)
	_, err = b.Retrieve(NewRetrieveRequest(sent, handle, KindLend, vmB, 0))
	require.NoError(t, err)
	require.NoError(t, b.Relinquish(handle, 0))
	require.NoError(t, a.Reclaim(handle, 0))
	requireCode(t, a.Reclaim(handle, 0), InvalidParameters)
	requireCode(t, b.Reclaim(handle, 0), InvalidParameters)

	m := GetMetrics()
	assert.Equal(t, uint64(3), m.VMCreated)
	assert.Equal(t, uint64(1), m.Sends)
	assert.Equal(t, uint64(1), m.Retrieves)
	assert.Equal(t, uint64(1), m.Relinquishes)
	assert.Equal(t, uint64(1), m.Reclaims)
	assert.Equal(t, uint64(1), m.HandlesAllocated)
	assert.Equal(t, uint64(1), m.HandlesFreed)
	assert.Equal(t, uint64(2), m.InvalidErrors)
	assert.Zero(t, m.DeniedErrors)
	assert.Zero(t, m.InvariantViolations)
	assert.GreaterOrEqual(t, m.Calls, uint64(6))
	assert.NotZero(t, m.PageTableCommits)
	assert.NotZero(t, m.TLBInvalidations)

	require.NoError(t, h.DestroyVM(vmC))
	assert.Equal(t, uint64(1), GetMetrics().VMDestroyed)
}
