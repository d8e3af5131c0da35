package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(3)

	var handles []Handle
	for range 3 {
		h, err := r.allocate(&transaction{})
		require.NoError(t, err)
		assert.True(t, h.HypervisorAllocated())
		handles = append(handles, h)
	}
	assert.Equal(t, 3, r.Len())

	_, err := r.allocate(&transaction{})
	requireCode(t, err, NoMemory)
	require.ErrorIs(t, err, ErrRegistryFull)

	tx, ok := r.lookup(handles[1])
	require.True(t, ok)
	assert.Equal(t, handles[1], tx.handle)

	require.NoError(t, r.free(handles[1]))
	requireCode(t, r.free(handles[1]), InvalidParameters)
	_, ok = r.lookup(handles[1])
	assert.False(t, ok)

	// The freed slot comes back with a new generation.
	h, err := r.allocate(&transaction{})
	require.NoError(t, err)
	assert.Equal(t, handles[1].index(), h.index())
	assert.NotEqual(t, handles[1], h)
	_, ok = r.lookup(handles[1])
	assert.False(t, ok, "stale handle must not alias the new transaction")

	var seen []Handle
	r.each(func(tx *transaction) { seen = append(seen, tx.handle) })
	assert.Equal(t, []Handle{handles[0], h, handles[2]}, seen)
}

func TestRegistryRoundRobin(t *testing.T) {
	r := NewRegistry(4)
	a, err := r.allocate(&transaction{})
	require.NoError(t, err)
	require.NoError(t, r.free(a))

	b, err := r.allocate(&transaction{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), b.index())
}

func TestHandleLookupRejects(t *testing.T) {
	r := NewRegistry(2)
	h, err := r.allocate(&transaction{})
	require.NoError(t, err)

	for name, bad := range map[string]Handle{
		"invalid":          HandleInvalid,
		"not hypervisor":   h &^ handleAllocatorHypervisor,
		"index too large":  makeHandle(h.generation(), 7),
		"wrong generation": makeHandle(h.generation()+1, h.index()),
		"free slot":        makeHandle(1, 1),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := r.lookup(bad)
			assert.False(t, ok)
		})
	}
}

func TestHandleArgs(t *testing.T) {
	h := makeHandle(0x1234, 0xabcdef)
	lo, hi := h.args()
	assert.Equal(t, uint64(0xabcdef), lo)
	assert.Equal(t, h, handleFromArgs(lo, hi))
	assert.Equal(t, h, handleFromArgs(lo|0xffff_ffff_0000_0000, hi))
	assert.Equal(t, uint32(0x1234), h.generation())
	assert.Equal(t, "0x8000123400abcdef", h.String())
}
