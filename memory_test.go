package ffa

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhysicalMemory(t *testing.T) {
	tests := []struct {
		name       string
		base, size uint64
		want       error
	}{
		{"zero size", testBase, 0, nil},
		{"misaligned base", testBase + 1, PageSize, ErrInvalidAlignment},
		{"misaligned size", testBase, PageSize + 1, ErrInvalidAlignment},
		{"wraps", ^uint64(0) &^ pageMask, 2 * PageSize, ErrAddressOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPhysicalMemory(tt.base, tt.size)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestPhysicalMemoryAccess(t *testing.T) {
	m, err := NewPhysicalMemory(testBase, 4*PageSize)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, PageRange(testBase, 4), m.Range())
	assert.True(t, m.Contains(PageRange(testBase+PageSize, 3)))
	assert.False(t, m.Contains(PageRange(testBase+PageSize, 4)))

	msg := []byte("stage-2")
	n, err := m.WriteAt(msg, page(1)+10)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	_, err = m.ReadAt(got, page(1)+10)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	_, err = m.ReadAt(make([]byte, 2), page(4)-1)
	requireCode(t, err, InvalidParameters)
	_, err = m.WriteAt(msg, testBase-1)
	requireCode(t, err, InvalidParameters)

	// A bad range leaves every page untouched.
	requireCode(t, m.Zero([]Range{PageRange(page(1), 1), PageRange(page(3), 2)}), InvalidParameters)
	_, err = m.ReadAt(got, page(1)+10)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	require.NoError(t, m.Zero([]Range{PageRange(page(1), 1)}))
	_, err = m.ReadAt(got, page(1)+10)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(make([]byte, len(msg)), got))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.ReadAt(got, page(0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHostPageSize(t *testing.T) {
	hps := HostPageSize()
	assert.Positive(t, hps)
	assert.Zero(t, hps&(hps-1), "host page size %d is not a power of two", hps)
	if MmapBacked() {
		assert.GreaterOrEqual(t, hps, PageSize)
	}
}
