package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeString(t *testing.T) {
	for m, want := range map[Mode]string{
		ModeRWX:                             "rwx",
		ModeUnmapped:                        "unmapped",
		ModeRead | ModeUnowned | ModeShared: "r--|unowned|shared",
		ModeRW | ModeInvalid:                "rw-|invalid",
		ModeRead | ModeDevice:               "r--|device",
		0:                                   "---",
	} {
		assert.Equal(t, want, m.String())
	}
}

func TestModeAccessible(t *testing.T) {
	tests := []struct {
		mode, access Mode
		want         bool
	}{
		{ModeRWX, ModeWrite, true},
		{ModeRead | ModeUnowned, ModeRead, true},
		{ModeRead | ModeUnowned, ModeWrite, false},
		{ModeRW | ModeInvalid, ModeRead, false},
		{ModeRW, ModeRead | ModeExec, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mode.Accessible(tt.access), "%s accessing %s", tt.mode, tt.access)
	}
	m := ModeRW | ModeUnowned | ModeShared
	assert.Equal(t, ModeRW, m.Access())
	assert.Equal(t, ModeUnowned|ModeShared, m.State())
}

func TestRange(t *testing.T) {
	r := PageRange(page(2), 3)
	assert.Equal(t, uint64(3), r.Pages())
	assert.Equal(t, uint64(3*PageSize), r.Size())
	assert.True(t, r.Valid())
	assert.True(t, r.Overlaps(PageRange(page(4), 1)))
	assert.False(t, r.Overlaps(PageRange(page(5), 1)))
	assert.False(t, Range{Begin: page(1), End: page(1)}.Valid())
	assert.False(t, Range{Begin: page(1) + 8, End: page(2)}.Valid())

	assert.True(t, rangeOverflows(^uint64(0)&^pageMask, 1))
	assert.False(t, rangeOverflows(page(0), 1<<20))

	assert.Equal(t, "hypervisor", HypervisorID.String())
	assert.Equal(t, "vm0x2", vmB.String())
}
