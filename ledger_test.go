package ffa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	l := NewLedger()
	owned := Ownership{Owner: vmA, Mode: ModeRWX, State: StateExclusive}
	require.NoError(t, l.assign(pr(0, 8), owned))
	require.NoError(t, l.assign(pr(8, 8), Ownership{Owner: vmB, Mode: ModeRWX, State: StateExclusive}))

	requireCode(t, l.assign(pr(4, 8), owned), Denied)
	require.ErrorIs(t, l.assign(Range{Begin: page(20) + 1, End: page(21)}, owned), ErrInvalidAlignment)

	o, ok := l.Query(page(3) + 0x123)
	require.True(t, ok)
	assert.Equal(t, owned, o)
	_, ok = l.Query(page(30))
	assert.False(t, ok)

	lent := Ownership{Owner: vmA, Mode: ModeRWX | ModeInvalid, State: StateLent, Handle: makeHandle(0, 1)}
	ranges := []Range{pr(1, 1), pr(3, 2)}
	require.NoError(t, l.Transfer(ranges, lent))
	got, ok := l.uniform(ranges)
	require.True(t, ok)
	assert.Equal(t, lent, got)
	_, ok = l.uniform([]Range{pr(0, 2)})
	assert.False(t, ok)

	// Nothing changes when any range is untracked.
	before := l.Snapshot()
	requireCode(t, l.Transfer([]Range{pr(0, 1), pr(15, 2)}, lent), InvalidParameters)
	if diff := cmp.Diff(before, l.Snapshot()); diff != "" {
		t.Errorf("failed transfer changed the ledger (-before +after):\n%s", diff)
	}

	var a []Range
	for _, e := range l.Snapshot() {
		if e.Owner == vmA && e.State == StateExclusive {
			a = append(a, e.Range)
		}
	}
	assert.Equal(t, []Range{pr(0, 1), pr(2, 1), pr(5, 3)}, a)
	assert.Len(t, l.ownedBy(vmA), 5)
	assert.Equal(t, []Range{pr(8, 8)}, l.ownedBy(vmB))
}

func TestPageStateString(t *testing.T) {
	for s, want := range map[PageState]string{
		StateExclusive:   "exclusive",
		StateShared:      "shared",
		StateLent:        "lent",
		StateReclaimable: "reclaimable",
		StateDonating:    "donating",
		StateQuarantined: "quarantined",
		PageState(42):    "PageState(42)",
	} {
		assert.Equal(t, want, s.String())
	}
}
