package ffa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type span struct {
	R Range
	V int
}

func spans(m *rangeMap[int]) []span {
	var out []span
	m.ascend(func(r Range, v int) bool {
		out = append(out, span{r, v})
		return true
	})
	return out
}

func pr(first, count uint64) Range { return PageRange(page(first), uint32(count)) }

func TestRangeMapSet(t *testing.T) {
	tests := []struct {
		name string
		ops  []span
		want []span
	}{
		{
			name: "disjoint",
			ops:  []span{{pr(0, 2), 1}, {pr(4, 2), 2}},
			want: []span{{pr(0, 2), 1}, {pr(4, 2), 2}},
		},
		{
			name: "split middle",
			ops:  []span{{pr(0, 8), 1}, {pr(2, 2), 2}},
			want: []span{{pr(0, 2), 1}, {pr(2, 2), 2}, {pr(4, 4), 1}},
		},
		{
			name: "coalesce both sides",
			ops:  []span{{pr(0, 8), 1}, {pr(2, 2), 2}, {pr(2, 2), 1}},
			want: []span{{pr(0, 8), 1}},
		},
		{
			name: "coalesce left",
			ops:  []span{{pr(0, 2), 1}, {pr(2, 2), 1}},
			want: []span{{pr(0, 4), 1}},
		},
		{
			name: "coalesce right",
			ops:  []span{{pr(2, 2), 1}, {pr(0, 2), 1}},
			want: []span{{pr(0, 4), 1}},
		},
		{
			name: "overwrite spanning several",
			ops:  []span{{pr(0, 2), 1}, {pr(3, 2), 2}, {pr(6, 2), 3}, {pr(1, 6), 4}},
			want: []span{{pr(0, 1), 1}, {pr(1, 6), 4}, {pr(7, 1), 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRangeMap[int]()
			for _, op := range tt.ops {
				m.set(op.R, op.V)
			}
			if diff := cmp.Diff(tt.want, spans(m)); diff != "" {
				t.Errorf("extents (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRangeMapQueries(t *testing.T) {
	m := newRangeMap[int]()
	m.set(pr(0, 4), 1)
	m.set(pr(6, 2), 2)

	v, ok := m.get(page(3) + 100)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = m.get(page(5))
	assert.False(t, ok)

	v, ok = m.uniform(pr(1, 2))
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = m.uniform(pr(3, 4))
	assert.False(t, ok, "gap")
	_, ok = m.uniform(pr(0, 8))
	assert.False(t, ok, "mixed")

	assert.True(t, m.covered(pr(6, 2)))
	assert.False(t, m.covered(pr(4, 3)))
	assert.Len(t, m.overlapping(pr(3, 4)), 2)

	var segs []Range
	var present []bool
	m.visit(pr(2, 5), func(seg Range, _ int, ok bool) bool {
		segs = append(segs, seg)
		present = append(present, ok)
		return true
	})
	assert.Equal(t, []Range{pr(2, 2), pr(4, 2), pr(6, 1)}, segs)
	assert.Equal(t, []bool{true, false, true}, present)

	m.clear(pr(1, 6))
	if diff := cmp.Diff([]span{{pr(0, 1), 1}, {pr(7, 1), 2}}, spans(m)); diff != "" {
		t.Errorf("after clear (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, m.Len())
}
