package ffa

import "github.com/google/btree"

type extent[V comparable] struct {
	begin uint64
	end   uint64
	value V
}

// rangeMap maps disjoint address ranges to values. Adjacent ranges holding
// equal values are coalesced so the tree stays proportional to the number of
// distinct regions rather than the number of pages.
type rangeMap[V comparable] struct {
	tree *btree.BTreeG[extent[V]]
}

func newRangeMap[V comparable]() *rangeMap[V] {
	return &rangeMap[V]{
		tree: btree.NewG(16, func(a, b extent[V]) bool { return a.begin < b.begin }),
	}
}

// Len returns the number of extents in the map.
func (m *rangeMap[V]) Len() int { return m.tree.Len() }

// get returns the value covering addr.
func (m *rangeMap[V]) get(addr uint64) (V, bool) {
	var (
		v     V
		found bool
	)
	m.tree.DescendLessOrEqual(extent[V]{begin: addr}, func(e extent[V]) bool {
		if e.end > addr {
			v, found = e.value, true
		}
		return false
	})
	return v, found
}

// overlapping returns the extents intersecting r in ascending order.
func (m *rangeMap[V]) overlapping(r Range) []extent[V] {
	var out []extent[V]
	m.tree.DescendLessOrEqual(extent[V]{begin: r.Begin}, func(e extent[V]) bool {
		if e.end > r.Begin {
			out = append(out, e)
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(extent[V]{begin: r.Begin + 1}, func(e extent[V]) bool {
		if e.begin >= r.End {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// visit calls fn for every segment of r in ascending order, including the
// gaps no extent covers (ok is false for those). Iteration stops when fn
// returns false.
func (m *rangeMap[V]) visit(r Range, fn func(seg Range, v V, ok bool) bool) {
	var zero V
	cur := r.Begin
	for _, e := range m.overlapping(r) {
		b := max(e.begin, r.Begin)
		if b > cur {
			if !fn(Range{Begin: cur, End: b}, zero, false) {
				return
			}
		}
		end := min(e.end, r.End)
		if !fn(Range{Begin: b, End: end}, e.value, true) {
			return
		}
		cur = end
	}
	if cur < r.End {
		fn(Range{Begin: cur, End: r.End}, zero, false)
	}
}

// uniform returns the value covering all of r, failing if r is partly
// uncovered or covered by differing values.
func (m *rangeMap[V]) uniform(r Range) (V, bool) {
	var (
		v     V
		first = true
		ok    = true
	)
	m.visit(r, func(_ Range, ev V, present bool) bool {
		if !present || (!first && ev != v) {
			ok = false
			return false
		}
		v, first = ev, false
		return true
	})
	return v, ok && !first
}

// covered reports whether every byte of r is covered by some extent.
func (m *rangeMap[V]) covered(r Range) bool {
	ok := true
	m.visit(r, func(_ Range, _ V, present bool) bool {
		ok = present
		return present
	})
	return ok
}

// clear removes r from the map, trimming extents that straddle its edges.
func (m *rangeMap[V]) clear(r Range) {
	for _, e := range m.overlapping(r) {
		m.tree.Delete(e)
		if e.begin < r.Begin {
			m.tree.ReplaceOrInsert(extent[V]{begin: e.begin, end: r.Begin, value: e.value})
		}
		if e.end > r.End {
			m.tree.ReplaceOrInsert(extent[V]{begin: r.End, end: e.end, value: e.value})
		}
	}
}

// set maps r to v, replacing whatever r covered before.
func (m *rangeMap[V]) set(r Range, v V) {
	m.clear(r)
	e := extent[V]{begin: r.Begin, end: r.End, value: v}
	var (
		left    extent[V]
		hasLeft bool
	)
	m.tree.DescendLessOrEqual(extent[V]{begin: e.begin}, func(l extent[V]) bool {
		left, hasLeft = l, l.end == e.begin && l.value == v
		return false
	})
	if hasLeft {
		m.tree.Delete(left)
		e.begin = left.begin
	}
	if right, ok := m.tree.Get(extent[V]{begin: e.end}); ok && right.value == v {
		m.tree.Delete(right)
		e.end = right.end
	}
	m.tree.ReplaceOrInsert(e)
}

// ascend calls fn for every extent in address order.
func (m *rangeMap[V]) ascend(fn func(r Range, v V) bool) {
	m.tree.Ascend(func(e extent[V]) bool {
		return fn(Range{Begin: e.begin, End: e.end}, e.value)
	})
}
