package ring

import (
	"slices"
	"sort"

	"github.com/anor-rs/anor-cluster/topology"
)

// RangeChange is an arc (Start, End] of the ring whose top-n owner list
// differs between two snapshots. Start == End denotes the whole ring.
type RangeChange struct {
	Start uint64
	End   uint64
	Old   []topology.NodeID
	New   []topology.NodeID
}

// Contains reports whether pos falls inside the arc
func (r RangeChange) Contains(pos uint64) bool {
	switch {
	case r.Start == r.End:
		return true
	case r.Start < r.End:
		return pos > r.Start && pos <= r.End
	default:
		return pos > r.Start || pos <= r.End
	}
}

// Added returns nodes present in New but not in Old
func (r RangeChange) Added() []topology.NodeID {
	return difference(r.New, r.Old)
}

// Removed returns nodes present in Old but not in New
func (r RangeChange) Removed() []topology.NodeID {
	return difference(r.Old, r.New)
}

// Diff is the ordered set of changed arcs between two rings
type Diff struct {
	changes []RangeChange
	wrap    *RangeChange
}

// ChangedRanges compares the preference lists of length n of two rings over
// every arc delimited by the union of their token positions. Both rings must
// use the same hasher.
func ChangedRanges(oldRing, newRing *Snapshot, n int) *Diff {
	boundaries := unionPositions(oldRing, newRing)
	d := &Diff{}
	if len(boundaries) == 0 {
		return d
	}

	for i, end := range boundaries {
		var start uint64
		if i == 0 {
			start = boundaries[len(boundaries)-1]
		} else {
			start = boundaries[i-1]
		}

		before := lookupOrNil(oldRing, end, n)
		after := lookupOrNil(newRing, end, n)
		if slices.Equal(before, after) {
			continue
		}

		change := RangeChange{Start: start, End: end, Old: before, New: after}
		if i == 0 {
			d.wrap = &change
		}
		d.changes = append(d.changes, change)
	}

	return d
}

// Changes returns all changed arcs ordered by End
func (d *Diff) Changes() []RangeChange {
	return d.changes
}

// Empty reports whether ownership is unchanged everywhere
func (d *Diff) Empty() bool {
	return len(d.changes) == 0
}

// Find returns the changed arc containing pos, if any
func (d *Diff) Find(pos uint64) (RangeChange, bool) {
	if len(d.changes) == 0 {
		return RangeChange{}, false
	}

	i := sort.Search(len(d.changes), func(i int) bool { return d.changes[i].End >= pos })
	if i < len(d.changes) && d.changes[i].Contains(pos) {
		return d.changes[i], true
	}
	if d.wrap != nil && d.wrap.Contains(pos) {
		return *d.wrap, true
	}
	return RangeChange{}, false
}

func unionPositions(a, b *Snapshot) []uint64 {
	var out []uint64
	for _, s := range []*Snapshot{a, b} {
		if s == nil {
			continue
		}
		for _, t := range s.tokens {
			out = append(out, t.Position)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func lookupOrNil(s *Snapshot, pos uint64, n int) []topology.NodeID {
	if s == nil {
		return nil
	}
	return s.LookupPosition(pos, n)
}

func difference(a, b []topology.NodeID) []topology.NodeID {
	var out []topology.NodeID
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}
