package ring

import (
	"fmt"
	"testing"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n ...uint64) []topology.NodeID {
	out := make([]topology.NodeID, len(n))
	for i, v := range n {
		out[i] = topology.NodeID(v)
	}
	return out
}

func TestBuild_TokenCountScalesWithWeight(t *testing.T) {
	weights := map[topology.NodeID]int{1: 1, 2: 2, 3: 0}
	r := Build(ids(1, 2, 3), func(id topology.NodeID) int { return weights[id] })

	assert.Equal(t, 3, r.NodeCount())
	assert.Equal(t, 400, r.Len())

	dist := r.Distribution()
	assert.Equal(t, 100, dist[1])
	assert.Equal(t, 200, dist[2])
	assert.Equal(t, 100, dist[3], "zero weight falls back to default")
}

func TestBuild_IgnoresDuplicates(t *testing.T) {
	r := Build(ids(1, 1, 2), nil, WithTokensPerWeight(10))
	assert.Equal(t, 2, r.NodeCount())
	assert.Equal(t, 20, r.Len())
}

func TestLookup_Deterministic(t *testing.T) {
	a := Build(ids(1, 2, 3, 4, 5), nil)
	b := Build(ids(5, 4, 3, 2, 1), nil)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		first := a.Lookup(key, 3)
		assert.Equal(t, first, a.Lookup(key, 3), "repeated lookup on %s", key)
		assert.Equal(t, first, b.Lookup(key, 3), "rebuilt ring on %s", key)
	}
}

func TestLookup_DistinctNodes(t *testing.T) {
	r := Build(ids(1, 2, 3), nil)

	for i := 0; i < 200; i++ {
		nodes := r.Lookup(fmt.Sprintf("k%d", i), 3)
		require.Len(t, nodes, 3)
		seen := map[topology.NodeID]bool{}
		for _, n := range nodes {
			assert.False(t, seen[n], "duplicate node %d", n)
			seen[n] = true
		}
	}
}

func TestLookup_ClampsToNodeCount(t *testing.T) {
	r := Build(ids(1, 2), nil)
	assert.Len(t, r.Lookup("k", 5), 2)
	assert.Nil(t, r.Lookup("k", 0))

	empty := Build(nil, nil)
	assert.Nil(t, empty.Lookup("k", 1))
	_, ok := empty.Primary("k")
	assert.False(t, ok)
}

func TestLookup_WalksClockwiseFromKey(t *testing.T) {
	r := Build(ids(1, 2, 3), nil)
	pos := r.Position("k1")

	idx := r.search(pos)
	assert.GreaterOrEqual(t, r.tokens[idx].Position, pos)

	nodes := r.Lookup("k1", 2)
	require.Len(t, nodes, 2)
	assert.Equal(t, r.tokens[idx].Node, nodes[0])
}

func TestLookup_HasherMatters(t *testing.T) {
	x := Build(ids(1, 2, 3, 4), nil, WithHasher(XXHash))
	m := Build(ids(1, 2, 3, 4), nil, WithHasher(Murmur3))

	differs := false
	for i := 0; i < 100 && !differs; i++ {
		key := fmt.Sprintf("key-%d", i)
		differs = fmt.Sprint(x.Lookup(key, 2)) != fmt.Sprint(m.Lookup(key, 2))
	}
	assert.True(t, differs)
}

func TestHasherByName(t *testing.T) {
	h, err := HasherByName("")
	require.NoError(t, err)
	assert.Equal(t, XXHash([]byte("a")), h([]byte("a")))

	h, err = HasherByName("murmur3")
	require.NoError(t, err)
	assert.Equal(t, Murmur3([]byte("a")), h([]byte("a")))

	_, err = HasherByName("md5")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := topology.NewClusterConfig(7, []topology.NodeDescriptor{
		{ID: 1, Weight: 1},
		{ID: 2, Weight: 3},
	}, topology.RedundancyPolicy{Strategy: topology.StrategyNormal, ReplicaMin: 1, ReplicaMax: 2}, 1)

	r := FromConfig(cfg)
	assert.Equal(t, uint64(7), r.Epoch())
	assert.Equal(t, 400, r.Len())
	assert.True(t, r.Contains(2))
	assert.False(t, r.Contains(3))
}

func TestChangedRanges_JoinOnlyMovesToNewNode(t *testing.T) {
	before := Build(ids(1, 2, 3), nil)
	after := Build(ids(1, 2, 3, 4), nil)

	diff := ChangedRanges(before, after, 2)
	require.False(t, diff.Empty())

	for _, c := range diff.Changes() {
		assert.Contains(t, c.New, topology.NodeID(4), "a join only changes arcs the new node takes")
	}

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("item-%d", i)
		pos := after.Position(key)
		oldOwners := before.Lookup(key, 2)
		newOwners := after.Lookup(key, 2)

		change, found := diff.Find(pos)
		if fmt.Sprint(oldOwners) != fmt.Sprint(newOwners) {
			require.True(t, found, "key %s changed owners but no arc reported", key)
			assert.Equal(t, oldOwners, change.Old)
			assert.Equal(t, newOwners, change.New)
		} else {
			assert.False(t, found, "key %s kept owners but an arc was reported", key)
		}
	}
}

func TestChangedRanges_IdenticalRingsAreEmpty(t *testing.T) {
	a := Build(ids(1, 2), nil)
	b := Build(ids(2, 1), nil)
	assert.True(t, ChangedRanges(a, b, 2).Empty())
}

func TestChangedRanges_FromEmptyCoversEverything(t *testing.T) {
	after := Build(ids(1), nil, WithTokensPerWeight(1))
	diff := ChangedRanges(nil, after, 1)

	require.Len(t, diff.Changes(), 1)
	c := diff.Changes()[0]
	assert.True(t, c.Contains(0))
	assert.True(t, c.Contains(^uint64(0)))
	assert.Equal(t, ids(1), c.Added())
	assert.Empty(t, c.Removed())
}

func TestRangeChange_Contains(t *testing.T) {
	plain := RangeChange{Start: 10, End: 20}
	assert.False(t, plain.Contains(10))
	assert.True(t, plain.Contains(11))
	assert.True(t, plain.Contains(20))
	assert.False(t, plain.Contains(21))

	wrapped := RangeChange{Start: 100, End: 5}
	assert.True(t, wrapped.Contains(101))
	assert.True(t, wrapped.Contains(0))
	assert.True(t, wrapped.Contains(5))
	assert.False(t, wrapped.Contains(50))
}
