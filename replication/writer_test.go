package replication

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/store"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

// memCluster routes transfers between in-process writers
type memCluster struct {
	mu      sync.Mutex
	writers map[topology.NodeID]*Writer
	down    map[topology.NodeID]bool
	view    *mutableView
	caps    *capacities
}

type mutableView struct {
	mu     sync.Mutex
	config *topology.ClusterConfig
	ring   *ring.Snapshot
}

func (v *mutableView) Current() (*topology.ClusterConfig, *ring.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config, v.ring
}

func (v *mutableView) set(config *topology.ClusterConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.config = config
	v.ring = ring.FromConfig(config)
}

func newMemCluster(policy topology.RedundancyPolicy, ids ...topology.NodeID) *memCluster {
	mc := &memCluster{
		writers: make(map[topology.NodeID]*Writer),
		down:    make(map[topology.NodeID]bool),
		view:    &mutableView{},
		caps:    newCapacities(ids...),
	}
	mc.view.set(topology.NewClusterConfig(1, nodes(ids...), policy, ids[0]))
	for _, id := range ids {
		coord := NewCoordinator(mc.view, mc.caps)
		mc.writers[id] = NewWriter(id, coord, store.New(), mc, time.Second)
	}
	return mc
}

func (mc *memCluster) target(id topology.NodeID) (*Writer, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.down[id] {
		return nil, errDown
	}
	return mc.writers[id], nil
}

func (mc *memCluster) setDown(id topology.NodeID, down bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.down[id] = down
}

func (mc *memCluster) Transfer(ctx context.Context, target topology.NodeDescriptor, msg wire.Transfer) (wire.TransferAck, error) {
	w, err := mc.target(target.ID)
	if err != nil {
		return wire.TransferAck{}, err
	}
	return w.HandleTransfer(msg), nil
}

func (mc *memCluster) Evict(ctx context.Context, target topology.NodeDescriptor, msg wire.Evict) (wire.EvictAck, error) {
	w, err := mc.target(target.ID)
	if err != nil {
		return wire.EvictAck{}, err
	}
	return w.HandleEvict(msg), nil
}

func (mc *memCluster) Fetch(ctx context.Context, target topology.NodeDescriptor, msg wire.Fetch) (wire.FetchReply, error) {
	w, err := mc.target(target.ID)
	if err != nil {
		return wire.FetchReply{}, err
	}
	return w.HandleFetch(msg), nil
}

func (mc *memCluster) holders(key string) []topology.NodeID {
	var out []topology.NodeID
	for _, id := range []topology.NodeID{1, 2, 3, 4, 5} {
		w, ok := mc.writers[id]
		if !ok {
			continue
		}
		if _, ok := w.Store().Get(key); ok {
			out = append(out, id)
		}
	}
	return out
}

func TestWriter_PutReachesEveryReplica(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3)
	ctx := context.Background()

	rec, err := mc.writers[1].Put(ctx, "user:1", []byte("alice"), WriteOptions{Tags: []string{"users"}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, FullyReplicated, rec.Status)
	assert.ElementsMatch(t, rec.Replicas, mc.holders("user:1"))

	_, r := mc.view.Current()
	assert.Equal(t, r.Lookup("user:1", 2), rec.Replicas)
}

func TestWriter_GetFetchesFromReplicas(t *testing.T) {
	mc := newMemCluster(normal(1), 1, 2, 3)
	ctx := context.Background()

	rec, err := mc.writers[1].Put(ctx, "remote", []byte("v"), WriteOptions{})
	require.NoError(t, err)

	var outsider topology.NodeID
	for _, id := range []topology.NodeID{1, 2, 3} {
		if !rec.Holds(id) {
			outsider = id
			break
		}
	}
	item, err := mc.writers[outsider].Get(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), item.Value)

	_, err = mc.writers[outsider].Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriter_UpdateBumpsVersion(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3)
	ctx := context.Background()

	first, err := mc.writers[1].Put(ctx, "k", []byte("one"), WriteOptions{})
	require.NoError(t, err)
	second, err := mc.writers[1].Put(ctx, "k", []byte("two"), WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Version+1, second.Version)
	for _, id := range second.Replicas {
		item, ok := mc.writers[id].Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("two"), item.Value)
	}
}

func TestWriter_UpdatesThroughNonReplicasKeepIncreasing(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3, 4)
	ctx := context.Background()

	_, r := mc.view.Current()
	replicas := r.Lookup("k", 2)
	var outsiders []topology.NodeID
	for _, id := range []topology.NodeID{1, 2, 3, 4} {
		if !slices.Contains(replicas, id) {
			outsiders = append(outsiders, id)
		}
	}
	require.Len(t, outsiders, 2)

	first, err := mc.writers[outsiders[0]].Put(ctx, "k", []byte("one"), WriteOptions{})
	require.NoError(t, err)
	original, ok := mc.writers[replicas[0]].Store().Get("k")
	require.True(t, ok)

	second, err := mc.writers[outsiders[1]].Put(ctx, "k", []byte("two"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version, "coordinator without a copy learns the version from replicas")

	third, err := mc.writers[outsiders[0]].Put(ctx, "k", []byte("three"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, second.Version+1, third.Version, "stale local record is superseded by the replicas")

	assert.ElementsMatch(t, replicas, mc.holders("k"))
	for _, id := range replicas {
		item, ok := mc.writers[id].Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("three"), item.Value)
		assert.Equal(t, third.Version, item.Version)
		assert.Equal(t, original.ID, item.ID)
	}
}

func TestWriter_DeleteRemovesEveryCopy(t *testing.T) {
	mc := newMemCluster(normal(3), 1, 2, 3)
	ctx := context.Background()

	_, err := mc.writers[2].Put(ctx, "gone", []byte("x"), WriteOptions{})
	require.NoError(t, err)
	require.Len(t, mc.holders("gone"), 3)

	found, err := mc.writers[2].Delete(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, mc.holders("gone"))

	found, err = mc.writers[2].Delete(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWriter_FailsWhenReplicaMinUnreachable(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3)
	mc.setDown(2, true)
	mc.setDown(3, true)

	_, err := mc.writers[1].Put(context.Background(), "k", []byte("v"), WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientReplicas)

	assert.Empty(t, mc.holders("k"), "partial write rolled back")
	_, ok := mc.writers[1].Records().Get("k")
	assert.False(t, ok)
	for _, id := range []topology.NodeID{1, 2, 3} {
		assert.Zero(t, mc.writers[1].Coordinator().Ledger().Reserved(id))
	}
}

func TestWriter_FailedUpdateKeepsPreviousValue(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3)
	ctx := context.Background()

	rec, err := mc.writers[1].Put(ctx, "k", []byte("old"), WriteOptions{})
	require.NoError(t, err)
	var outsider topology.NodeID
	for _, id := range []topology.NodeID{1, 2, 3} {
		if !rec.Holds(id) {
			outsider = id
		}
	}
	survivor, unreachable := rec.Replicas[0], rec.Replicas[1]
	mc.setDown(unreachable, true)

	_, err = mc.writers[outsider].Put(ctx, "k", []byte("new"), WriteOptions{})
	require.ErrorIs(t, err, ErrInsufficientReplicas)

	item, ok := mc.writers[survivor].Store().Get("k")
	require.True(t, ok, "previous holder keeps the item")
	assert.Equal(t, []byte("old"), item.Value)
	assert.Greater(t, item.Version, rec.Version)
	after, ok := mc.writers[survivor].Records().Get("k")
	require.True(t, ok)
	assert.ElementsMatch(t, rec.Replicas, after.Replicas)
	assert.NotContains(t, mc.holders("k"), outsider)
	for _, id := range []topology.NodeID{1, 2, 3} {
		assert.Zero(t, mc.writers[outsider].Coordinator().Ledger().Reserved(id))
	}

	mc.setDown(unreachable, false)
	got, err := mc.writers[outsider].Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got.Value)

	next, err := mc.writers[outsider].Put(ctx, "k", []byte("new"), WriteOptions{})
	require.NoError(t, err)
	assert.Greater(t, next.Version, item.Version)
	for _, id := range next.Replicas {
		stored, ok := mc.writers[id].Store().Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("new"), stored.Value)
	}
}

func TestWriter_UnderReplicatedThenSweptToTarget(t *testing.T) {
	maximum := topology.RedundancyPolicy{Strategy: topology.StrategyMaximum, ReplicaMin: 1, ReplicaMax: 3}
	mc := newMemCluster(maximum, 1, 2, 3)
	ctx := context.Background()

	_, r := mc.view.Current()
	preference := r.Lookup("k", 3)
	unreachable := preference[2]
	if unreachable == 1 {
		unreachable = preference[1]
	}
	mc.setDown(unreachable, true)

	rec, err := mc.writers[1].Put(ctx, "k", []byte("v"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, UnderReplicated, rec.Status)
	assert.Len(t, rec.Replicas, 2)
	assert.Equal(t, 1, mc.writers[1].UnderReplicated())

	mc.setDown(unreachable, false)
	assert.Equal(t, 1, mc.writers[1].Sweep(ctx))

	rec, ok := mc.writers[1].Records().Get("k")
	require.True(t, ok)
	assert.Equal(t, FullyReplicated, rec.Status)
	assert.ElementsMatch(t, []topology.NodeID{1, 2, 3}, mc.holders("k"))

	assert.Zero(t, mc.writers[1].Sweep(ctx), "satisfied records are left alone")
}

func TestWriter_SweepReplacesRemovedMember(t *testing.T) {
	mc := newMemCluster(normal(2), 1, 2, 3)
	ctx := context.Background()

	rec, err := mc.writers[1].Put(ctx, "k", []byte("v"), WriteOptions{})
	require.NoError(t, err)

	removed := rec.Replicas[1]
	var survivors []topology.NodeID
	for _, id := range []topology.NodeID{1, 2, 3} {
		if id != removed {
			survivors = append(survivors, id)
		}
	}
	config, _ := mc.view.Current()
	mc.view.set(config.Next(nodes(survivors...), 1, removed))

	leader := rec.Replicas[0]
	assert.Equal(t, 1, mc.writers[leader].Sweep(ctx))

	after, ok := mc.writers[leader].Records().Get("k")
	require.True(t, ok)
	assert.Len(t, after.Replicas, 2)
	assert.NotContains(t, after.Replicas, removed)
	assert.Equal(t, leader, after.Replicas[0], "survivor keeps its copy")
}

func TestWriter_EvictFromStaleEpochRefused(t *testing.T) {
	mc := newMemCluster(normal(1), 1, 2)
	w := mc.writers[1]
	w.Store().Put(wire.Item{Key: "k", Version: 1, Value: []byte("v")})

	config, _ := mc.view.Current()
	mc.view.set(config.Next(nodes(1, 2), 1))

	ack := w.HandleEvict(wire.Evict{From: 2, Epoch: 1, Key: "k"})
	assert.False(t, ack.Evicted)
	_, ok := w.Store().Get("k")
	assert.True(t, ok)

	ack = w.HandleEvict(wire.Evict{From: 2, Epoch: 2, Key: "k"})
	assert.True(t, ack.Evicted)
}

func TestWriter_TransferRefusesOlderVersion(t *testing.T) {
	mc := newMemCluster(normal(1), 1, 2)
	w := mc.writers[2]

	ack := w.HandleTransfer(wire.Transfer{From: 1, Epoch: 1, Item: wire.Item{Key: "k", Version: 5}, Replicas: []topology.NodeID{2}})
	assert.True(t, ack.Acknowledged)

	ack = w.HandleTransfer(wire.Transfer{From: 1, Epoch: 1, Item: wire.Item{Key: "k", Version: 4}, Replicas: []topology.NodeID{2}})
	assert.False(t, ack.Acknowledged)
	assert.Equal(t, uint64(5), ack.Version)
}

func TestWriter_OnChangeFires(t *testing.T) {
	mc := newMemCluster(normal(1), 1)
	calls := 0
	mc.writers[1].OnChange(func() { calls++ })

	_, err := mc.writers[1].Put(context.Background(), "k", []byte("v"), WriteOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	item, ok := mc.writers[1].Store().Get("k")
	require.True(t, ok)
	assert.NotZero(t, item.ExpiresOn)
	assert.NotEmpty(t, item.ID)
}
