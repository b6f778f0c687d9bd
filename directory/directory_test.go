package directory

import (
	"errors"
	"sync"
	"testing"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id topology.NodeID) topology.NodeDescriptor {
	return topology.NodeDescriptor{
		ID:             id,
		Address:        "node-" + id.String() + ":7311",
		Weight:         1,
		RAMMax:         1000,
		DiskMax:        2000,
		ConnectionsMax: 10,
		ThreadsMax:     4,
	}
}

func newDirectory(t *testing.T, peers ...topology.NodeID) *Directory {
	t.Helper()
	d := New(node(1))
	for _, id := range peers {
		d.Register(node(id))
	}
	return d
}

func TestDirectory_StartsWithSelf(t *testing.T) {
	d := New(node(1))

	assert.Equal(t, topology.NodeID(1), d.LocalID())
	assert.Equal(t, []topology.NodeDescriptor{node(1)}, d.Snapshot())
	assert.Zero(t, d.Generation())
}

func TestDirectory_RegisterBumpsGeneration(t *testing.T) {
	d := newDirectory(t, 2, 3)
	assert.Equal(t, uint64(2), d.Generation())

	// identical re-registration is not a change
	d.Register(node(2))
	assert.Equal(t, uint64(2), d.Generation())

	changed := node(2)
	changed.RAMMax = 5000
	d.Register(changed)
	assert.Equal(t, uint64(3), d.Generation())

	c, err := d.CapacityOf(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), c.RAMMax)
}

func TestDirectory_HealthStateMachine(t *testing.T) {
	d := newDirectory(t, 2)

	require.NoError(t, d.MarkSuspect(2))
	h, _ := d.HealthOf(2)
	assert.Equal(t, Suspect, h)

	require.NoError(t, d.MarkDead(2))
	h, _ = d.HealthOf(2)
	assert.Equal(t, Dead, h)

	// suspect after dead is not a de-escalation
	gen := d.Generation()
	require.NoError(t, d.MarkSuspect(2))
	h, _ = d.HealthOf(2)
	assert.Equal(t, Dead, h)
	assert.Equal(t, gen, d.Generation())

	require.NoError(t, d.MarkAlive(2))
	h, _ = d.HealthOf(2)
	assert.Equal(t, Alive, h)
	assert.Equal(t, gen+1, d.Generation())
}

func TestDirectory_AliveToDeadEscalation(t *testing.T) {
	d := newDirectory(t, 2)
	require.NoError(t, d.MarkDead(2))
	h, _ := d.HealthOf(2)
	assert.Equal(t, Dead, h)
}

func TestDirectory_SelfCannotBeMarkedUnhealthy(t *testing.T) {
	d := New(node(1))

	assert.ErrorIs(t, d.MarkSuspect(1), ErrSelfTransition)
	assert.ErrorIs(t, d.MarkDead(1), ErrSelfTransition)
	assert.ErrorIs(t, d.Remove(1, "test"), ErrSelfTransition)
	assert.NoError(t, d.MarkAlive(1))
}

func TestDirectory_UnknownNode(t *testing.T) {
	d := New(node(1))

	err := d.MarkSuspect(99)
	assert.True(t, errors.Is(err, ErrUnknownNode))

	_, err = d.CapacityOf(99)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestDirectory_SnapshotAndMembers(t *testing.T) {
	d := newDirectory(t, 4, 2, 3, 5)
	require.NoError(t, d.MarkSuspect(3))
	require.NoError(t, d.MarkDead(4))

	ids := func(descs []topology.NodeDescriptor) []topology.NodeID {
		out := make([]topology.NodeID, len(descs))
		for i, n := range descs {
			out[i] = n.ID
		}
		return out
	}

	assert.Equal(t, []topology.NodeID{1, 2, 5}, ids(d.Snapshot()))
	assert.Equal(t, []topology.NodeID{1, 2, 3, 5}, ids(d.Members()))
	assert.Equal(t, []topology.NodeID{2, 3, 4, 5}, ids(d.Peers()))
	assert.Len(t, d.All(), 5)
}

func TestDirectory_RemoveIsTerminalUntilReRegister(t *testing.T) {
	d := newDirectory(t, 2)
	require.NoError(t, d.Remove(2, "operator"))

	_, ok := d.Get(2)
	assert.False(t, ok)
	assert.ErrorIs(t, d.MarkAlive(2), ErrUnknownNode)

	d.Register(node(2))
	h, ok := d.HealthOf(2)
	assert.True(t, ok)
	assert.Equal(t, Alive, h)
}

func TestDirectory_ReportLoadFeedsCapacity(t *testing.T) {
	d := newDirectory(t, 2)
	gen := d.Generation()

	d.ReportLoad(2, topology.Load{UsedRAM: 400, UsedDisk: 100, OpenConnections: 3})

	c, err := d.CapacityOf(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), c.FreeRAM())
	assert.Equal(t, uint64(1900), c.FreeDisk())
	assert.Equal(t, uint32(3), c.OpenConnections)
	assert.Equal(t, gen, d.Generation(), "load reports are not membership changes")
}

func TestDirectory_SubscribersSeeEvents(t *testing.T) {
	d := New(node(1))

	var mu sync.Mutex
	var events []Event
	d.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	d.Register(node(2))
	require.NoError(t, d.MarkSuspect(2))
	require.NoError(t, d.MarkAlive(2))
	require.NoError(t, d.Remove(2, "operator"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, EventJoined, events[0].Kind)
	assert.Equal(t, EventTransition, events[1].Kind)
	assert.Equal(t, Suspect, events[1].To)
	assert.Equal(t, Alive, events[2].To)
	assert.Equal(t, EventRemoved, events[3].Kind)
}

func TestDirectory_SubscriberMayReadDirectory(t *testing.T) {
	d := New(node(1))
	var seen int
	d.Subscribe(func(ev Event) {
		seen = len(d.Snapshot())
	})

	d.Register(node(2))
	assert.Equal(t, 2, seen)
}

func TestDirectory_SyncDoesNotDirty(t *testing.T) {
	d := newDirectory(t, 2, 3)
	require.NoError(t, d.MarkDead(3))
	gen := d.Generation()

	policy := topology.RedundancyPolicy{Strategy: topology.StrategyNormal, ReplicaMin: 1, ReplicaMax: 1}
	cfg := topology.NewClusterConfig(1, []topology.NodeDescriptor{node(1), node(3), node(4)}, policy, 4)
	cfg = cfg.Next(cfg.Nodes, 4, 2)

	d.Sync(cfg)

	assert.Equal(t, gen, d.Generation())

	_, ok := d.Get(2)
	assert.False(t, ok, "tombstoned node is dropped")

	h, ok := d.HealthOf(4)
	assert.True(t, ok)
	assert.Equal(t, Alive, h)

	h, _ = d.HealthOf(3)
	assert.Equal(t, Dead, h, "local health opinion is kept")
}
