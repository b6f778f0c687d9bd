package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeProber struct {
	mu       sync.Mutex
	failing  map[topology.NodeID]bool
	wrongSeq map[topology.NodeID]bool
	calls    map[topology.NodeID]int
	load     topology.Load
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		failing:  make(map[topology.NodeID]bool),
		wrongSeq: make(map[topology.NodeID]bool),
		calls:    make(map[topology.NodeID]int),
	}
}

func (p *fakeProber) Probe(ctx context.Context, target topology.NodeDescriptor, hb wire.Heartbeat) (wire.HeartbeatReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[target.ID]++

	if p.failing[target.ID] {
		return wire.HeartbeatReply{}, context.DeadlineExceeded
	}
	seq := hb.Sequence
	if p.wrongSeq[target.ID] {
		seq++
	}
	return wire.HeartbeatReply{NodeID: target.ID, Sequence: seq, Load: p.load}, nil
}

func (p *fakeProber) setFailing(id topology.NodeID, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[id] = failing
}

func (p *fakeProber) callCount(id topology.NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func testConfig() Config {
	return Config{
		Interval:          time.Second,
		Timeout:           100 * time.Millisecond,
		Jitter:            0,
		SuspectAfter:      3,
		SuspectTimeout:    5 * time.Second,
		DeadRetryInterval: 4 * time.Second,
		DeadRetryMax:      10 * time.Second,
		Tick:              10 * time.Millisecond,
		Concurrency:       4,
	}
}

func setup(t *testing.T, config Config) (*directory.Directory, *fakeProber, *fakeClock, *Detector) {
	t.Helper()
	dir := directory.New(topology.NodeDescriptor{ID: 1, Address: "n1:7311"})
	dir.Register(topology.NodeDescriptor{ID: 2, Address: "n2:7311", RAMMax: 1000})
	dir.Register(topology.NodeDescriptor{ID: 3, Address: "n3:7311"})

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	prober := newFakeProber()
	det := New(dir, prober, config, WithClock(clock.Now))
	return dir, prober, clock, det
}

func healthOf(t *testing.T, dir *directory.Directory, id topology.NodeID) directory.Health {
	t.Helper()
	h, ok := dir.HealthOf(id)
	require.True(t, ok)
	return h
}

func TestDetector_SuspectAfterKMissesThenAliveOnSingleSuccess(t *testing.T) {
	dir, prober, clock, det := setup(t, testConfig())
	ctx := context.Background()
	prober.setFailing(2, true)

	det.Tick(ctx)
	assert.Equal(t, directory.Alive, healthOf(t, dir, 2))
	clock.Advance(time.Second)
	det.Tick(ctx)
	assert.Equal(t, directory.Alive, healthOf(t, dir, 2))
	clock.Advance(time.Second)
	det.Tick(ctx)

	assert.Equal(t, 3, det.Misses(2))
	assert.Equal(t, directory.Suspect, healthOf(t, dir, 2))
	assert.Equal(t, directory.Alive, healthOf(t, dir, 3), "healthy peer untouched")

	prober.setFailing(2, false)
	clock.Advance(time.Second)
	det.Tick(ctx)

	assert.Equal(t, directory.Alive, healthOf(t, dir, 2))
	assert.Zero(t, det.Misses(2))
}

func TestDetector_SuspectBecomesDeadAfterGrace(t *testing.T) {
	dir, prober, clock, det := setup(t, testConfig())
	ctx := context.Background()
	prober.setFailing(2, true)

	for i := 0; i < 3; i++ {
		det.Tick(ctx)
		clock.Advance(time.Second)
	}
	require.Equal(t, directory.Suspect, healthOf(t, dir, 2))

	// suspected at t=2s; grace of 5s expires at t=7s
	for i := 0; i < 4; i++ {
		det.Tick(ctx)
		assert.Equal(t, directory.Suspect, healthOf(t, dir, 2))
		clock.Advance(time.Second)
	}
	det.Tick(ctx)
	assert.Equal(t, directory.Dead, healthOf(t, dir, 2))
}

func TestDetector_DeadPeersBackOffButAreRetried(t *testing.T) {
	config := testConfig()
	config.SuspectAfter = 1
	config.SuspectTimeout = 0
	dir, prober, clock, det := setup(t, config)
	ctx := context.Background()
	prober.setFailing(2, true)

	det.Tick(ctx) // Alive -> Suspect
	clock.Advance(time.Second)
	det.Tick(ctx) // Suspect -> Dead, next probe in 4s
	require.Equal(t, directory.Dead, healthOf(t, dir, 2))
	calls := prober.callCount(2)

	clock.Advance(3 * time.Second)
	det.Tick(ctx)
	assert.Equal(t, calls, prober.callCount(2), "not due before the dead retry interval")

	clock.Advance(time.Second)
	det.Tick(ctx)
	assert.Equal(t, calls+1, prober.callCount(2))

	// backoff doubles to 8s
	next, ok := det.NextProbe(2)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(8*time.Second), next)

	// and is capped at DeadRetryMax
	clock.Advance(8 * time.Second)
	det.Tick(ctx)
	next, _ = det.NextProbe(2)
	assert.Equal(t, clock.Now().Add(10*time.Second), next)

	prober.setFailing(2, false)
	clock.Advance(10 * time.Second)
	det.Tick(ctx)
	assert.Equal(t, directory.Alive, healthOf(t, dir, 2), "single success revives a dead node")
}

func TestDetector_RemoveDeadAfterPolicy(t *testing.T) {
	config := testConfig()
	config.SuspectAfter = 1
	config.SuspectTimeout = 0
	config.RemoveDeadAfter = 5 * time.Second
	dir, prober, clock, det := setup(t, config)
	ctx := context.Background()
	prober.setFailing(2, true)

	det.Tick(ctx)
	clock.Advance(time.Second)
	det.Tick(ctx)
	require.Equal(t, directory.Dead, healthOf(t, dir, 2))

	for i := 0; i < 3; i++ {
		clock.Advance(4 * time.Second)
		det.Tick(ctx)
	}

	_, ok := dir.Get(2)
	assert.False(t, ok, "dead node removed by policy")
}

func TestDetector_SequenceMismatchIsAMiss(t *testing.T) {
	dir, prober, clock, det := setup(t, testConfig())
	ctx := context.Background()
	prober.mu.Lock()
	prober.wrongSeq[3] = true
	prober.mu.Unlock()

	for i := 0; i < 3; i++ {
		det.Tick(ctx)
		clock.Advance(time.Second)
	}
	assert.Equal(t, directory.Suspect, healthOf(t, dir, 3))
}

func TestDetector_ProbesOnlyWhenDue(t *testing.T) {
	_, prober, clock, det := setup(t, testConfig())
	ctx := context.Background()

	det.Tick(ctx)
	det.Tick(ctx)
	assert.Equal(t, 1, prober.callCount(2))

	clock.Advance(999 * time.Millisecond)
	det.Tick(ctx)
	assert.Equal(t, 1, prober.callCount(2))

	clock.Advance(time.Millisecond)
	det.Tick(ctx)
	assert.Equal(t, 2, prober.callCount(2))
	assert.Zero(t, prober.callCount(1), "never probes itself")
}

func TestDetector_SuccessReportsLoad(t *testing.T) {
	dir, prober, _, det := setup(t, testConfig())
	prober.load = topology.Load{UsedRAM: 250, OpenConnections: 2}

	det.Tick(context.Background())

	c, err := dir.CapacityOf(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), c.FreeRAM())
	assert.Equal(t, uint32(2), c.OpenConnections)
}

func TestDetector_JitterStretchesInterval(t *testing.T) {
	config := testConfig()
	config.Jitter = 0.5
	dir := directory.New(topology.NodeDescriptor{ID: 1})
	dir.Register(topology.NodeDescriptor{ID: 2})
	clock := &fakeClock{t: time.Unix(0, 0)}
	det := New(dir, newFakeProber(), config, WithClock(clock.Now), WithJitterSource(func() float64 { return 0.5 }))

	det.Tick(context.Background())
	next, ok := det.NextProbe(2)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(1250*time.Millisecond), next)
}

func TestConfigFromCluster(t *testing.T) {
	c := cfg.Default().Cluster
	c.HeartbeatIntervalMS = 200
	c.SuspectAfterMisses = 5
	c.RemoveDeadAfterMS = 60000

	dc := ConfigFromCluster(c, 8)
	assert.Equal(t, 200*time.Millisecond, dc.Interval)
	assert.Equal(t, 5, dc.SuspectAfter)
	assert.Equal(t, time.Minute, dc.RemoveDeadAfter)
	assert.Equal(t, 8, dc.Concurrency)
	assert.Equal(t, 20*time.Millisecond, dc.Tick)
}

func TestUnreachableWrapsSentinel(t *testing.T) {
	err := wire.Unreachable(2, context.DeadlineExceeded)
	assert.True(t, errors.Is(err, wire.ErrNodeUnreachable))
	assert.Nil(t, wire.Unreachable(2, nil))
}
