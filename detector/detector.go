package detector

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrSequenceMismatch is a reply that does not echo the probe sequence
var ErrSequenceMismatch = errors.New("heartbeat sequence mismatch")

// Prober sends a single heartbeat to a peer
type Prober interface {
	Probe(ctx context.Context, target topology.NodeDescriptor, hb wire.Heartbeat) (wire.HeartbeatReply, error)
}

// Membership is the part of the node directory the detector drives
type Membership interface {
	LocalID() topology.NodeID
	Peers() []topology.NodeDescriptor
	HealthOf(id topology.NodeID) (directory.Health, bool)
	MarkSuspect(id topology.NodeID) error
	MarkDead(id topology.NodeID) error
	MarkAlive(id topology.NodeID) error
	Remove(id topology.NodeID, reason string) error
	ReportLoad(id topology.NodeID, load topology.Load)
}

// Config holds heartbeat timing
type Config struct {
	Interval          time.Duration // Probe interval for Alive and Suspect peers
	Timeout           time.Duration // Reply deadline per probe
	Jitter            float64       // Fraction added at random to interval and timeout
	SuspectAfter      int           // Consecutive misses before Alive -> Suspect
	SuspectTimeout    time.Duration // Grace window before Suspect -> Dead
	DeadRetryInterval time.Duration // First retry delay for Dead peers
	DeadRetryMax      time.Duration // Backoff cap for Dead peers
	RemoveDeadAfter   time.Duration // 0 = keep probing Dead peers forever
	Tick              time.Duration // Scheduler resolution
	Concurrency       int           // Max probes in flight
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:          time.Second,
		Timeout:           500 * time.Millisecond,
		Jitter:            0.2,
		SuspectAfter:      3,
		SuspectTimeout:    5 * time.Second,
		DeadRetryInterval: 5 * time.Second,
		DeadRetryMax:      time.Minute,
		Tick:              100 * time.Millisecond,
		Concurrency:       16,
	}
}

// ConfigFromCluster builds Config from the [cluster] section
func ConfigFromCluster(c cfg.ClusterConfiguration, threadsMax int) Config {
	dc := DefaultConfig()
	if c.HeartbeatIntervalMS > 0 {
		dc.Interval = cfg.Millis(c.HeartbeatIntervalMS)
	}
	if c.HeartbeatTimeoutMS > 0 {
		dc.Timeout = cfg.Millis(c.HeartbeatTimeoutMS)
	}
	if c.HeartbeatJitter >= 0 {
		dc.Jitter = c.HeartbeatJitter
	}
	if c.SuspectAfterMisses > 0 {
		dc.SuspectAfter = c.SuspectAfterMisses
	}
	if c.SuspectTimeoutMS > 0 {
		dc.SuspectTimeout = cfg.Millis(c.SuspectTimeoutMS)
	}
	if c.DeadRetryIntervalMS > 0 {
		dc.DeadRetryInterval = cfg.Millis(c.DeadRetryIntervalMS)
	}
	if c.DeadRetryMaxMS > 0 {
		dc.DeadRetryMax = cfg.Millis(c.DeadRetryMaxMS)
	}
	dc.RemoveDeadAfter = cfg.Millis(c.RemoveDeadAfterMS)
	if threadsMax > 0 {
		dc.Concurrency = threadsMax
	}
	if tick := dc.Interval / 10; tick > 0 && tick < dc.Tick {
		dc.Tick = tick
	}
	return dc
}

type peerState struct {
	misses       int
	nextProbe    time.Time
	suspectSince time.Time
	deadSince    time.Time
	backoff      time.Duration
	inFlight     bool
}

// Detector probes every known peer on its own schedule and reports health
// changes to the directory. It owns the per-peer schedules exclusively.
type Detector struct {
	members Membership
	prober  Prober
	config  Config

	peers    map[topology.NodeID]*peerState
	mu       sync.Mutex
	sequence atomic.Uint64
	now      func() time.Time
	jitter   func() float64
}

type Option func(*Detector)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithJitterSource replaces the random source in [0,1)
func WithJitterSource(f func() float64) Option {
	return func(d *Detector) { d.jitter = f }
}

// New creates a detector
func New(members Membership, prober Prober, config Config, opts ...Option) *Detector {
	if config.SuspectAfter < 1 {
		config.SuspectAfter = 1
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Tick <= 0 {
		config.Tick = DefaultConfig().Tick
	}

	d := &Detector{
		members: members,
		prober:  prober,
		config:  config,
		peers:   make(map[topology.NodeID]*peerState),
		now:     time.Now,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives Tick until ctx is cancelled
func (d *Detector) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", d.config.Interval).
		Dur("timeout", d.config.Timeout).
		Int("suspect_after", d.config.SuspectAfter).
		Msg("Failure detector started")

	ticker := time.NewTicker(d.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Failure detector stopped")
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick probes every peer whose schedule is due and waits for the results
func (d *Detector) Tick(ctx context.Context) {
	due := d.duePeers()
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, peer := range due {
		g.Go(func() error {
			d.probe(gctx, peer)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Detector) duePeers() []topology.NodeDescriptor {
	peers := d.members.Peers()
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	known := make(map[topology.NodeID]struct{}, len(peers))
	due := make([]topology.NodeDescriptor, 0, len(peers))

	for _, p := range peers {
		known[p.ID] = struct{}{}
		st, ok := d.peers[p.ID]
		if !ok {
			st = &peerState{nextProbe: now}
			d.peers[p.ID] = st
		}
		if st.inFlight || now.Before(st.nextProbe) {
			continue
		}
		st.inFlight = true
		due = append(due, p)
	}

	for id := range d.peers {
		if _, ok := known[id]; !ok {
			delete(d.peers, id)
		}
	}

	return due
}

func (d *Detector) probe(ctx context.Context, peer topology.NodeDescriptor) {
	seq := d.sequence.Add(1)
	pctx, cancel := context.WithTimeout(ctx, d.jittered(d.config.Timeout))
	defer cancel()

	started := d.now()
	reply, err := d.prober.Probe(pctx, peer, wire.Heartbeat{
		NodeID:    d.members.LocalID(),
		Sequence:  seq,
		Timestamp: started.UnixMilli(),
	})
	if err == nil && reply.Sequence != seq {
		err = ErrSequenceMismatch
	}

	if err != nil {
		result := "timeout"
		if errors.Is(err, ErrSequenceMismatch) {
			result = "mismatch"
		}
		telemetry.HeartbeatProbesTotal.With(result).Inc()
		log.Debug().
			Err(wire.Unreachable(peer.ID, err)).
			Uint64("node_id", uint64(peer.ID)).
			Uint64("seq", seq).
			Msg("Heartbeat missed")
		d.recordMiss(peer.ID)
		return
	}

	telemetry.HeartbeatProbesTotal.With("ok").Inc()
	telemetry.HeartbeatRTTSeconds.Observe(d.now().Sub(started).Seconds())
	d.recordSuccess(peer.ID, reply.Load)
}

func (d *Detector) recordSuccess(id topology.NodeID, load topology.Load) {
	d.mu.Lock()
	if st, ok := d.peers[id]; ok {
		st.misses = 0
		st.backoff = 0
		st.suspectSince = time.Time{}
		st.deadSince = time.Time{}
		st.inFlight = false
		st.nextProbe = d.now().Add(d.jittered(d.config.Interval))
	}
	d.mu.Unlock()

	d.members.ReportLoad(id, load)
	if health, ok := d.members.HealthOf(id); ok && health != directory.Alive {
		if err := d.members.MarkAlive(id); err != nil {
			log.Warn().Err(err).Uint64("node_id", uint64(id)).Msg("Failed to mark node alive")
		}
	}
}

type action int

const (
	actionNone action = iota
	actionSuspect
	actionDead
	actionRemove
)

func (d *Detector) recordMiss(id topology.NodeID) {
	health, known := d.members.HealthOf(id)
	now := d.now()
	act := actionNone

	d.mu.Lock()
	st, ok := d.peers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	st.inFlight = false
	if !known {
		d.mu.Unlock()
		return
	}
	st.misses++

	switch health {
	case directory.Alive:
		if st.misses >= d.config.SuspectAfter {
			act = actionSuspect
			st.suspectSince = now
		}
		st.nextProbe = now.Add(d.jittered(d.config.Interval))

	case directory.Suspect:
		if st.suspectSince.IsZero() {
			st.suspectSince = now
		}
		if now.Sub(st.suspectSince) >= d.config.SuspectTimeout {
			act = actionDead
			st.deadSince = now
			st.backoff = d.config.DeadRetryInterval
			st.nextProbe = now.Add(d.jittered(st.backoff))
		} else {
			st.nextProbe = now.Add(d.jittered(d.config.Interval))
		}

	case directory.Dead:
		if st.deadSince.IsZero() {
			st.deadSince = now
		}
		if d.config.RemoveDeadAfter > 0 && now.Sub(st.deadSince) >= d.config.RemoveDeadAfter {
			act = actionRemove
			delete(d.peers, id)
			break
		}
		st.backoff = d.nextBackoff(st.backoff)
		st.nextProbe = now.Add(d.jittered(st.backoff))
	}
	misses := st.misses
	d.mu.Unlock()

	var err error
	switch act {
	case actionSuspect:
		err = d.members.MarkSuspect(id)
	case actionDead:
		err = d.members.MarkDead(id)
	case actionRemove:
		err = d.members.Remove(id, "dead beyond removal grace")
	}
	if err != nil {
		log.Warn().Err(err).Uint64("node_id", uint64(id)).Int("misses", misses).Msg("Failed to apply health change")
	}
}

func (d *Detector) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return d.config.DeadRetryInterval
	}
	next := current * 2
	if d.config.DeadRetryMax > 0 && next > d.config.DeadRetryMax {
		next = d.config.DeadRetryMax
	}
	return next
}

// jittered stretches base by a random fraction up to Jitter
func (d *Detector) jittered(base time.Duration) time.Duration {
	if d.config.Jitter <= 0 || base <= 0 {
		return base
	}
	return base + time.Duration(float64(base)*d.config.Jitter*d.jitter())
}

// Misses returns the consecutive miss count for a peer
func (d *Detector) Misses(id topology.NodeID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[id]; ok {
		return st.misses
	}
	return 0
}

// NextProbe returns when a peer is next scheduled
func (d *Detector) NextProbe(id topology.NodeID) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[id]; ok {
		return st.nextProbe, true
	}
	return time.Time{}, false
}
