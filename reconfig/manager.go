// Package reconfig keeps every node on the same cluster configuration:
// it proposes new epochs when local membership changes, adopts newer
// epochs learned by gossip or join, and triggers data migration when the
// ring changes.
package reconfig

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/directory"
	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Transport carries gossip and join messages
type Transport interface {
	Gossip(ctx context.Context, target topology.NodeDescriptor, msg wire.Gossip) (wire.GossipReply, error)
	Join(ctx context.Context, address string, msg wire.JoinRequest) (wire.JoinReply, error)
}

// Directory is the membership view the manager reads and updates
type Directory interface {
	LocalID() topology.NodeID
	Get(id topology.NodeID) (directory.Member, bool)
	HealthOf(id topology.NodeID) (directory.Health, bool)
	Members() []topology.NodeDescriptor
	Peers() []topology.NodeDescriptor
	Generation() uint64
	Register(desc topology.NodeDescriptor)
	Remove(id topology.NodeID, reason string) error
	Sync(config *topology.ClusterConfig)
}

// Persister stores committed configurations
type Persister interface {
	Save(config *topology.ClusterConfig) error
}

// Change is delivered to listeners whenever a new configuration is installed
type Change struct {
	Old     *topology.ClusterConfig
	New     *topology.ClusterConfig
	OldRing *ring.Snapshot
	NewRing *ring.Snapshot
	// Local is true when this node proposed the configuration
	Local bool
}

// Config tunes gossip and join behaviour
type Config struct {
	GossipInterval time.Duration
	GossipFanout   int
	GossipTimeout  time.Duration
	JoinTimeout    time.Duration
}

// ConfigFromCluster converts the file configuration
func ConfigFromCluster(c cfg.ClusterConfiguration) Config {
	return Config{
		GossipInterval: cfg.Millis(c.GossipIntervalMS),
		GossipFanout:   c.GossipFanout,
		GossipTimeout:  cfg.Millis(c.GossipTimeoutMS),
		JoinTimeout:    cfg.Millis(c.JoinTimeoutMS),
	}
}

type view struct {
	config *topology.ClusterConfig
	ring   *ring.Snapshot
}

// Manager owns the configuration in effect on this node
type Manager struct {
	dir       Directory
	transport Transport
	persist   Persister
	config    Config
	ringOpts  []ring.Option

	current atomic.Pointer[view]

	// mu serializes proposals and adoptions
	mu       sync.Mutex
	proposal *Proposal
	lastGen  uint64

	ackMu sync.Mutex
	acks  map[topology.NodeID]uint64

	listenMu  sync.Mutex
	listeners []func(Change)

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Manager)

func WithPersister(p Persister) Option {
	return func(m *Manager) {
		m.persist = p
	}
}

func WithRingOptions(opts ...ring.Option) Option {
	return func(m *Manager) {
		m.ringOpts = append(m.ringOpts, opts...)
	}
}

func WithRandSource(src rand.Source) Option {
	return func(m *Manager) {
		m.rng = rand.New(src)
	}
}

// NewManager starts from initial, typically the persisted configuration or
// a single-node bootstrap configuration.
func NewManager(dir Directory, transport Transport, initial *topology.ClusterConfig, config Config, opts ...Option) *Manager {
	if config.GossipFanout <= 0 {
		config.GossipFanout = 3
	}
	if config.GossipInterval <= 0 {
		config.GossipInterval = time.Second
	}
	if config.GossipTimeout <= 0 {
		config.GossipTimeout = config.GossipInterval
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 5 * time.Second
	}

	m := &Manager{
		dir:       dir,
		transport: transport,
		config:    config,
		acks:      make(map[topology.NodeID]uint64),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}

	dir.Sync(initial)
	m.current.Store(&view{config: initial, ring: ring.FromConfig(initial, m.ringOpts...)})
	m.lastGen = dir.Generation()
	telemetry.ClusterEpoch.Set(float64(initial.Epoch))
	return m
}

// Bootstrap builds the epoch-1 configuration of a cluster that only has
// the local node.
func Bootstrap(local topology.NodeDescriptor, policy topology.RedundancyPolicy) *topology.ClusterConfig {
	return topology.NewClusterConfig(1, []topology.NodeDescriptor{local}, policy, local.ID)
}

// Subscribe registers fn for every installed configuration
func (m *Manager) Subscribe(fn func(Change)) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns the configuration and ring in effect
func (m *Manager) Current() (*topology.ClusterConfig, *ring.Snapshot) {
	v := m.current.Load()
	return v.config, v.ring
}

func (m *Manager) Config() *topology.ClusterConfig {
	return m.current.Load().config
}

func (m *Manager) Ring() *ring.Snapshot {
	return m.current.Load().ring
}

func (m *Manager) Epoch() uint64 {
	return m.current.Load().config.Epoch
}

// Proposal returns the latest proposal made by this node, if any
func (m *Manager) Proposal() *Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposal
}

// Propose builds the next configuration from the local membership view and
// commits it locally. It returns nil when membership already matches.
func (m *Manager) Propose(ctx context.Context, reason string, removed ...topology.NodeID) *Proposal {
	m.mu.Lock()
	p := m.proposeLocked(reason, removed...)
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	m.push(ctx, p.Config)
	if p.advance(Propagated) {
		log.Debug().Str("proposal", p.ID).Uint64("epoch", p.Config.Epoch).Msg("Configuration propagated")
	}
	m.checkConverged()
	return p
}

func (m *Manager) proposeLocked(reason string, removed ...topology.NodeID) *Proposal {
	cur := m.Config()
	next := cur.Next(m.dir.Members(), m.dir.LocalID(), removed...)
	if next.SameContent(cur) {
		telemetry.ReconfigProposalsTotal.With("noop").Inc()
		return nil
	}

	if m.proposal != nil && !m.proposal.Done() {
		m.abandonLocked("superseded by local proposal")
	}

	p := &Proposal{
		ID:        uuid.NewString(),
		BaseEpoch: cur.Epoch,
		Config:    next,
		Reason:    reason,
		Created:   time.Now(),
	}
	m.proposal = p

	newRing := ring.FromConfig(next, m.ringOpts...)
	p.advance(RingRebuilt)

	m.install(next, newRing, true)
	p.advance(Committed)
	telemetry.ReconfigProposalsTotal.With("committed").Inc()

	log.Info().
		Str("proposal", p.ID).
		Str("reason", reason).
		Uint64("base_epoch", cur.Epoch).
		Uint64("epoch", next.Epoch).
		Int("nodes", next.Len()).
		Msg("Committed new cluster configuration")
	return p
}

func (m *Manager) abandonLocked(reason string) {
	p := m.proposal
	if p == nil || !p.advance(Abandoned) {
		return
	}
	telemetry.ReconfigProposalsTotal.With("abandoned").Inc()
	log.Info().
		Str("proposal", p.ID).
		Uint64("epoch", p.Config.Epoch).
		Str("reason", reason).
		Msg("Proposal abandoned")
}

// install publishes a configuration. Caller holds m.mu.
func (m *Manager) install(config *topology.ClusterConfig, r *ring.Snapshot, local bool) {
	old := m.current.Swap(&view{config: config, ring: r})
	telemetry.ClusterEpoch.Set(float64(config.Epoch))

	if m.persist != nil {
		if err := m.persist.Save(config); err != nil {
			log.Error().Err(err).Uint64("epoch", config.Epoch).Msg("Failed to persist cluster configuration")
		}
	}

	m.ackMu.Lock()
	m.acks[m.dir.LocalID()] = config.Epoch
	m.ackMu.Unlock()

	change := Change{Old: old.config, New: config, OldRing: old.ring, NewRing: r, Local: local}
	m.listenMu.Lock()
	listeners := slices.Clone(m.listeners)
	m.listenMu.Unlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// Adopt installs config when it supersedes the local one. It returns
// ErrStaleEpoch for older epochs.
func (m *Manager) Adopt(ctx context.Context, config *topology.ClusterConfig) error {
	if config == nil {
		return nil
	}

	m.mu.Lock()
	cur := m.Config()
	if !config.Supersedes(cur) {
		m.mu.Unlock()
		if config.Epoch < cur.Epoch {
			return ErrStaleEpoch
		}
		return nil
	}

	m.abandonLocked("superseded by epoch from peer")
	m.dir.Sync(config)
	m.install(config, ring.FromConfig(config, m.ringOpts...), false)
	telemetry.ConfigAdoptionsTotal.Inc()
	m.mu.Unlock()

	log.Info().
		Uint64("old_epoch", cur.Epoch).
		Uint64("epoch", config.Epoch).
		Str("proposer", config.ProposerID.String()).
		Int("nodes", config.Len()).
		Msg("Adopted cluster configuration")

	if m.needsSelf(config) {
		m.Propose(ctx, "local node missing from adopted configuration")
	}
	return nil
}

// needsSelf reports whether the local node is absent without a tombstone
func (m *Manager) needsSelf(config *topology.ClusterConfig) bool {
	local := m.dir.LocalID()
	return !config.Contains(local) && !config.IsRemoved(local)
}

// RemoveNode takes a node out of the cluster on operator request
func (m *Manager) RemoveNode(ctx context.Context, id topology.NodeID) (*Proposal, error) {
	if err := m.dir.Remove(id, "operator"); err != nil {
		return nil, err
	}
	p := m.Propose(ctx, "operator removal", id)
	return p, nil
}

func (m *Manager) recordAck(id topology.NodeID, epoch uint64) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	if epoch > m.acks[id] {
		m.acks[id] = epoch
	}
}

// Acknowledged returns the highest epoch a peer is known to hold
func (m *Manager) Acknowledged(id topology.NodeID) uint64 {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.acks[id]
}

// checkConverged marks the latest proposal converged once every reachable
// member acknowledged its epoch.
func (m *Manager) checkConverged() {
	m.mu.Lock()
	p := m.proposal
	m.mu.Unlock()
	if p == nil || p.Done() {
		return
	}

	for _, n := range p.Config.Nodes {
		if n.ID == m.dir.LocalID() {
			continue
		}
		if h, ok := m.dir.HealthOf(n.ID); !ok || h != directory.Alive {
			continue
		}
		if m.Acknowledged(n.ID) < p.Config.Epoch {
			return
		}
	}

	if p.advance(Converged) {
		telemetry.ReconfigProposalsTotal.With("converged").Inc()
		log.Info().
			Str("proposal", p.ID).
			Uint64("epoch", p.Config.Epoch).
			Dur("elapsed", time.Since(p.Created)).
			Msg("Cluster converged on configuration")
	}
}

func (m *Manager) shuffle(peers []topology.NodeDescriptor) {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	m.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
}
