package reconfig

import (
	"context"
	"errors"
	"time"

	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run drives the reconfiguration loop until ctx is done: it proposes when
// local membership changed and gossips the configuration to random peers.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.GossipInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.config.GossipInterval).
		Int("fanout", m.config.GossipFanout).
		Uint64("epoch", m.Epoch()).
		Msg("Starting gossip loop")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one round: propose if needed, gossip, update convergence
func (m *Manager) Tick(ctx context.Context) {
	if m.membershipChanged() {
		m.Propose(ctx, "membership changed")
	} else if m.needsSelf(m.Config()) {
		m.Propose(ctx, "local node missing from configuration")
	}
	m.gossipRound(ctx)
	m.checkConverged()
}

// membershipChanged consumes the directory generation and reports whether
// the ring-eligible members differ from the configuration.
func (m *Manager) membershipChanged() bool {
	gen := m.dir.Generation()

	m.mu.Lock()
	moved := gen != m.lastGen
	m.lastGen = gen
	m.mu.Unlock()
	if !moved {
		return false
	}

	cur := m.Config()
	next := cur.Next(m.dir.Members(), m.dir.LocalID())
	return !next.SameContent(cur)
}

// gossipTargets returns members and known peers except the local node
func (m *Manager) gossipTargets() []topology.NodeDescriptor {
	local := m.dir.LocalID()
	seen := make(map[topology.NodeID]bool)
	var out []topology.NodeDescriptor

	for _, n := range m.Config().Nodes {
		if n.ID != local && !seen[n.ID] {
			seen[n.ID] = true
			out = append(out, n)
		}
	}
	for _, n := range m.dir.Peers() {
		if !seen[n.ID] {
			seen[n.ID] = true
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) gossipRound(ctx context.Context) {
	targets := m.gossipTargets()
	if len(targets) == 0 {
		return
	}
	m.shuffle(targets)
	if len(targets) > m.config.GossipFanout {
		targets = targets[:m.config.GossipFanout]
	}

	telemetry.GossipRoundsTotal.Inc()
	m.exchange(ctx, m.Config(), targets)
}

// push sends config to every member, old and new
func (m *Manager) push(ctx context.Context, config *topology.ClusterConfig) {
	m.exchange(ctx, config, m.gossipTargets())
}

func (m *Manager) exchange(ctx context.Context, config *topology.ClusterConfig, targets []topology.NodeDescriptor) {
	msg := wire.Gossip{From: m.dir.LocalID(), Config: config}
	var replies []*topology.ClusterConfig
	results := make([]*topology.ClusterConfig, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, m.config.GossipTimeout)
			defer cancel()

			telemetry.GossipMessagesTotal.With("out").Inc()
			reply, err := m.transport.Gossip(tctx, target, msg)
			if err != nil {
				telemetry.GossipFailuresTotal.Inc()
				log.Debug().
					Err(wire.Unreachable(target.ID, err)).
					Str("peer", target.Address).
					Msg("Gossip exchange failed")
				return nil
			}
			if reply.Config != nil {
				m.recordAck(target.ID, reply.Config.Epoch)
				results[i] = reply.Config
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			replies = append(replies, r)
		}
	}
	for _, r := range replies {
		if err := m.Adopt(ctx, r); err != nil && !errors.Is(err, ErrStaleEpoch) {
			log.Warn().Err(err).Msg("Failed to adopt configuration from gossip reply")
		}
	}
}

// HandleGossip answers a peer's push with the local configuration after
// adopting the pushed one if it is newer.
func (m *Manager) HandleGossip(ctx context.Context, msg wire.Gossip) wire.GossipReply {
	telemetry.GossipMessagesTotal.With("in").Inc()

	if msg.Config != nil {
		m.recordAck(msg.From, msg.Config.Epoch)
		if err := m.Adopt(ctx, msg.Config); errors.Is(err, ErrStaleEpoch) {
			log.Debug().
				Str("from", msg.From.String()).
				Uint64("epoch", msg.Config.Epoch).
				Uint64("local_epoch", m.Epoch()).
				Msg("Ignoring gossip from older epoch")
		}
	}
	m.checkConverged()
	return wire.GossipReply{From: m.dir.LocalID(), Config: m.Config()}
}
