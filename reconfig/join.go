package reconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
)

// Join contacts seeds in order until one accepts the local node, then
// adopts the configuration it returns. An empty seed list bootstraps a new
// cluster and is not an error.
func (m *Manager) Join(ctx context.Context, seeds []string) error {
	local, ok := m.dir.Get(m.dir.LocalID())
	if !ok {
		return fmt.Errorf("local node %s missing from directory", m.dir.LocalID())
	}

	var tried []string
	var errs []error
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" || strings.EqualFold(seed, local.Descriptor.Address) {
			continue
		}
		tried = append(tried, seed)

		tctx, cancel := context.WithTimeout(ctx, m.config.JoinTimeout)
		reply, err := m.transport.Join(tctx, seed, wire.JoinRequest{Node: local.Descriptor})
		cancel()
		if err != nil {
			telemetry.ClusterJoinTotal.With("unreachable").Inc()
			log.Warn().Err(err).Str("seed", seed).Msg("Seed unreachable")
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}
		if !reply.Accepted {
			telemetry.ClusterJoinTotal.With("rejected").Inc()
			return fmt.Errorf("%w by %s: %s", ErrJoinRejected, seed, reply.Reason)
		}

		if err := m.Adopt(ctx, reply.Config); err != nil && !errors.Is(err, ErrStaleEpoch) {
			return err
		}
		telemetry.ClusterJoinTotal.With("joined").Inc()
		log.Info().
			Str("seed", seed).
			Uint64("epoch", m.Epoch()).
			Int("nodes", m.Config().Len()).
			Msg("Joined cluster")
		return nil
	}

	if len(tried) == 0 {
		log.Info().Uint64("epoch", m.Epoch()).Msg("No seed nodes configured, bootstrapping new cluster")
		return nil
	}
	telemetry.ClusterJoinTotal.With("failed").Inc()
	return fmt.Errorf("%w (tried %s): %w", ErrNoSeeds, strings.Join(tried, ", "), errors.Join(errs...))
}

// HandleJoin registers the joining node, commits a configuration that
// includes it and returns that configuration.
func (m *Manager) HandleJoin(ctx context.Context, req wire.JoinRequest) wire.JoinReply {
	node := req.Node
	if node.ID == 0 || node.Address == "" {
		return wire.JoinReply{Reason: "node id and address are required"}
	}
	if node.ID == m.dir.LocalID() {
		return wire.JoinReply{Reason: fmt.Sprintf("node id %s is already used by the seed", node.ID)}
	}
	if existing, ok := m.Config().Node(node.ID); ok && !strings.EqualFold(existing.Address, node.Address) {
		return wire.JoinReply{Reason: fmt.Sprintf("node id %s is already used by %s", node.ID, existing.Address)}
	}

	m.dir.Register(node)
	if p := m.Propose(ctx, "join "+node.Address); p != nil {
		log.Info().
			Str("node", node.ID.String()).
			Str("address", node.Address).
			Uint64("epoch", p.Config.Epoch).
			Msg("Node joined")
	}
	m.recordAck(node.ID, m.Epoch())
	return wire.JoinReply{Accepted: true, Config: m.Config()}
}
