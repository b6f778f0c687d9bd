package replication

import (
	"context"
	"slices"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically raises under-replicated items toward their target
// and replaces replicas that left the configuration.
type Sweeper struct {
	writer   *Writer
	interval time.Duration
}

func NewSweeper(writer *Writer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{writer: writer, interval: interval}
}

// Run sweeps on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if repaired := s.writer.Sweep(ctx); repaired > 0 {
				log.Info().Int("repaired", repaired).Msg("Replication sweep completed")
			}
		}
	}
}

// Sweep checks every record this node leads and returns how many changed
func (w *Writer) Sweep(ctx context.Context) int {
	repaired := 0
	for _, rec := range w.records.All() {
		if ctx.Err() != nil {
			break
		}
		if w.repair(ctx, rec.Key) {
			repaired++
		}
	}
	return repaired
}

// Leader returns the node responsible for repairing rec after a member
// left: the first recorded replica that is still a member.
func Leader(rec Record, config *topology.ClusterConfig) (topology.NodeID, bool) {
	for _, id := range rec.Replicas {
		if config.Contains(id) {
			return id, true
		}
	}
	return 0, false
}

// repair raises one record toward its target. Records already marked
// under-replicated are repaired by whichever node holds them; records that
// lost a member are repaired by their leader only.
func (w *Writer) repair(ctx context.Context, key string) bool {
	unlock := w.coord.Locks().Lock(key)
	defer unlock()

	rec, ok := w.records.Get(key)
	if !ok || rec.Status == Migrating {
		return false
	}
	config, r := w.coord.View().Current()
	if config == nil || r == nil {
		return false
	}

	current := make([]topology.NodeID, 0, len(rec.Replicas))
	for _, id := range rec.Replicas {
		if config.Contains(id) {
			current = append(current, id)
		}
	}
	lost := len(current) != len(rec.Replicas)
	if !lost && rec.Status != UnderReplicated {
		return false
	}
	if lost && rec.Status != UnderReplicated {
		if leader, ok := Leader(rec, config); ok && leader != w.local {
			return false
		}
	}

	item, ok := w.itemFrom(ctx, config, key, current)
	if !ok {
		log.Debug().Str("key", key).Msg("No reachable replica to repair from")
		return false
	}

	d, err := w.coord.Extend(config, r, key, item.Size(), current)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Unable to repair replica set")
		if lost {
			rec.Replicas = current
			rec.Status = UnderReplicated
			w.records.Put(rec)
		}
		return lost
	}
	defer d.Release()

	var fresh []topology.NodeID
	for _, id := range d.Replicas {
		if !slices.Contains(current, id) {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 && !lost && d.Status == UnderReplicated {
		return false
	}

	for _, id := range fresh {
		if err := w.send(ctx, config, id, item, d.Replicas); err != nil {
			log.Warn().Err(err).Str("key", key).Str("node", id.String()).Msg("Repair transfer failed")
			d.Drop(id)
		}
	}

	updated := d.Record(item.Version)
	w.records.Put(updated)

	log.Debug().
		Str("key", key).
		Int("before", len(rec.Replicas)).
		Int("after", len(updated.Replicas)).
		Str("status", string(updated.Status)).
		Msg("Replica set repaired")
	return true
}

// itemFrom reads key locally or from the first holder that answers
func (w *Writer) itemFrom(ctx context.Context, config *topology.ClusterConfig, key string, holders []topology.NodeID) (wire.Item, bool) {
	if item, ok := w.store.Get(key); ok {
		return item, true
	}
	for _, id := range holders {
		if id == w.local {
			continue
		}
		desc, ok := config.Node(id)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, w.timeout)
		reply, err := w.transport.Fetch(tctx, desc, wire.Fetch{Key: key})
		cancel()
		if err == nil && reply.Found {
			return reply.Item, true
		}
	}
	return wire.Item{}, false
}
