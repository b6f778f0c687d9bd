package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/rs/zerolog/log"
)

// ErrMigrationTimeout means a new holder did not acknowledge a transfer
// within the migration timeout. The old holders keep their copies.
var ErrMigrationTimeout = errors.New("migration timeout")

// Move describes what Rebalance did for one key
type Move struct {
	Key     string
	Added   []topology.NodeID
	Evicted []topology.NodeID
	Status  Status
}

// Rebalance moves key to the replica set chosen under config and r. New
// holders receive the item first; holders outside the new set are evicted
// only after every new holder acknowledged.
func (w *Writer) Rebalance(ctx context.Context, key string, config *topology.ClusterConfig, r *ring.Snapshot, timeout time.Duration) (Move, error) {
	unlock := w.coord.Locks().Lock(key)
	defer unlock()

	move := Move{Key: key}
	item, ok := w.store.Get(key)
	if !ok {
		return move, nil
	}

	rec, hasRecord := w.records.Get(key)
	holders := []topology.NodeID{w.local}
	if hasRecord {
		for _, id := range rec.Replicas {
			if id != w.local && config.Contains(id) {
				holders = append(holders, id)
			}
		}
	}
	w.records.SetStatus(key, Migrating)

	d, err := w.coord.PlaceOn(config, r, key, item.Size(), holders)
	if err != nil {
		w.records.SetStatus(key, UnderReplicated)
		return move, err
	}
	defer d.Release()

	var failed error
	for _, id := range d.Replicas {
		if slices.Contains(holders, id) {
			continue
		}
		if err := w.sendWithin(ctx, config, id, item, d.Replicas, timeout); err != nil {
			log.Warn().Err(err).Str("key", key).Str("node", id.String()).Msg("Migration transfer failed")
			failed = errors.Join(failed, err)
			continue
		}
		move.Added = append(move.Added, id)
	}

	if failed != nil {
		// keep every old copy; record what we reached
		replicas := slices.Clone(holders)
		for _, id := range move.Added {
			if !slices.Contains(replicas, id) {
				replicas = append(replicas, id)
			}
		}
		w.records.Put(Record{
			Key:      key,
			Size:     item.Size(),
			Version:  item.Version,
			Replicas: replicas,
			Want:     d.Want,
			Status:   UnderReplicated,
			Epoch:    config.Epoch,
		})
		move.Status = UnderReplicated
		return move, failed
	}

	var leaving []topology.NodeID
	for _, id := range holders {
		if !slices.Contains(d.Replicas, id) {
			leaving = append(leaving, id)
		}
	}

	localLeaves := false
	for _, id := range leaving {
		if id == w.local {
			localLeaves = true
			continue
		}
		desc, ok := config.Node(id)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		ack, err := w.transport.Evict(tctx, desc, wire.Evict{From: w.local, Epoch: config.Epoch, Key: key})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("node", id.String()).Msg("Evict after migration failed")
			continue
		}
		if ack.Evicted {
			move.Evicted = append(move.Evicted, id)
		}
	}

	final := d.Record(item.Version)
	move.Status = final.Status
	if localLeaves {
		w.store.Delete(key)
		w.records.Delete(key)
		move.Evicted = append(move.Evicted, w.local)
		w.changed()
	} else {
		w.records.Put(final)
	}
	return move, nil
}

func (w *Writer) sendWithin(ctx context.Context, config *topology.ClusterConfig, id topology.NodeID, item wire.Item, replicas []topology.NodeID, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.send(tctx, config, id, item, replicas)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: key %q to node %s: %w", ErrMigrationTimeout, item.Key, id, err)
	}
	return err
}
