package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Transport moves items between nodes
type Transport interface {
	Transfer(ctx context.Context, target topology.NodeDescriptor, msg wire.Transfer) (wire.TransferAck, error)
	Evict(ctx context.Context, target topology.NodeDescriptor, msg wire.Evict) (wire.EvictAck, error)
	Fetch(ctx context.Context, target topology.NodeDescriptor, msg wire.Fetch) (wire.FetchReply, error)
}

// LocalStore is the node-local item storage
type LocalStore interface {
	Put(item wire.Item) bool
	Get(key string) (wire.Item, bool)
	Delete(key string) (wire.Item, bool)
	Keys() []string
	ItemStats() (int, uint64)
}

// WriteOptions carries optional item metadata
type WriteOptions struct {
	Tags []string
	TTL  time.Duration
}

// Writer applies client writes across the replica set chosen by the
// coordinator and serves the receiving side of transfers.
type Writer struct {
	local     topology.NodeID
	coord     *Coordinator
	store     LocalStore
	records   *Records
	transport Transport
	timeout   time.Duration
	now       func() time.Time

	loadMu   sync.Mutex
	onChange []func()
}

func NewWriter(local topology.NodeID, coord *Coordinator, store LocalStore, transport Transport, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		local:     local,
		coord:     coord,
		store:     store,
		records:   NewRecords(),
		transport: transport,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (w *Writer) LocalID() topology.NodeID {
	return w.local
}

func (w *Writer) Coordinator() *Coordinator {
	return w.coord
}

func (w *Writer) Records() *Records {
	return w.records
}

func (w *Writer) Store() LocalStore {
	return w.store
}

func (w *Writer) Transport() Transport {
	return w.transport
}

func (w *Writer) Timeout() time.Duration {
	return w.timeout
}

// OnChange registers a callback run after local storage changes
func (w *Writer) OnChange(fn func()) {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	w.onChange = append(w.onChange, fn)
}

func (w *Writer) changed() {
	w.loadMu.Lock()
	fns := slices.Clone(w.onChange)
	w.loadMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ItemStats reports local item count and bytes
func (w *Writer) ItemStats() (int, uint64) {
	return w.store.ItemStats()
}

// UnderReplicated reports how many records are below their target
func (w *Writer) UnderReplicated() int {
	return w.records.CountUnderReplicated()
}

// Put writes key to every replica chosen by placement. A write that cannot
// reach replica_min replicas is rolled back and fails.
func (w *Writer) Put(ctx context.Context, key string, value []byte, opts WriteOptions) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	unlock := w.coord.Locks().Lock(key)
	defer unlock()

	config, r := w.coord.View().Current()

	item := wire.Item{
		ID:      uuid.NewString(),
		Key:     key,
		Version: 1,
		Value:   value,
		Tags:    opts.Tags,
	}
	if opts.TTL > 0 {
		item.ExpiresOn = w.now().Add(opts.TTL).UnixMilli()
	}

	prev, previous, existed := w.latest(ctx, key, config, r)
	if existed {
		item.ID = prev.ID
		item.Version = prev.Version + 1
	}
	if rec, ok := w.records.Get(key); ok {
		item.Version = max(item.Version, rec.Version+1)
	}

	d, err := w.coord.PlaceUpdate(config, r, key, item.Size(), previous, prev.Size())
	if err != nil {
		return Record{}, err
	}
	defer d.Release()

	delivered := w.deliver(ctx, config, d, item)
	if len(delivered) < config.Policy.ReplicaMin {
		w.rollback(ctx, config, item, delivered, prev, previous, existed)
		return Record{}, fmt.Errorf("%w: key %q reached %d of %d required replicas",
			ErrInsufficientReplicas, key, len(delivered), config.Policy.ReplicaMin)
	}

	// replicas that held an older version but are no longer chosen
	var stale []topology.NodeID
	for _, id := range previous {
		if !slices.Contains(d.Replicas, id) {
			stale = append(stale, id)
		}
	}
	w.evictFrom(ctx, config, key, stale)

	rec := d.Record(item.Version)
	w.records.Put(rec)
	w.changed()

	log.Debug().
		Str("key", key).
		Uint64("version", item.Version).
		Str("status", string(rec.Status)).
		Int("replicas", len(rec.Replicas)).
		Msg("Item written")
	return rec, nil
}

// latest returns the newest copy of key held locally or, when this node has
// none, by any node that may hold it, together with its replica set.
func (w *Writer) latest(ctx context.Context, key string, config *topology.ClusterConfig, r *ring.Snapshot) (wire.Item, []topology.NodeID, bool) {
	if item, ok := w.store.Get(key); ok {
		replicas := []topology.NodeID{w.local}
		if rec, ok := w.records.Get(key); ok {
			replicas = rec.Replicas
		}
		return item, replicas, true
	}

	var remote []topology.NodeDescriptor
	for _, id := range w.candidates(key, config, r) {
		if id == w.local {
			continue
		}
		if desc, ok := config.Node(id); ok {
			remote = append(remote, desc)
		}
	}

	replies := make([]wire.FetchReply, len(remote))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range remote {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, w.timeout)
			defer cancel()
			reply, err := w.transport.Fetch(tctx, desc, wire.Fetch{Key: key})
			if err != nil {
				log.Debug().Err(err).Str("key", key).Str("node", desc.ID.String()).Msg("Fetch failed")
				return nil
			}
			replies[i] = reply
			return nil
		})
	}
	_ = g.Wait()

	var (
		newest  wire.Item
		holders []topology.NodeID
		found   bool
	)
	for i, reply := range replies {
		if !reply.Found {
			continue
		}
		switch {
		case !found || reply.Item.Version > newest.Version:
			newest, found = reply.Item, true
			holders = slices.Clone(reply.Replicas)
			if len(holders) == 0 {
				holders = []topology.NodeID{remote[i].ID}
			}
		case reply.Item.Version == newest.Version && !slices.Contains(holders, remote[i].ID):
			holders = append(holders, remote[i].ID)
		}
	}
	return newest, holders, found
}

// rollback undoes a write that reached fewer than replica_min nodes. Nodes
// that held the previous version get it back under a version above the
// failed write; nodes that never held the key drop it.
func (w *Writer) rollback(ctx context.Context, config *topology.ClusterConfig, failed wire.Item, delivered []topology.NodeID, prev wire.Item, previous []topology.NodeID, existed bool) {
	var evict []topology.NodeID
	restore := prev
	restore.Version = failed.Version + 1
	for _, id := range delivered {
		if !existed || !slices.Contains(previous, id) {
			evict = append(evict, id)
			continue
		}
		if err := w.send(ctx, config, id, restore, previous); err != nil {
			log.Error().Err(err).Str("key", failed.Key).Str("node", id.String()).Msg("Failed to restore previous version")
		}
	}
	w.evictFrom(ctx, config, failed.Key, evict)
	log.Warn().
		Str("key", failed.Key).
		Int("restored", len(delivered)-len(evict)).
		Int("evicted", len(evict)).
		Msg("Rolled back partial write")
}

// deliver sends item to every replica of d, dropping those that fail
func (w *Writer) deliver(ctx context.Context, config *topology.ClusterConfig, d *Decision, item wire.Item) []topology.NodeID {
	replicas := slices.Clone(d.Replicas)
	failed := make([]bool, len(replicas))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range replicas {
		g.Go(func() error {
			if err := w.send(gctx, config, id, item, replicas); err != nil {
				log.Warn().Err(err).Str("key", item.Key).Str("node", id.String()).Msg("Replica transfer failed")
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range replicas {
		if failed[i] {
			d.Drop(id)
		}
	}
	return slices.Clone(d.Replicas)
}

// send stores item on a single node
func (w *Writer) send(ctx context.Context, config *topology.ClusterConfig, id topology.NodeID, item wire.Item, replicas []topology.NodeID) error {
	if id == w.local {
		w.accept(item, replicas, config.Epoch)
		return nil
	}
	desc, ok := config.Node(id)
	if !ok {
		return fmt.Errorf("node %s not in configuration epoch %d", id, config.Epoch)
	}

	tctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ack, err := w.transport.Transfer(tctx, desc, wire.Transfer{
		From:     w.local,
		Epoch:    config.Epoch,
		Item:     item,
		Replicas: replicas,
	})
	if err != nil {
		return wire.Unreachable(id, err)
	}
	if !ack.Acknowledged {
		return fmt.Errorf("node %s refused version %d, holds %d", id, item.Version, ack.Version)
	}
	return nil
}

func (w *Writer) evictFrom(ctx context.Context, config *topology.ClusterConfig, key string, nodes []topology.NodeID) {
	for _, id := range nodes {
		if id == w.local {
			w.store.Delete(key)
			w.records.Delete(key)
			continue
		}
		desc, ok := config.Node(id)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, w.timeout)
		_, err := w.transport.Evict(tctx, desc, wire.Evict{From: w.local, Epoch: config.Epoch, Key: key})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("node", id.String()).Msg("Evict failed")
		}
	}
}

func (w *Writer) accept(item wire.Item, replicas []topology.NodeID, epoch uint64) bool {
	if !w.store.Put(item) {
		return false
	}
	w.records.Put(Record{
		Key:      item.Key,
		Size:     item.Size(),
		Version:  item.Version,
		Replicas: replicas,
		Want:     len(replicas),
		Status:   FullyReplicated,
		Epoch:    epoch,
	})
	return true
}

// Get returns an item from local storage, or from its replicas
func (w *Writer) Get(ctx context.Context, key string) (wire.Item, error) {
	if item, ok := w.store.Get(key); ok {
		return item, nil
	}

	config, r := w.coord.View().Current()
	for _, id := range w.candidates(key, config, r) {
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
		if err != nil {
			log.Debug().Err(err).Str("key", key).Str("node", id.String()).Msg("Fetch failed")
			continue
		}
		if reply.Found {
			return reply.Item, nil
		}
	}
	return wire.Item{}, ErrNotFound
}

// Delete removes key from every replica. It reports whether the key existed.
func (w *Writer) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	unlock := w.coord.Locks().Lock(key)
	defer unlock()

	config, r := w.coord.View().Current()
	found := false
	if _, ok := w.store.Get(key); ok {
		found = true
	}
	if _, ok := w.records.Get(key); ok {
		found = true
	}

	var errs []error
	for _, id := range w.candidates(key, config, r) {
		if id == w.local {
			continue
		}
		desc, ok := config.Node(id)
		if !ok {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, w.timeout)
		ack, err := w.transport.Evict(tctx, desc, wire.Evict{From: w.local, Epoch: config.Epoch, Key: key})
		cancel()
		if err != nil {
			errs = append(errs, wire.Unreachable(id, err))
			continue
		}
		found = found || ack.Evicted
	}

	w.store.Delete(key)
	w.records.Delete(key)
	w.changed()
	return found, errors.Join(errs...)
}

// candidates returns nodes that may hold key: the recorded replicas first,
// then the ring preference list under the current policy.
func (w *Writer) candidates(key string, config *topology.ClusterConfig, r *ring.Snapshot) []topology.NodeID {
	var out []topology.NodeID
	if rec, ok := w.records.Get(key); ok {
		out = append(out, rec.Replicas...)
	}
	if r == nil || config == nil {
		return out
	}
	n := Want(config.Policy, r.NodeCount(), r.NodeCount())
	for _, id := range r.Lookup(key, max(n, config.Policy.ReplicaMax)) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// HandleTransfer stores a replica pushed by a peer
func (w *Writer) HandleTransfer(msg wire.Transfer) wire.TransferAck {
	ok := w.accept(msg.Item, msg.Replicas, msg.Epoch)
	if ok {
		w.changed()
	} else {
		log.Debug().Str("key", msg.Item.Key).Uint64("version", msg.Item.Version).Msg("Ignoring older replica")
	}
	stored, _ := w.store.Get(msg.Item.Key)
	return wire.TransferAck{Acknowledged: ok, Version: stored.Version}
}

// HandleEvict drops a replica. Evictions issued under an older epoch than
// the local configuration are refused.
func (w *Writer) HandleEvict(msg wire.Evict) wire.EvictAck {
	if config, _ := w.coord.View().Current(); config != nil && msg.Epoch < config.Epoch {
		log.Warn().
			Str("key", msg.Key).
			Uint64("epoch", msg.Epoch).
			Uint64("local_epoch", config.Epoch).
			Msg("Refusing eviction from stale epoch")
		return wire.EvictAck{}
	}

	_, ok := w.store.Delete(msg.Key)
	w.records.Delete(msg.Key)
	if ok {
		telemetry.EvictionsTotal.Inc()
		w.changed()
	}
	return wire.EvictAck{Evicted: ok}
}

// HandleFetch serves a replica read
func (w *Writer) HandleFetch(msg wire.Fetch) wire.FetchReply {
	item, ok := w.store.Get(msg.Key)
	reply := wire.FetchReply{Found: ok, Item: item}
	if rec, found := w.records.Get(msg.Key); ok && found {
		reply.Replicas = rec.Replicas
	}
	return reply
}
