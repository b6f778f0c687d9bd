package reconfig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/replication"
	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/workerpool"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryInitial = 500 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
	retryMultiplier     = 2
)

type retry struct {
	attempt int
	next    time.Time
	backoff time.Duration
}

// Migrator moves locally held items after every ring change. Only the
// migration leader of a key, the first recorded holder still in the new
// configuration, streams it.
type Migrator struct {
	writer  *replication.Writer
	view    replication.View
	pool    *workerpool.Pool
	timeout time.Duration

	changes chan Change

	retryMu sync.Mutex
	retries map[string]*retry
	now     func() time.Time
}

func NewMigrator(writer *replication.Writer, view replication.View, pool *workerpool.Pool, timeout time.Duration) *Migrator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Migrator{
		writer:  writer,
		view:    view,
		pool:    pool,
		timeout: timeout,
		changes: make(chan Change, 64),
		retries: make(map[string]*retry),
		now:     time.Now,
	}
}

// OnChange queues a ring change. It never blocks the caller; when the queue
// is full the oldest pending change is merged with the new one.
func (mg *Migrator) OnChange(c Change) {
	if c.OldRing == nil || c.NewRing == nil {
		return
	}
	for {
		select {
		case mg.changes <- c:
			return
		default:
		}
		select {
		case dropped := <-mg.changes:
			c.Old, c.OldRing = dropped.Old, dropped.OldRing
		default:
		}
	}
}

// Run processes ring changes and retries until ctx is done
func (mg *Migrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultRetryInitial)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-mg.changes:
			mg.Migrate(ctx, c)
		case <-ticker.C:
			mg.RetryDue(ctx)
		}
	}
}

// depth is how many ring successors can hold a replica under the policy
func depth(policy topology.RedundancyPolicy, oldRing, newRing *ring.Snapshot) int {
	if policy.Strategy == topology.StrategyParanoid {
		return max(oldRing.NodeCount(), newRing.NodeCount())
	}
	return max(policy.ReplicaMin, policy.ReplicaMax, 1)
}

// Migrate re-places every local key affected by the change and returns
// how many keys moved.
func (mg *Migrator) Migrate(ctx context.Context, c Change) int {
	start := time.Now()
	diff := ring.ChangedRanges(c.OldRing, c.NewRing, depth(c.New.Policy, c.OldRing, c.NewRing))
	local := mg.writer.LocalID()

	var keys []string
	for _, key := range mg.writer.Store().Keys() {
		rec, hasRecord := mg.writer.Records().Get(key)
		_, inChanged := diff.Find(c.NewRing.Position(key))
		lostHolder := false
		if hasRecord {
			for _, id := range rec.Replicas {
				if !c.New.Contains(id) {
					lostHolder = true
					break
				}
			}
		}
		if !inChanged && !lostHolder {
			continue
		}
		if hasRecord {
			if leader, ok := replication.Leader(rec, c.New); ok && leader != local {
				continue
			}
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return 0
	}
	log.Info().
		Uint64("epoch", c.New.Epoch).
		Int("keys", len(keys)).
		Int("changed_ranges", len(diff.Changes())).
		Msg("Migrating items after ring change")

	moved := mg.run(ctx, keys)
	telemetry.MigrationDurationSeconds.Observe(time.Since(start).Seconds())
	return moved
}

func (mg *Migrator) run(ctx context.Context, keys []string) int {
	var mu sync.Mutex
	moved := 0

	tasks := make([]workerpool.Task, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, workerpool.Task{
			ID: "migrate:" + key,
			Fn: func(ctx context.Context) error {
				ok, err := mg.migrateKey(ctx, key)
				if ok {
					mu.Lock()
					moved++
					mu.Unlock()
				}
				return err
			},
		})
	}

	if err := mg.pool.RunAll(ctx, tasks); err != nil {
		log.Debug().Err(err).Msg("Some migrations failed and will be retried")
	}
	return moved
}

// migrateKey moves one key under the configuration currently in effect
func (mg *Migrator) migrateKey(ctx context.Context, key string) (bool, error) {
	config, r := mg.view.Current()
	move, err := mg.writer.Rebalance(ctx, key, config, r, mg.timeout)
	if err != nil {
		result := "failed"
		if errors.Is(err, replication.ErrMigrationTimeout) {
			result = "timeout"
		}
		telemetry.MigrationsTotal.With(result).Inc()
		mg.scheduleRetry(key)
		return false, err
	}

	mg.clearRetry(key)
	changed := len(move.Added) > 0 || len(move.Evicted) > 0
	if changed {
		telemetry.MigrationsTotal.With("moved").Inc()
		log.Debug().
			Str("key", key).
			Interface("added", move.Added).
			Interface("evicted", move.Evicted).
			Str("status", string(move.Status)).
			Msg("Item migrated")
	}
	return changed, nil
}

func (mg *Migrator) scheduleRetry(key string) {
	mg.retryMu.Lock()
	defer mg.retryMu.Unlock()

	r, ok := mg.retries[key]
	if !ok {
		r = &retry{backoff: DefaultRetryInitial}
		mg.retries[key] = r
	} else {
		r.backoff = min(r.backoff*retryMultiplier, DefaultRetryMax)
	}
	r.attempt++
	r.next = mg.now().Add(r.backoff)
}

func (mg *Migrator) clearRetry(key string) {
	mg.retryMu.Lock()
	defer mg.retryMu.Unlock()
	delete(mg.retries, key)
}

// Pending returns how many keys wait for a migration retry
func (mg *Migrator) Pending() int {
	mg.retryMu.Lock()
	defer mg.retryMu.Unlock()
	return len(mg.retries)
}

// RetryDue retries failed migrations whose backoff elapsed
func (mg *Migrator) RetryDue(ctx context.Context) int {
	now := mg.now()
	var due []string

	mg.retryMu.Lock()
	for key, r := range mg.retries {
		if !now.Before(r.next) {
			due = append(due, key)
		}
	}
	mg.retryMu.Unlock()

	if len(due) == 0 {
		return 0
	}
	return mg.run(ctx, due)
}
