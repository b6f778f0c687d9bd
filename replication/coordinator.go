package replication

import (
	"slices"

	"github.com/anor-rs/anor-cluster/ring"
	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/rs/zerolog/log"
)

// View exposes the configuration and ring currently in effect. Both values
// must come from the same epoch.
type View interface {
	Current() (*topology.ClusterConfig, *ring.Snapshot)
}

// StaticView is a fixed View
type StaticView struct {
	Config *topology.ClusterConfig
	Ring   *ring.Snapshot
}

func (v StaticView) Current() (*topology.ClusterConfig, *ring.Snapshot) {
	return v.Config, v.Ring
}

// Decision is the outcome of a placement. Capacity on the chosen nodes is
// reserved until Release or Drop is called.
type Decision struct {
	Key      string
	Size     uint64
	Epoch    uint64
	Replicas []topology.NodeID
	Want     int
	Status   Status
	Excluded []*CapacityExceededError

	reservation *Reservation
}

// Release returns every reservation the decision holds
func (d *Decision) Release() {
	d.reservation.Release()
}

// Drop removes a replica whose transfer failed and releases its capacity
func (d *Decision) Drop(id topology.NodeID) {
	d.reservation.ReleaseNode(id)
	d.Replicas = slices.DeleteFunc(d.Replicas, func(n topology.NodeID) bool { return n == id })
	d.Status = statusFor(len(d.Replicas), d.Want)
}

// Record converts the decision into a placement record
func (d *Decision) Record(version uint64) Record {
	return Record{
		Key:      d.Key,
		Size:     d.Size,
		Version:  version,
		Replicas: slices.Clone(d.Replicas),
		Want:     d.Want,
		Status:   d.Status,
		Epoch:    d.Epoch,
	}
}

// Coordinator chooses replica sets from the ring and the redundancy policy,
// filtered by node capacity.
type Coordinator struct {
	view   View
	ledger *Ledger
	locks  *KeyLocks
}

func NewCoordinator(view View, capacity CapacitySource) *Coordinator {
	return &Coordinator{
		view:   view,
		ledger: NewLedger(capacity),
		locks:  NewKeyLocks(),
	}
}

func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

func (c *Coordinator) Locks() *KeyLocks {
	return c.locks
}

func (c *Coordinator) View() View {
	return c.view
}

// Place selects replicas for a new item under the current configuration
func (c *Coordinator) Place(key string, size uint64) (*Decision, error) {
	config, r := c.view.Current()
	return c.place(key, size, config, r, nil, 0, false)
}

// Replace recomputes placement for an existing item. Nodes in holders
// already store the item and need no additional capacity.
func (c *Coordinator) Replace(key string, size uint64, holders []topology.NodeID) (*Decision, error) {
	config, r := c.view.Current()
	return c.place(key, size, config, r, holders, size, false)
}

// PlaceOn is Replace against an explicit configuration and ring
func (c *Coordinator) PlaceOn(config *topology.ClusterConfig, r *ring.Snapshot, key string, size uint64, holders []topology.NodeID) (*Decision, error) {
	return c.place(key, size, config, r, holders, size, false)
}

// PlaceUpdate places a new version of an item whose holders store heldSize
// bytes of it. Holders are charged only for the bytes the item grows by.
func (c *Coordinator) PlaceUpdate(config *topology.ClusterConfig, r *ring.Snapshot, key string, size uint64, holders []topology.NodeID, heldSize uint64) (*Decision, error) {
	return c.place(key, size, config, r, holders, heldSize, false)
}

// Extend keeps the current replicas that are still members and adds nodes in
// ring preference order until the policy target is met. It never moves an
// item off a surviving replica.
func (c *Coordinator) Extend(config *topology.ClusterConfig, r *ring.Snapshot, key string, size uint64, current []topology.NodeID) (*Decision, error) {
	return c.place(key, size, config, r, current, size, true)
}

// Want returns the replica target for the policy given how many nodes are
// in the ring and how many of them can take the item.
func Want(policy topology.RedundancyPolicy, ringNodes, eligible int) int {
	switch policy.Strategy {
	case topology.StrategyMaximum:
		return min(policy.ReplicaMax, ringNodes, eligible)
	case topology.StrategyParanoid:
		return min(ringNodes, eligible)
	default:
		return policy.ReplicaMin
	}
}

func (c *Coordinator) place(key string, size uint64, config *topology.ClusterConfig, r *ring.Snapshot, holders []topology.NodeID, heldSize uint64, keep bool) (*Decision, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if config == nil || r == nil || r.NodeCount() == 0 {
		need := 1
		if config != nil {
			need = max(config.Policy.ReplicaMin, 1)
		}
		telemetry.PlacementsTotal.With("insufficient").Inc()
		return nil, insufficient(key, 0, need)
	}
	policy := config.Policy

	// bytes a node must have free to take this version
	demand := func(id topology.NodeID) uint64 {
		if slices.Contains(holders, id) {
			if size <= heldSize {
				return 0
			}
			return size - heldSize
		}
		return size
	}

	// full preference list; capacity filtering may skip nodes and the walk
	// continues clockwise past them
	preference := r.Lookup(key, r.NodeCount())
	var (
		eligible []topology.NodeID
		excluded []*CapacityExceededError
		chosen   []topology.NodeID
		want     int
	)
	reservation := c.ledger.Claim(func(available AvailableFunc) map[topology.NodeID]uint64 {
		eligible = make([]topology.NodeID, 0, len(preference))
		for _, id := range preference {
			need := demand(id)
			if need == 0 {
				eligible = append(eligible, id)
				continue
			}
			avail, err := available(id)
			if err != nil {
				log.Debug().Err(err).Str("node", id.String()).Msg("Skipping node without capacity information")
				continue
			}
			if !avail.Fits(need) {
				excluded = append(excluded, &CapacityExceededError{Node: id, Size: need, Free: avail})
				continue
			}
			eligible = append(eligible, id)
		}

		want = Want(policy, r.NodeCount(), len(eligible))
		if len(eligible) < policy.ReplicaMin {
			return nil
		}

		if keep {
			for _, id := range holders {
				if r.Contains(id) {
					chosen = append(chosen, id)
				}
			}
			for _, id := range eligible {
				if len(chosen) >= want {
					break
				}
				if !slices.Contains(chosen, id) {
					chosen = append(chosen, id)
				}
			}
		} else {
			chosen = eligible[:min(want, len(eligible))]
		}

		amounts := make(map[topology.NodeID]uint64, len(chosen))
		for _, id := range chosen {
			if need := demand(id); need > 0 {
				amounts[id] = need
			}
		}
		return amounts
	})

	if len(excluded) > 0 {
		telemetry.CapacityExclusionsTotal.Add(float64(len(excluded)))
	}
	if len(eligible) < policy.ReplicaMin {
		reservation.Release()
		telemetry.PlacementsTotal.With("insufficient").Inc()
		return nil, insufficient(key, len(eligible), policy.ReplicaMin)
	}

	d := &Decision{
		Key:         key,
		Size:        size,
		Epoch:       config.Epoch,
		Replicas:    slices.Clone(chosen),
		Want:        want,
		Status:      statusFor(len(chosen), want),
		Excluded:    excluded,
		reservation: reservation,
	}

	telemetry.PlacementsTotal.With(string(d.Status)).Inc()
	if d.Status == UnderReplicated {
		log.Debug().
			Str("key", key).
			Int("replicas", len(d.Replicas)).
			Int("want", want).
			Int("excluded", len(excluded)).
			Msg("Item placed under-replicated")
	}
	return d, nil
}
