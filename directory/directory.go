package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownNode    = errors.New("unknown node")
	ErrSelfTransition = errors.New("local node cannot change its own health")
)

// Health is the locally observed state of a member
type Health int

const (
	Alive Health = iota
	Suspect
	Dead
	Removed
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("health(%d)", int(h))
}

// Member is a copy of a directory entry
type Member struct {
	Descriptor topology.NodeDescriptor `json:"descriptor"`
	Health     Health                  `json:"-"`
	Status     string                  `json:"status"`
	Load       topology.Load           `json:"load"`
	Since      time.Time               `json:"since"`
	LastSeen   time.Time               `json:"last_seen"`
}

// EventKind classifies directory events
type EventKind int

const (
	EventJoined EventKind = iota
	EventTransition
	EventUpdated
	EventRemoved
)

// Event is delivered to subscribers after every membership change
type Event struct {
	Kind   EventKind
	Node   topology.NodeDescriptor
	From   Health
	To     Health
	Reason string
}

type entry struct {
	desc     topology.NodeDescriptor
	health   Health
	load     topology.Load
	since    time.Time
	lastSeen time.Time
}

func (e *entry) member() Member {
	return Member{
		Descriptor: e.desc,
		Health:     e.health,
		Status:     e.health.String(),
		Load:       e.load,
		Since:      e.since,
		LastSeen:   e.lastSeen,
	}
}

// Directory is the local authoritative view of membership, health and capacity.
// Every health or membership change bumps Generation; Sync does not.
type Directory struct {
	localID    topology.NodeID
	nodes      map[topology.NodeID]*entry
	mu         sync.RWMutex
	generation atomic.Uint64

	subscribers []func(Event)
	subMu       sync.RWMutex
}

// New creates a directory containing only the local node, as Alive
func New(local topology.NodeDescriptor) *Directory {
	now := time.Now()
	d := &Directory{
		localID: local.ID,
		nodes: map[topology.NodeID]*entry{
			local.ID: {desc: local, health: Alive, since: now, lastSeen: now},
		},
	}

	log.Debug().
		Uint64("node_id", uint64(local.ID)).
		Str("address", local.Address).
		Msg("Node directory created - self added as alive")

	d.mu.Lock()
	d.updateClusterMetricsLocked()
	d.mu.Unlock()
	return d
}

// LocalID returns the ID of this node
func (d *Directory) LocalID() topology.NodeID {
	return d.localID
}

// Subscribe registers fn for every subsequent event. Callbacks run outside
// the directory lock, in registration order.
func (d *Directory) Subscribe(fn func(Event)) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

func (d *Directory) notify(events ...Event) {
	if len(events) == 0 {
		return
	}
	d.subMu.RLock()
	subs := d.subscribers
	d.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Register adds a node or refreshes its descriptor. A registering node is
// talking to us, so an unhealthy entry is brought back to Alive.
func (d *Directory) Register(desc topology.NodeDescriptor) {
	d.mu.Lock()
	now := time.Now()
	var ev Event

	existing, ok := d.nodes[desc.ID]
	switch {
	case !ok:
		d.nodes[desc.ID] = &entry{desc: desc, health: Alive, since: now, lastSeen: now}
		ev = Event{Kind: EventJoined, Node: desc, From: Removed, To: Alive, Reason: "registered"}
		log.Info().
			Uint64("node_id", uint64(desc.ID)).
			Str("address", desc.Address).
			Msg("Node registered")
	case existing.health != Alive:
		existing.desc = desc
		existing.lastSeen = now
		ev = d.transitionLocked(existing, Alive, "registered")
	case existing.desc != desc:
		existing.desc = desc
		existing.lastSeen = now
		ev = Event{Kind: EventUpdated, Node: desc, From: Alive, To: Alive, Reason: "descriptor changed"}
	default:
		existing.lastSeen = now
		d.mu.Unlock()
		return
	}

	d.generation.Add(1)
	d.updateClusterMetricsLocked()
	d.mu.Unlock()

	d.notify(ev)
}

// transitionLocked moves e to the target health. Caller holds d.mu and must
// bump the generation.
func (d *Directory) transitionLocked(e *entry, to Health, reason string) Event {
	from := e.health
	e.health = to
	e.since = time.Now()

	telemetry.NodeStateTransitionsTotal.With(from.String(), to.String()).Inc()

	logEvent := log.Warn()
	if to == Alive {
		logEvent = log.Info()
	}
	logEvent.
		Uint64("node_id", uint64(e.desc.ID)).
		Str("old_status", from.String()).
		Str("new_status", to.String()).
		Str("reason", reason).
		Msg("Node state transition")

	return Event{Kind: EventTransition, Node: e.desc, From: from, To: to, Reason: reason}
}

// allowed reports whether from -> to is a valid health change
func allowed(from, to Health) bool {
	switch to {
	case Suspect:
		return from == Alive
	case Dead:
		return from == Alive || from == Suspect
	case Alive:
		return from == Suspect || from == Dead
	}
	return false
}

func (d *Directory) setHealth(id topology.NodeID, to Health, reason string) error {
	if id == d.localID && to != Alive {
		return ErrSelfTransition
	}

	d.mu.Lock()
	e, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if to == Alive {
		e.lastSeen = time.Now()
	}

	if !allowed(e.health, to) {
		d.mu.Unlock()
		return nil
	}

	ev := d.transitionLocked(e, to, reason)
	d.generation.Add(1)
	d.updateClusterMetricsLocked()
	d.mu.Unlock()

	d.notify(ev)
	return nil
}

// MarkSuspect moves an Alive node to Suspect
func (d *Directory) MarkSuspect(id topology.NodeID) error {
	return d.setHealth(id, Suspect, "missed heartbeats")
}

// MarkDead moves an Alive or Suspect node to Dead
func (d *Directory) MarkDead(id topology.NodeID) error {
	return d.setHealth(id, Dead, "suspect timeout")
}

// MarkAlive moves a Suspect or Dead node back to Alive
func (d *Directory) MarkAlive(id topology.NodeID) error {
	return d.setHealth(id, Alive, "heartbeat reply")
}

// Remove deletes a node. The entry is gone for good; the node may register
// again later as a new member.
func (d *Directory) Remove(id topology.NodeID, reason string) error {
	if id == d.localID {
		return ErrSelfTransition
	}

	d.mu.Lock()
	e, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	delete(d.nodes, id)
	telemetry.NodeStateTransitionsTotal.With(e.health.String(), Removed.String()).Inc()
	d.generation.Add(1)
	d.updateClusterMetricsLocked()
	d.mu.Unlock()

	log.Warn().
		Uint64("node_id", uint64(id)).
		Str("old_status", e.health.String()).
		Str("reason", reason).
		Msg("Node removed from directory")

	d.notify(Event{Kind: EventRemoved, Node: e.desc, From: e.health, To: Removed, Reason: reason})
	return nil
}

// ReportLoad stores the usage a node reported. It does not count as a
// membership change.
func (d *Directory) ReportLoad(id topology.NodeID, load topology.Load) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.nodes[id]; ok {
		e.load = load
		e.lastSeen = time.Now()
	}
}

// CapacityOf returns limits and last reported usage for a node
func (d *Directory) CapacityOf(id topology.NodeID) (topology.Capacity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.nodes[id]
	if !ok {
		return topology.Capacity{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	c := e.desc.Capacity()
	c.Load = e.load
	return c, nil
}

// Get returns a copy of one entry
func (d *Directory) Get(id topology.NodeID) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.nodes[id]
	if !ok {
		return Member{}, false
	}
	return e.member(), true
}

// HealthOf returns the current health of a node
func (d *Directory) HealthOf(id topology.NodeID) (Health, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.nodes[id]
	if !ok {
		return Removed, false
	}
	return e.health, true
}

// All returns copies of every entry ordered by ID
func (d *Directory) All() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]Member, 0, len(d.nodes))
	for _, e := range d.nodes {
		members = append(members, e.member())
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Descriptor.ID < members[j].Descriptor.ID
	})
	return members
}

// Snapshot returns the descriptors of Alive nodes ordered by ID
func (d *Directory) Snapshot() []topology.NodeDescriptor {
	return d.filter(func(h Health) bool { return h == Alive })
}

// Members returns the ring-eligible set: Alive and Suspect nodes ordered by ID.
// Suspect nodes keep their tokens until declared Dead.
func (d *Directory) Members() []topology.NodeDescriptor {
	return d.filter(func(h Health) bool { return h == Alive || h == Suspect })
}

// Peers returns every known node except the local one, whatever its health
func (d *Directory) Peers() []topology.NodeDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]topology.NodeDescriptor, 0, len(d.nodes))
	for id, e := range d.nodes {
		if id != d.localID {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) filter(keep func(Health) bool) []topology.NodeDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]topology.NodeDescriptor, 0, len(d.nodes))
	for _, e := range d.nodes {
		if keep(e.health) {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation is the dirty counter consumed by the reconfiguration protocol
func (d *Directory) Generation() uint64 {
	return d.generation.Load()
}

// Sync aligns the directory with an adopted cluster config: unknown members
// are added as Alive and tombstoned nodes are dropped. Local health opinions
// are kept and the generation is not bumped.
func (d *Directory) Sync(cfg *topology.ClusterConfig) {
	if cfg == nil {
		return
	}

	d.mu.Lock()
	now := time.Now()
	var events []Event

	for _, desc := range cfg.Nodes {
		e, ok := d.nodes[desc.ID]
		if !ok {
			d.nodes[desc.ID] = &entry{desc: desc, health: Alive, since: now, lastSeen: now}
			events = append(events, Event{Kind: EventJoined, Node: desc, From: Removed, To: Alive, Reason: "config sync"})
			continue
		}
		if desc.ID != d.localID && e.desc != desc {
			e.desc = desc
			events = append(events, Event{Kind: EventUpdated, Node: desc, From: e.health, To: e.health, Reason: "config sync"})
		}
	}

	for _, id := range cfg.Removed {
		if id == d.localID {
			continue
		}
		if e, ok := d.nodes[id]; ok {
			delete(d.nodes, id)
			events = append(events, Event{Kind: EventRemoved, Node: e.desc, From: e.health, To: Removed, Reason: "removed by peer"})
		}
	}

	d.updateClusterMetricsLocked()
	d.mu.Unlock()

	d.notify(events...)
}

// updateClusterMetricsLocked refreshes node count gauges. Caller holds d.mu.
func (d *Directory) updateClusterMetricsLocked() {
	counts := map[Health]int{Alive: 0, Suspect: 0, Dead: 0}
	for _, e := range d.nodes {
		counts[e.health]++
	}
	for h, n := range counts {
		telemetry.ClusterNodes.With(h.String()).Set(float64(n))
	}
}
