package replication

import (
	"slices"
	"sync"

	"github.com/anor-rs/anor-cluster/topology"
)

// CapacitySource reports advertised limits and the last known usage of a node
type CapacitySource interface {
	CapacityOf(id topology.NodeID) (topology.Capacity, error)
}

// Ledger tracks capacity reserved for transfers that have not completed.
// Reserved bytes count as used until released; once stored, the node's own
// load reports account for them.
type Ledger struct {
	source   CapacitySource
	reserved map[topology.NodeID]uint64
	conns    map[topology.NodeID]uint32
	mu       sync.Mutex
}

// Reservation is capacity held on a set of nodes for one item. Each node
// may hold a different amount: existing holders are charged only for growth.
type Reservation struct {
	ledger  *Ledger
	amounts map[topology.NodeID]uint64
	once    sync.Once
}

// AvailableFunc reads a node's capacity with outstanding reservations applied
type AvailableFunc func(id topology.NodeID) (topology.Capacity, error)

func NewLedger(source CapacitySource) *Ledger {
	return &Ledger{
		source:   source,
		reserved: make(map[topology.NodeID]uint64),
		conns:    make(map[topology.NodeID]uint32),
	}
}

// Available returns the node capacity with outstanding reservations applied
func (l *Ledger) Available(id topology.NodeID) (topology.Capacity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked(id)
}

func (l *Ledger) availableLocked(id topology.NodeID) (topology.Capacity, error) {
	c, err := l.source.CapacityOf(id)
	if err != nil {
		return c, err
	}
	c.UsedRAM += l.reserved[id]
	c.UsedDisk += l.reserved[id]
	c.OpenConnections += l.conns[id]
	return c, nil
}

// Claim runs pick with the ledger locked and reserves the amounts it
// returns before unlocking. Concurrent placements therefore never both
// spend the same free capacity.
func (l *Ledger) Claim(pick func(available AvailableFunc) map[topology.NodeID]uint64) *Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(pick(l.availableLocked))
}

// Reserve holds size bytes and one connection slot on every node
func (l *Ledger) Reserve(nodes []topology.NodeID, size uint64) *Reservation {
	amounts := make(map[topology.NodeID]uint64, len(nodes))
	for _, id := range nodes {
		amounts[id] = size
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(amounts)
}

func (l *Ledger) reserveLocked(amounts map[topology.NodeID]uint64) *Reservation {
	r := &Reservation{ledger: l, amounts: make(map[topology.NodeID]uint64, len(amounts))}
	for id, size := range amounts {
		l.reserved[id] += size
		l.conns[id]++
		r.amounts[id] = size
	}
	return r
}

// Reserved returns bytes currently reserved on a node
func (l *Ledger) Reserved(id topology.NodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved[id]
}

func (l *Ledger) releaseLocked(id topology.NodeID, size uint64) {
	if l.reserved[id] <= size {
		delete(l.reserved, id)
	} else {
		l.reserved[id] -= size
	}
	if l.conns[id] <= 1 {
		delete(l.conns, id)
	} else {
		l.conns[id]--
	}
}

// Nodes returns the nodes the reservation covers, in ID order
func (r *Reservation) Nodes() []topology.NodeID {
	if r == nil {
		return nil
	}
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()

	out := make([]topology.NodeID, 0, len(r.amounts))
	for id := range r.amounts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ReleaseNode drops the reservation on a single node, e.g. after a failed
// transfer to it.
func (r *Reservation) ReleaseNode(id topology.NodeID) {
	if r == nil {
		return
	}
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()

	size, ok := r.amounts[id]
	if !ok {
		return
	}
	delete(r.amounts, id)
	r.ledger.releaseLocked(id, size)
}

// Release returns all held capacity. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.ledger.mu.Lock()
		defer r.ledger.mu.Unlock()
		for id, size := range r.amounts {
			r.ledger.releaseLocked(id, size)
		}
		r.amounts = nil
	})
}
