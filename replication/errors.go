package replication

import (
	"errors"
	"fmt"

	"github.com/anor-rs/anor-cluster/topology"
)

var (
	// ErrInsufficientReplicas is the only placement failure surfaced to
	// callers: fewer capacity-eligible nodes than replica_min.
	ErrInsufficientReplicas = errors.New("insufficient replicas")
	ErrNotFound             = errors.New("item not found")
	ErrEmptyKey             = errors.New("empty key")
)

// CapacityExceededError marks a candidate skipped because the item would
// exceed its ram_max, disk_max or connection limit. It is informational.
type CapacityExceededError struct {
	Node topology.NodeID
	Size uint64
	Free topology.Capacity
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded on node %s: item %d bytes, free ram %d, free disk %d, connections %d/%d",
		e.Node, e.Size, e.Free.FreeRAM(), e.Free.FreeDisk(), e.Free.OpenConnections, e.Free.ConnectionsMax)
}

func insufficient(key string, eligible, min int) error {
	return fmt.Errorf("%w: key %q has %d eligible nodes, replica_min is %d", ErrInsufficientReplicas, key, eligible, min)
}
