package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Strategy selects how many replicas an item should have
type Strategy string

const (
	StrategyNormal   Strategy = "normal"
	StrategyMaximum  Strategy = "maximum"
	StrategyParanoid Strategy = "paranoid"
)

var ErrInvalidPolicy = errors.New("invalid redundancy policy")

// ParseStrategy maps a configuration string to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNormal, StrategyMaximum, StrategyParanoid:
		return Strategy(s), nil
	case "":
		return StrategyNormal, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, s)
}

// RedundancyPolicy is the cluster-wide replication target
type RedundancyPolicy struct {
	Strategy   Strategy `msgpack:"strategy" json:"strategy"`
	ReplicaMin int      `msgpack:"min" json:"replica_min"`
	ReplicaMax int      `msgpack:"max" json:"replica_max"`
}

// Validate checks 1 <= replica_min <= replica_max
func (p RedundancyPolicy) Validate() error {
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	if p.ReplicaMin < 1 {
		return fmt.Errorf("%w: replica_min must be >= 1, got %d", ErrInvalidPolicy, p.ReplicaMin)
	}
	if p.ReplicaMax < p.ReplicaMin {
		return fmt.Errorf("%w: replica_max (%d) < replica_min (%d)", ErrInvalidPolicy, p.ReplicaMax, p.ReplicaMin)
	}
	return nil
}

// ValidateFor additionally requires replica_max to fit the given node count
func (p RedundancyPolicy) ValidateFor(nodeCount int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ReplicaMax > nodeCount {
		return fmt.Errorf("%w: replica_max (%d) exceeds node count (%d)", ErrInvalidPolicy, p.ReplicaMax, nodeCount)
	}
	return nil
}

// ClusterConfig is one epoch-stamped topology snapshot. It is never mutated
// after construction; successors are built with Next.
type ClusterConfig struct {
	Epoch      uint64           `msgpack:"epoch" json:"epoch"`
	Nodes      []NodeDescriptor `msgpack:"nodes" json:"nodes"`
	Policy     RedundancyPolicy `msgpack:"policy" json:"policy"`
	ProposerID NodeID           `msgpack:"proposer" json:"proposer_id"`

	// Removed lists nodes taken out by an operator. Peers drop them from
	// their directories until the node joins again.
	Removed []NodeID `msgpack:"removed" json:"removed,omitempty"`
}

// NewClusterConfig copies nodes, orders them by ID and drops duplicate IDs
// (the last descriptor for an ID wins).
func NewClusterConfig(epoch uint64, nodes []NodeDescriptor, policy RedundancyPolicy, proposer NodeID) *ClusterConfig {
	byID := make(map[NodeID]NodeDescriptor, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	sorted := make([]NodeDescriptor, 0, len(byID))
	for _, n := range byID {
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &ClusterConfig{
		Epoch:      epoch,
		Nodes:      sorted,
		Policy:     policy,
		ProposerID: proposer,
	}
}

// Next builds the successor config with epoch+1. Removal tombstones carry
// over unless the node is a member again; extra tombstones are appended.
func (c *ClusterConfig) Next(nodes []NodeDescriptor, proposer NodeID, removed ...NodeID) *ClusterConfig {
	next := NewClusterConfig(c.Epoch+1, nodes, c.Policy, proposer)

	tombstones := append(slices.Clone(c.Removed), removed...)
	slices.Sort(tombstones)
	for _, id := range slices.Compact(tombstones) {
		if !next.Contains(id) {
			next.Removed = append(next.Removed, id)
		}
	}
	return next
}

// IsRemoved reports whether id carries a removal tombstone
func (c *ClusterConfig) IsRemoved(id NodeID) bool {
	return c != nil && slices.Contains(c.Removed, id)
}

// Len returns the number of member nodes
func (c *ClusterConfig) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Nodes)
}

// Node looks up a member by ID
func (c *ClusterConfig) Node(id NodeID) (NodeDescriptor, bool) {
	if c == nil {
		return NodeDescriptor{}, false
	}
	i := sort.Search(len(c.Nodes), func(i int) bool { return c.Nodes[i].ID >= id })
	if i < len(c.Nodes) && c.Nodes[i].ID == id {
		return c.Nodes[i], true
	}
	return NodeDescriptor{}, false
}

// Contains reports whether id is a member
func (c *ClusterConfig) Contains(id NodeID) bool {
	_, ok := c.Node(id)
	return ok
}

// NodeIDs returns member IDs in ascending order
func (c *ClusterConfig) NodeIDs() []NodeID {
	if c == nil {
		return nil
	}
	ids := make([]NodeID, len(c.Nodes))
	for i, n := range c.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// SameContent reports whether both configs carry identical members and policy,
// ignoring epoch and proposer.
func (c *ClusterConfig) SameContent(other *ClusterConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Policy == other.Policy &&
		slices.Equal(c.Nodes, other.Nodes) &&
		slices.Equal(c.Removed, other.Removed)
}

// Supersedes reports whether c should replace other. Higher epochs win.
// Two different configs at the same epoch are ordered by proposer, lowest ID
// first, so every node picks the same one.
func (c *ClusterConfig) Supersedes(other *ClusterConfig) bool {
	if c == nil {
		return false
	}
	if other == nil {
		return true
	}
	if c.Epoch != other.Epoch {
		return c.Epoch > other.Epoch
	}
	if c.SameContent(other) {
		return false
	}
	return c.ProposerID < other.ProposerID
}

func (c *ClusterConfig) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("epoch=%d nodes=%d proposer=%s", c.Epoch, len(c.Nodes), c.ProposerID)
}
