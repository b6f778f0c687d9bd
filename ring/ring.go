package ring

import (
	"encoding/binary"
	"sort"

	"github.com/anor-rs/anor-cluster/topology"
)

// DefaultTokensPerWeight is the number of virtual tokens per weight unit
const DefaultTokensPerWeight = 100

// WeightFunc returns the weight of a node; non-positive values fall back to
// topology.DefaultWeight.
type WeightFunc func(topology.NodeID) int

// Token is one virtual node position
type Token struct {
	Position uint64
	Node     topology.NodeID
}

// Snapshot is an immutable hash ring. Lookups never lock; a membership change
// builds a new Snapshot.
type Snapshot struct {
	tokens          []Token
	nodes           []topology.NodeID
	hasher          Hasher
	tokensPerWeight int
	epoch           uint64
}

type options struct {
	hasher          Hasher
	tokensPerWeight int
	epoch           uint64
}

type Option func(*options)

// WithHasher overrides the default xxhash ring hash
func WithHasher(h Hasher) Option {
	return func(o *options) {
		if h != nil {
			o.hasher = h
		}
	}
}

// WithTokensPerWeight overrides DefaultTokensPerWeight
func WithTokensPerWeight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.tokensPerWeight = n
		}
	}
}

// WithEpoch tags the snapshot with the config epoch it was built from
func WithEpoch(epoch uint64) Option {
	return func(o *options) { o.epoch = epoch }
}

// Build creates a ring over the given nodes. Duplicate IDs are ignored.
func Build(nodes []topology.NodeID, weight WeightFunc, opts ...Option) *Snapshot {
	o := options{hasher: XXHash, tokensPerWeight: DefaultTokensPerWeight}
	for _, opt := range opts {
		opt(&o)
	}

	seen := make(map[topology.NodeID]struct{}, len(nodes))
	unique := make([]topology.NodeID, 0, len(nodes))
	for _, id := range nodes {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	total := 0
	counts := make([]int, len(unique))
	for i, id := range unique {
		w := topology.DefaultWeight
		if weight != nil {
			if v := weight(id); v > 0 {
				w = v
			}
		}
		counts[i] = w * o.tokensPerWeight
		total += counts[i]
	}

	tokens := make([]Token, 0, total)
	var buf [12]byte
	for i, id := range unique {
		binary.BigEndian.PutUint64(buf[:8], uint64(id))
		for r := 0; r < counts[i]; r++ {
			binary.BigEndian.PutUint32(buf[8:], uint32(r))
			tokens = append(tokens, Token{Position: o.hasher(buf[:]), Node: id})
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Position != tokens[j].Position {
			return tokens[i].Position < tokens[j].Position
		}
		return tokens[i].Node < tokens[j].Node
	})

	return &Snapshot{
		tokens:          tokens,
		nodes:           unique,
		hasher:          o.hasher,
		tokensPerWeight: o.tokensPerWeight,
		epoch:           o.epoch,
	}
}

// FromConfig builds a ring over every member of cfg, weighted by the
// advertised descriptor weight.
func FromConfig(cfg *topology.ClusterConfig, opts ...Option) *Snapshot {
	if cfg == nil {
		return Build(nil, nil, opts...)
	}

	weights := make(map[topology.NodeID]int, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		weights[n.ID] = n.EffectiveWeight()
	}

	opts = append([]Option{WithEpoch(cfg.Epoch)}, opts...)
	return Build(cfg.NodeIDs(), func(id topology.NodeID) int { return weights[id] }, opts...)
}

// Position hashes a key onto the ring
func (s *Snapshot) Position(key string) uint64 {
	return s.hasher([]byte(key))
}

// Lookup returns up to n distinct physical nodes for key in preference order
func (s *Snapshot) Lookup(key string, n int) []topology.NodeID {
	return s.LookupPosition(s.Position(key), n)
}

// LookupPosition walks clockwise from pos collecting distinct nodes
func (s *Snapshot) LookupPosition(pos uint64, n int) []topology.NodeID {
	if n <= 0 || len(s.tokens) == 0 {
		return nil
	}
	if n > len(s.nodes) {
		n = len(s.nodes)
	}

	idx := s.search(pos)
	result := make([]topology.NodeID, 0, n)
	seen := make(map[topology.NodeID]struct{}, n)

	for scanned := 0; len(result) < n && scanned < len(s.tokens); scanned++ {
		owner := s.tokens[idx].Node
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			result = append(result, owner)
		}
		idx = (idx + 1) % len(s.tokens)
	}

	return result
}

// Primary returns the first node for key
func (s *Snapshot) Primary(key string) (topology.NodeID, bool) {
	nodes := s.Lookup(key, 1)
	if len(nodes) == 0 {
		return 0, false
	}
	return nodes[0], true
}

// search returns the index of the first token at or after pos, wrapping to 0
func (s *Snapshot) search(pos uint64) int {
	idx := sort.Search(len(s.tokens), func(i int) bool {
		return s.tokens[i].Position >= pos
	})
	if idx >= len(s.tokens) {
		idx = 0
	}
	return idx
}

// Nodes returns the physical nodes in ascending ID order
func (s *Snapshot) Nodes() []topology.NodeID {
	out := make([]topology.NodeID, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Contains reports whether id owns tokens in this ring
func (s *Snapshot) Contains(id topology.NodeID) bool {
	i := sort.Search(len(s.nodes), func(i int) bool { return s.nodes[i] >= id })
	return i < len(s.nodes) && s.nodes[i] == id
}

// NodeCount returns the number of physical nodes
func (s *Snapshot) NodeCount() int {
	return len(s.nodes)
}

// Len returns the number of virtual tokens
func (s *Snapshot) Len() int {
	return len(s.tokens)
}

// Epoch returns the config epoch the ring was built for
func (s *Snapshot) Epoch() uint64 {
	return s.epoch
}

// Distribution returns the token count per node
func (s *Snapshot) Distribution() map[topology.NodeID]int {
	stats := make(map[topology.NodeID]int, len(s.nodes))
	for _, t := range s.tokens {
		stats[t.Node]++
	}
	return stats
}
