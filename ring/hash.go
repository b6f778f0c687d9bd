package ring

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/murmur3"
)

// Hasher maps bytes onto the 64-bit ring space. Every node of a cluster must
// use the same hasher or placements diverge.
type Hasher func([]byte) uint64

const (
	HashXXHash  = "xxhash"
	HashMurmur3 = "murmur3"
)

// XXHash is the default ring hash
func XXHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Murmur3 uses the x64 128-bit variant truncated to its first 64 bits
func Murmur3(b []byte) uint64 {
	return murmur3.Sum64(b)
}

// HasherByName resolves the cluster.hash configuration value
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", HashXXHash:
		return XXHash, nil
	case HashMurmur3:
		return Murmur3, nil
	}
	return nil, fmt.Errorf("unknown ring hash %q", name)
}
