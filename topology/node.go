package topology

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultWeight is assumed for nodes advertising a non-positive weight
const DefaultWeight = 1

// NodeID identifies a physical node. It is derived from the advertised
// address so it survives restarts.
type NodeID uint64

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses the decimal form produced by NodeID.String
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return NodeID(v), nil
}

// NodeIDFromAddress derives a stable node identifier from an advertise address.
// Zero is reserved for "unset", so a zero hash is folded to 1.
func NodeIDFromAddress(address string) NodeID {
	normalized := strings.ToLower(strings.TrimSpace(address))
	id := xxhash.Sum64String(normalized)
	if id == 0 {
		id = 1
	}
	return NodeID(id)
}

// NodeDescriptor is what a node advertises about itself to peers
type NodeDescriptor struct {
	ID             NodeID `msgpack:"id" json:"id"`
	Address        string `msgpack:"addr" json:"address"`
	Weight         int    `msgpack:"weight" json:"weight"`
	RAMMax         uint64 `msgpack:"ram_max" json:"ram_max"`
	DiskMax        uint64 `msgpack:"disk_max" json:"disk_max"`
	ConnectionsMax uint32 `msgpack:"conn_max" json:"connections_max"`
	ThreadsMax     uint32 `msgpack:"threads_max" json:"threads_max"`
}

// EffectiveWeight returns the weight used for virtual node scaling
func (d NodeDescriptor) EffectiveWeight() int {
	if d.Weight <= 0 {
		return DefaultWeight
	}
	return d.Weight
}

// Capacity returns the advertised limits with no usage applied
func (d NodeDescriptor) Capacity() Capacity {
	return Capacity{
		RAMMax:         d.RAMMax,
		DiskMax:        d.DiskMax,
		ConnectionsMax: d.ConnectionsMax,
		ThreadsMax:     d.ThreadsMax,
	}
}

// Load is the usage a node reports in heartbeat replies
type Load struct {
	UsedRAM         uint64 `msgpack:"ram" json:"used_ram"`
	UsedDisk        uint64 `msgpack:"disk" json:"used_disk"`
	OpenConnections uint32 `msgpack:"conns" json:"open_connections"`
}

// Capacity combines advertised limits with current usage.
// A zero limit means the dimension is not bounded.
type Capacity struct {
	RAMMax         uint64 `json:"ram_max"`
	DiskMax        uint64 `json:"disk_max"`
	ConnectionsMax uint32 `json:"connections_max"`
	ThreadsMax     uint32 `json:"threads_max"`
	Load
}

// FreeRAM returns the remaining RAM budget, saturating at zero
func (c Capacity) FreeRAM() uint64 {
	if c.RAMMax == 0 {
		return ^uint64(0)
	}
	return saturatingSub(c.RAMMax, c.UsedRAM)
}

// FreeDisk returns the remaining disk budget, saturating at zero
func (c Capacity) FreeDisk() uint64 {
	if c.DiskMax == 0 {
		return ^uint64(0)
	}
	return saturatingSub(c.DiskMax, c.UsedDisk)
}

// AcceptsConnection reports whether another connection fits under connections_max
func (c Capacity) AcceptsConnection() bool {
	return c.ConnectionsMax == 0 || c.OpenConnections < c.ConnectionsMax
}

// Fits reports whether an item of the given size can be placed on the node
func (c Capacity) Fits(size uint64) bool {
	return c.FreeRAM() >= size && c.FreeDisk() >= size && c.AcceptsConnection()
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
