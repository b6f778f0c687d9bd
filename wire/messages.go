// Package wire holds the messages exchanged between cluster peers. They are
// transport neutral and encoded with msgpack on the gRPC transport.
package wire

import (
	"errors"
	"fmt"

	"github.com/anor-rs/anor-cluster/topology"
)

// ErrNodeUnreachable wraps any failure to reach a peer within its deadline.
// It is handled by retry and backoff and never reaches clients.
var ErrNodeUnreachable = errors.New("node unreachable")

// Unreachable annotates err with the peer it concerns
func Unreachable(node topology.NodeID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: node %s: %v", ErrNodeUnreachable, node, err)
}

// Heartbeat is a liveness probe
type Heartbeat struct {
	NodeID    topology.NodeID `msgpack:"node_id"`
	Sequence  uint64          `msgpack:"seq"`
	Timestamp int64           `msgpack:"ts"`
}

// HeartbeatReply echoes the probe sequence and reports current load
type HeartbeatReply struct {
	NodeID    topology.NodeID `msgpack:"node_id"`
	Sequence  uint64          `msgpack:"seq"`
	Timestamp int64           `msgpack:"ts"`
	Load      topology.Load   `msgpack:"load"`
}

// Gossip carries a full cluster config; the reply carries the receiver's
type Gossip struct {
	From   topology.NodeID         `msgpack:"from"`
	Config *topology.ClusterConfig `msgpack:"config"`
}

type GossipReply struct {
	From   topology.NodeID         `msgpack:"from"`
	Config *topology.ClusterConfig `msgpack:"config"`
}

// JoinRequest is sent by a new node to a seed
type JoinRequest struct {
	Node topology.NodeDescriptor `msgpack:"node"`
}

type JoinReply struct {
	Accepted bool                    `msgpack:"accepted"`
	Reason   string                  `msgpack:"reason,omitempty"`
	Config   *topology.ClusterConfig `msgpack:"config"`
}

// Item is a stored value with its metadata. Values are opaque bytes.
type Item struct {
	ID        string   `msgpack:"id" json:"id"`
	Key       string   `msgpack:"key" json:"key"`
	Version   uint64   `msgpack:"version" json:"version"`
	Value     []byte   `msgpack:"value" json:"-"`
	Tags      []string `msgpack:"tags,omitempty" json:"tags,omitempty"`
	ExpiresOn int64    `msgpack:"expires_on,omitempty" json:"expires_on,omitempty"` // unix millis, 0 = never
}

// Size is what the item counts against a node's RAM and disk budgets
func (i *Item) Size() uint64 {
	return uint64(len(i.Key) + len(i.Value))
}

// Transfer pushes one item replica to a peer
type Transfer struct {
	From     topology.NodeID   `msgpack:"from"`
	Epoch    uint64            `msgpack:"epoch"`
	Item     Item              `msgpack:"item"`
	Replicas []topology.NodeID `msgpack:"replicas"`
}

type TransferAck struct {
	Acknowledged bool   `msgpack:"ack"`
	Version      uint64 `msgpack:"version"`
}

// Evict asks a peer to drop its copy of a key that moved elsewhere
type Evict struct {
	From  topology.NodeID `msgpack:"from"`
	Epoch uint64          `msgpack:"epoch"`
	Key   string          `msgpack:"key"`
}

type EvictAck struct {
	Evicted bool `msgpack:"evicted"`
}

// Fetch reads an item from a replica holder
type Fetch struct {
	Key string `msgpack:"key"`
}

// FetchReply carries the holder's copy and the replica set it recorded
type FetchReply struct {
	Found    bool              `msgpack:"found"`
	Item     Item              `msgpack:"item"`
	Replicas []topology.NodeID `msgpack:"replicas,omitempty"`
}
