package publisher

import (
	"strconv"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
)

const (
	TypeNodeJoined      = "node.joined"
	TypeNodeUpdated     = "node.updated"
	TypeNodeRemoved     = "node.removed"
	TypeNodeStatePrefix = "node.state."
	TypeConfigCommitted = "config.committed"
	TypeConfigAdopted   = "config.adopted"
)

// Event is one topology change as published to sinks
type Event struct {
	SeqNum    uint64            `msgpack:"seq" json:"seq"`
	Type      string            `msgpack:"type" json:"type"`
	Origin    topology.NodeID   `msgpack:"origin" json:"origin"` // node that observed the change
	NodeID    topology.NodeID   `msgpack:"node,omitempty" json:"node_id,omitempty"`
	Address   string            `msgpack:"addr,omitempty" json:"address,omitempty"`
	From      string            `msgpack:"from,omitempty" json:"from,omitempty"`
	To        string            `msgpack:"to,omitempty" json:"to,omitempty"`
	Reason    string            `msgpack:"reason,omitempty" json:"reason,omitempty"`
	Epoch     uint64            `msgpack:"epoch,omitempty" json:"epoch,omitempty"`
	Proposer  topology.NodeID   `msgpack:"proposer,omitempty" json:"proposer,omitempty"`
	Nodes     []topology.NodeID `msgpack:"nodes,omitempty" json:"nodes,omitempty"`
	Timestamp int64             `msgpack:"ts" json:"timestamp"` // unix ms
}

// Key is the partition key: the node for node events, the epoch for
// config events.
func (e Event) Key() string {
	if e.NodeID != 0 {
		return e.NodeID.String()
	}
	return "epoch-" + strconv.FormatUint(e.Epoch, 10)
}

func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Sink is a destination for events (NATS, Kafka)
type Sink interface {
	Publish(topic string, key string, value []byte) error
	Close() error
}

// Formatter encodes events for a sink
type Formatter interface {
	Format(event Event) ([]byte, error)
	ContentType() string
}

// Filter decides whether an event is published
type Filter interface {
	Match(eventType string) bool
}
