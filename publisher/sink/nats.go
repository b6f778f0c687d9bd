package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes topology events to NATS JetStream
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams sync.Map // subject -> struct{}
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js}, nil
}

// Publish sends value to the subject topic with key in the "key" header.
// The stream for a subject is created on first publish.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, ok := n.streams.Load(topic); !ok {
		streamName := sanitizeStreamName(topic)
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.streams.Store(topic, struct{}{})
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// stream names cannot contain "."
func sanitizeStreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
