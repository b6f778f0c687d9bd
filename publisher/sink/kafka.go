package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20
	// sync writes of single events flush on this timeout
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.PublisherConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BufferSize > 0 {
			kafkaConfig.BatchSize = config.BufferSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink publishes topology events to Kafka, partitioned by event key
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           DefaultKafkaBatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes synchronously; the worker owns retries.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	return k.writer.WriteMessages(context.Background(), msg)
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
