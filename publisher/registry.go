package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the topology event publisher
type RegistryConfig struct {
	DataDir string // event log lives in {DataDir}/event_log
	Config  cfg.PublisherConfiguration
	// Sink overrides the factory lookup for Config.Sink
	Sink Sink
}

// Registry owns the event log and the sink worker
type Registry struct {
	log     *EventLog
	worker  *Worker
	running atomic.Bool
	mu      sync.Mutex
}

func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	formatter, err := formatterFor(config.Config.Format)
	if err != nil {
		return nil, err
	}
	filter, err := NewGlobFilter(config.Config.Events)
	if err != nil {
		return nil, err
	}

	snk := config.Sink
	if snk == nil {
		if snk, err = createSink(config.Config); err != nil {
			return nil, fmt.Errorf("failed to create sink: %w", err)
		}
	}

	eventLog, err := OpenEventLog(filepath.Join(config.DataDir, "event_log"))
	if err != nil {
		snk.Close()
		return nil, err
	}

	name := config.Config.Sink
	if name == "" {
		name = "default"
	}
	worker, err := NewWorker(WorkerConfig{
		Name:         name,
		Log:          eventLog,
		Sink:         snk,
		Formatter:    formatter,
		Filter:       filter,
		TopicPrefix:  config.Config.Topic,
		BatchSize:    config.Config.BufferSize,
		RetryInitial: time.Duration(config.Config.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(config.Config.RetryMaxMS) * time.Millisecond,
	})
	if err != nil {
		snk.Close()
		eventLog.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	log.Info().
		Str("sink", config.Config.Sink).
		Str("format", config.Config.Format).
		Str("topic", config.Config.Topic).
		Msg("Topology event publisher initialized")
	return &Registry{log: eventLog, worker: worker}, nil
}

func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	r.worker.Start()
	r.running.Store(true)
	return nil
}

// Stop stops the worker, closes the sink and the event log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Swap(false) {
		return
	}

	r.worker.Stop()
	if err := r.worker.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event sink")
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event log")
	}
	log.Info().Msg("Topology event publisher stopped")
}

// Append stores events for delivery
func (r *Registry) Append(events ...Event) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(events)
}

// Delivered returns the sequence of the last published event
func (r *Registry) Delivered() uint64 {
	return r.worker.Cursor()
}

// SinkFactory builds a sink from the publisher configuration
type SinkFactory func(cfg.PublisherConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a sink type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(config cfg.PublisherConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Sink]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Sink)
	}
	return factory(config)
}
