package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

var errWorkerStopped = errors.New("worker stopped during retry")

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string // cursor name
	Log             *EventLog
	Sink            Sink
	Formatter       Formatter
	Filter          Filter
	TopicPrefix     string
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int // 0 selects DefaultMaxRetries
}

// Worker tails the event log and publishes to one sink. Delivery is at
// least once: the cursor moves only after a successful publish.
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Formatter == nil {
		config.Formatter = JSONFormatter{}
	}
	if config.Filter == nil {
		config.Filter = &GlobFilter{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	// a new sink starts at the oldest retained event
	if cursor == 0 {
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest event: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.Cursor()).
		Msg("Starting topology event worker")
	go w.pollLoop()
}

func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
	log.Info().Str("worker", w.config.Name).Msg("Topology event worker stopped")
}

// Cursor returns the last delivered sequence
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
		if err != nil {
			log.Error().Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.Cursor()).
				Msg("Failed to read from event log")
			w.sleep(w.config.PollInterval)
			continue
		}
		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				if !errors.Is(err, errWorkerStopped) {
					log.Error().Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.SeqNum).
						Msg("Giving up on event")
				}
				// the event stays undelivered and is retried on the next start
				return
			}
			w.cursor.Store(event.SeqNum)
		}
	}
}

func (w *Worker) processEvent(event Event) error {
	if w.config.Filter.Match(event.Type) {
		data, err := w.config.Formatter.Format(event)
		if err != nil {
			return fmt.Errorf("failed to format event: %w", err)
		}
		if err := w.publishWithRetry(w.topic(event.Type), event.Key(), data); err != nil {
			return err
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor, event may be redelivered")
	}
	return nil
}

func (w *Worker) topic(eventType string) string {
	if w.config.TopicPrefix == "" {
		return eventType
	}
	return w.config.TopicPrefix + "." + eventType
}

func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}
		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// sleep returns false when the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
