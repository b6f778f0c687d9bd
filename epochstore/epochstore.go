// Package epochstore persists committed cluster configurations so a node
// restarts at the last epoch it saw instead of epoch zero.
package epochstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/anor-rs/anor-cluster/encoding"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const (
	keyCurrent     = "/config/current"
	keyLocalNode   = "/node/local"
	prefixHistory  = "/config/epoch/" // /config/epoch/{epoch:8 bytes BE}
	defaultHistory = 16
)

var ErrClosed = errors.New("epoch store closed")

// pebbleLogger routes pebble logs through zerolog
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Store keeps the current configuration and a bounded history of previous
// epochs.
type Store struct {
	db      *pebble.DB
	path    string
	history int
	closed  atomic.Bool
}

type Option func(*Store)

// WithHistory sets how many past epochs are retained
func WithHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.history = n
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{Logger: &pebbleLogger{}})
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch store: %w", err)
	}

	s := &Store{db: db, path: path, history: defaultHistory}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func historyKey(epoch uint64) []byte {
	key := make([]byte, len(prefixHistory)+8)
	copy(key, prefixHistory)
	binary.BigEndian.PutUint64(key[len(prefixHistory):], epoch)
	return key
}

// Save writes config as the current epoch. Configurations older than the
// stored one are ignored.
func (s *Store) Save(config *topology.ClusterConfig) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if config == nil {
		return nil
	}

	current, err := s.Load()
	if err != nil {
		return err
	}
	if current != nil && !config.Supersedes(current) {
		return nil
	}

	data, err := encoding.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(keyCurrent), data, nil); err != nil {
		return err
	}
	if err := batch.Set(historyKey(config.Epoch), data, nil); err != nil {
		return err
	}
	if config.Epoch >= uint64(s.history) {
		floor := config.Epoch - uint64(s.history) + 1
		if err := batch.DeleteRange(historyKey(0), historyKey(floor), nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist epoch %d: %w", config.Epoch, err)
	}

	log.Debug().Uint64("epoch", config.Epoch).Int("nodes", config.Len()).Msg("Persisted cluster configuration")
	return nil
}

// Load returns the last saved configuration, or nil when none exists
func (s *Store) Load() (*topology.ClusterConfig, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.get([]byte(keyCurrent))
}

// Epoch returns the configuration saved for a past epoch, if still retained
func (s *Store) Epoch(epoch uint64) (*topology.ClusterConfig, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.get(historyKey(epoch))
}

func (s *Store) get(key []byte) (*topology.ClusterConfig, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var config topology.ClusterConfig
	if err := encoding.Unmarshal(val, &config); err != nil {
		return nil, fmt.Errorf("corrupt configuration record: %w", err)
	}
	return &config, nil
}

// History returns retained configurations in ascending epoch order
func (s *Store) History() ([]*topology.ClusterConfig, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixHistory)
	upper := append([]byte(prefixHistory[:len(prefixHistory)-1]), prefixHistory[len(prefixHistory)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*topology.ClusterConfig
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var config topology.ClusterConfig
		if err := encoding.Unmarshal(val, &config); err != nil {
			log.Warn().Err(err).Msg("Skipping corrupt configuration history entry")
			continue
		}
		out = append(out, &config)
	}
	return out, iter.Error()
}

// SaveLocal records the descriptor this node last ran with
func (s *Store) SaveLocal(desc topology.NodeDescriptor) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := encoding.Marshal(desc)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(keyLocalNode), data, pebble.Sync)
}

// LoadLocal returns the descriptor saved by SaveLocal
func (s *Store) LoadLocal() (topology.NodeDescriptor, bool, error) {
	if s.closed.Load() {
		return topology.NodeDescriptor{}, false, ErrClosed
	}
	val, closer, err := s.db.Get([]byte(keyLocalNode))
	if errors.Is(err, pebble.ErrNotFound) {
		return topology.NodeDescriptor{}, false, nil
	}
	if err != nil {
		return topology.NodeDescriptor{}, false, err
	}
	defer closer.Close()

	var desc topology.NodeDescriptor
	if err := encoding.Unmarshal(val, &desc); err != nil {
		return topology.NodeDescriptor{}, false, err
	}
	return desc, true, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
