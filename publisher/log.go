package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anor-rs/anor-cluster/encoding"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const (
	prefixEvents = "/events/"
	prefixCursor = "/cursor/"
	keySeq       = "/seq"

	defaultReadLimit = 100
	// cleanup runs every 64 delivered sequences
	cleanupIntervalMask = 0x3F
)

var ErrLogClosed = errors.New("event log closed")

type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// EventLog is a durable append-only log of topology events with one
// delivery cursor per sink. Entries every cursor has passed are deleted.
type EventLog struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

func OpenEventLog(path string) (*EventLog, error) {
	db, err := pebble.Open(path, &pebble.Options{Logger: pebbleLogger{}})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	el := &EventLog{db: db, path: path, cursors: make(map[string]uint64)}
	if err := el.loadSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := el.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	return el, nil
}

func seqBytes(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func eventKey(seq uint64) []byte {
	return append([]byte(prefixEvents), seqBytes(seq)...)
}

func (el *EventLog) loadSeq() error {
	val, closer, err := el.db.Get([]byte(keySeq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	el.lastSeq.Store(binary.BigEndian.Uint64(val))
	return nil
}

func (el *EventLog) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", name, len(val))
		}
		el.cursors[name] = binary.BigEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(el.cursors) > 0 {
		log.Info().Int("cursors", len(el.cursors)).Msg("Loaded event log cursors")
	}
	return nil
}

// Append assigns sequence numbers to events, in place, and stores them in
// one batch.
func (el *EventLog) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if el.closed.Load() {
		return ErrLogClosed
	}

	el.appendMu.Lock()
	defer el.appendMu.Unlock()

	seq := el.lastSeq.Load()
	batch := el.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if err := batch.Set([]byte(keySeq), seqBytes(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	el.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the sequence of the newest event
func (el *EventLog) LastSeq() uint64 {
	return el.lastSeq.Load()
}

// ReadFrom returns up to limit events after cursor
func (el *EventLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if el.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(cursor + 1),
		UpperBound: prefixUpperBound([]byte(prefixEvents)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Bytes("key", iter.Key()).Msg("Skipping undecodable event")
			continue
		}
		events = append(events, event)
	}
	return events, iter.Error()
}

// Cursor returns the last delivered sequence for a sink, 0 for a new sink
func (el *EventLog) Cursor(sink string) (uint64, error) {
	if el.closed.Load() {
		return 0, ErrLogClosed
	}
	el.cursorsMu.RLock()
	defer el.cursorsMu.RUnlock()
	return el.cursors[sink], nil
}

// AdvanceCursor records delivery up to seq and periodically drops entries
// every sink has passed.
func (el *EventLog) AdvanceCursor(sink string, seq uint64) error {
	if el.closed.Load() {
		return ErrLogClosed
	}

	el.cursorsMu.Lock()
	el.cursors[sink] = seq
	el.cursorsMu.Unlock()

	if err := el.db.Set(append([]byte(prefixCursor), sink...), seqBytes(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && el.cleanupRunning.CompareAndSwap(false, true) {
		el.cleanupWg.Add(1)
		go func() {
			defer el.cleanupWg.Done()
			defer el.cleanupRunning.Store(false)
			el.Cleanup()
		}()
	}
	return nil
}

// Cleanup deletes events at or below the lowest sink cursor
func (el *EventLog) Cleanup() {
	el.cleanupMu.Lock()
	defer el.cleanupMu.Unlock()
	if el.closed.Load() {
		return
	}

	el.cursorsMu.RLock()
	if len(el.cursors) == 0 {
		el.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range el.cursors {
		minCursor = min(minCursor, c)
	}
	el.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}
	if err := el.db.DeleteRange([]byte(prefixEvents), eventKey(minCursor+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up event log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up event log")
}

// Close waits for a running cleanup and closes the database
func (el *EventLog) Close() error {
	if !el.closed.CompareAndSwap(false, true) {
		return nil
	}
	el.cleanupWg.Wait()
	return el.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
