// Package store holds the items replicated to this node in memory.
package store

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/topology"
	"github.com/anor-rs/anor-cluster/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is a concurrent map of items keyed by item key. Older versions never
// overwrite newer ones.
type Store struct {
	items *xsync.MapOf[string, wire.Item]
	bytes atomic.Int64
	now   func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		items: xsync.NewMapOf[string, wire.Item](),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or updates an item. It returns false when a newer version is
// already stored.
func (s *Store) Put(item wire.Item) bool {
	applied := false
	s.items.Compute(item.Key, func(old wire.Item, loaded bool) (wire.Item, bool) {
		if loaded && old.Version > item.Version && !s.expired(old) {
			return old, false
		}
		if loaded {
			s.bytes.Add(-int64(old.Size()))
		}
		s.bytes.Add(int64(item.Size()))
		applied = true
		return item, false
	})
	return applied
}

// Get returns a live item
func (s *Store) Get(key string) (wire.Item, bool) {
	item, ok := s.items.Load(key)
	if !ok || s.expired(item) {
		return wire.Item{}, false
	}
	return item, true
}

// Version returns the stored version of key, or zero
func (s *Store) Version(key string) uint64 {
	item, ok := s.items.Load(key)
	if !ok {
		return 0
	}
	return item.Version
}

// Delete removes an item and returns what was stored
func (s *Store) Delete(key string) (wire.Item, bool) {
	item, ok := s.items.LoadAndDelete(key)
	if ok {
		s.bytes.Add(-int64(item.Size()))
	}
	return item, ok
}

// Keys returns every stored key in order
func (s *Store) Keys() []string {
	keys := make([]string, 0, s.items.Size())
	s.items.Range(func(key string, _ wire.Item) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	return s.items.Size()
}

// Bytes is the total size of stored items
func (s *Store) Bytes() uint64 {
	b := s.bytes.Load()
	if b < 0 {
		return 0
	}
	return uint64(b)
}

// ItemStats returns item count and byte total
func (s *Store) ItemStats() (int, uint64) {
	return s.Len(), s.Bytes()
}

// Load is the usage this node reports in heartbeat replies. Items count
// against both the RAM and the disk budget.
func (s *Store) Load(connections uint32) topology.Load {
	b := s.Bytes()
	return topology.Load{UsedRAM: b, UsedDisk: b, OpenConnections: connections}
}

// Expire drops items past their expiry and returns how many were removed
func (s *Store) Expire() int {
	var expired []string
	s.items.Range(func(key string, item wire.Item) bool {
		if s.expired(item) {
			expired = append(expired, key)
		}
		return true
	})

	removed := 0
	for _, key := range expired {
		s.items.Compute(key, func(old wire.Item, loaded bool) (wire.Item, bool) {
			if !loaded || !s.expired(old) {
				return old, !loaded
			}
			s.bytes.Add(-int64(old.Size()))
			removed++
			return old, true
		})
	}
	return removed
}

func (s *Store) expired(item wire.Item) bool {
	return item.ExpiresOn > 0 && s.now().UnixMilli() >= item.ExpiresOn
}
