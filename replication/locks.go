package replication

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// KeyLocks serializes placement, writes and migration of a single key.
// Entries are dropped once no goroutine holds or waits for them.
type KeyLocks struct {
	locks *xsync.MapOf[string, *keyLock]
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: xsync.NewMapOf[string, *keyLock]()}
}

// Lock blocks until key is held and returns the unlock function
func (k *KeyLocks) Lock(key string) func() {
	var held *keyLock
	k.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		held = old
		return old, false
	})

	held.mu.Lock()
	return func() {
		held.mu.Unlock()
		k.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
			if !loaded {
				return old, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Len returns the number of keys currently locked or waited on
func (k *KeyLocks) Len() int {
	return k.locks.Size()
}
