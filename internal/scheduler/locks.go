package scheduler

import (
	"sort"
	"sync"
)

// KeyedMutex provides per-key mutual exclusion. The state machine uses one
// keyed by run ID so all transitions of a run execute in a single critical
// section; the agent pool uses another keyed by normalized file path so two
// agents never write the same file concurrently.
type KeyedMutex struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-key mutexes
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for the given key, creating it on first access.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	keyLock, exists := k.locks[key]
	if !exists {
		keyLock = &sync.Mutex{}
		k.locks[key] = keyLock
	}
	k.mu.Unlock()

	// Acquire the per-key lock outside the manager lock to avoid contention
	keyLock.Lock()
}

// Unlock releases the mutex for the given key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	keyLock, exists := k.locks[key]
	k.mu.Unlock()

	if exists {
		keyLock.Unlock()
	}
}

// LockAll acquires mutexes for all given keys.
// Keys are sorted lexicographically before acquisition to prevent deadlocks
// between callers locking overlapping sets.
func (k *KeyedMutex) LockAll(keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for _, key := range sorted {
		k.Lock(key)
	}
}

// UnlockAll releases mutexes for all given keys, in reverse sorted order for
// symmetry with LockAll.
func (k *KeyedMutex) UnlockAll(keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}
