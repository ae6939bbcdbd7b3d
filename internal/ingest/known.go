package ingest

import "sync"

// KnownIDs is the set of message ids the fetcher will not emit.
// thread-safe
type KnownIDs struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

// NewKnownIDs creates a set seeded with ids.
func NewKnownIDs(ids ...int64) *KnownIDs {
	k := &KnownIDs{ids: make(map[int64]struct{}, len(ids))}
	k.Add(ids...)
	return k
}

// Add merges ids into the set.
func (k *KnownIDs) Add(ids ...int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range ids {
		k.ids[id] = struct{}{}
	}
}

// Contains reports whether id is known.
func (k *KnownIDs) Contains(id int64) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.ids[id]
	return ok
}

// Len returns the number of known ids.
func (k *KnownIDs) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.ids)
}
