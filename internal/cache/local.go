package cache

import "sync"

// localTier is the bounded in-process cache tier. When capacity is
// exceeded, the oldest-created entries are evicted until back under
// capacity (approximate LRU by insertion time, not by last access).
type localTier struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*Entry
}

// DefaultLocalCapacity bounds the local tier when no capacity is configured.
const DefaultLocalCapacity = 1000

func newLocalTier(capacity int) *localTier {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	return &localTier{
		capacity: capacity,
		items:    make(map[string]*Entry, capacity),
	}
}

func (t *localTier) get(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[key]
	return e, ok
}

// recordHit bumps the entry's hit counter. Entries are shared across
// goroutines, so the counter only moves under the tier lock.
func (t *localTier) recordHit(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.items[key]; ok {
		e.Hits++
	}
}

// hits reads the entry's hit counter under the tier lock.
func (t *localTier) hits(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.items[key]; ok {
		return e.Hits
	}
	return 0
}

func (t *localTier) put(key string, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items[key] = e

	for len(t.items) > t.capacity {
		t.evictOldestLocked()
	}
}

func (t *localTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *localTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// evictOldestLocked removes the entry with the earliest CreatedAt.
// Callers must hold the mutex.
func (t *localTier) evictOldestLocked() {
	var oldestKey string
	var oldest *Entry
	for k, e := range t.items {
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(t.items, oldestKey)
	}
}
