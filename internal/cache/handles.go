package cache

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/versecache/internal/ttypes"
)

// Handle is a process-local reference to a resolved audio buffer. Once
// released its bytes are dropped and reads fail with ErrHandleReleased.
type Handle struct {
	key ttypes.CacheKey

	mu       sync.RWMutex
	data     []byte
	released bool
}

// NewHandle wraps data for key. The handle owns data from then on.
func NewHandle(key ttypes.CacheKey, data []byte) *Handle {
	return &Handle{key: key, data: data}
}

// Key returns the cache key the handle was created for.
func (h *Handle) Key() ttypes.CacheKey {
	return h.key
}

// Bytes returns the audio buffer.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.released {
		return nil, ErrHandleReleased
	}
	return h.data, nil
}

// Len returns the buffer length, or 0 after release.
func (h *Handle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.data)
}

// Reader returns a seekable reader over the buffer.
func (h *Handle) Reader() (io.ReadSeeker, error) {
	data, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Release drops the buffer. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.released = true
	h.data = nil
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.released
}

// handleEntry is a table slot; lastUse is bumped on reads under the shared
// lock so that lookups never need exclusive access.
type handleEntry struct {
	handle  *Handle
	size    int64
	lastUse atomic.Int64
}

// HandleTable maps cache keys to handles created in this process. With a
// positive capacity it forgets least recently used handles once the summed
// buffer size exceeds it. Only Release, ReleaseAll and replacement release
// a handle.
type HandleTable struct {
	capacity int64 // Maximum size in bytes, 0 for unbounded

	mu    sync.RWMutex
	items map[ttypes.CacheKey]*handleEntry
	size  int64

	clock atomic.Int64

	// Metrics
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	released  atomic.Int64
}

// NewHandleTable creates a table with the given byte budget.
func NewHandleTable(capacity int64) *HandleTable {
	if capacity < 0 {
		capacity = 0
	}
	return &HandleTable{
		capacity: capacity,
		items:    make(map[ttypes.CacheKey]*handleEntry),
	}
}

// Register stores h under key. A different handle already registered for
// key is released.
func (t *HandleTable) Register(key ttypes.CacheKey, h *Handle) {
	if h == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.registerLocked(key, h)
}

// LoadOrRegister returns the live handle already registered for key, or
// registers h and returns it. Concurrent loaders of one key end up sharing
// a handle instead of releasing each other's.
func (t *HandleTable) LoadOrRegister(key ttypes.CacheKey, h *Handle) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.items[key]; ok && !entry.handle.Released() {
		entry.lastUse.Store(t.clock.Add(1))
		return entry.handle
	}
	if h != nil {
		t.registerLocked(key, h)
	}
	return h
}

// Get returns the live handle for key.
func (t *HandleTable) Get(key ttypes.CacheKey) (*Handle, bool) {
	t.mu.RLock()
	entry, ok := t.items[key]
	t.mu.RUnlock()

	if !ok || entry.handle.Released() {
		t.misses.Add(1)
		return nil, false
	}

	entry.lastUse.Store(t.clock.Add(1))
	t.hits.Add(1)
	return entry.handle, true
}

// Release releases and forgets the handle for key.
func (t *HandleTable) Release(key ttypes.CacheKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.items[key]; ok {
		t.removeEntry(key, entry)
	}
}

// ReleaseAll releases every handle and empties the table.
func (t *HandleTable) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.items {
		t.removeEntry(key, entry)
	}
}

// Len returns the number of registered handles.
func (t *HandleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.items)
}

// Size returns the summed buffer size of the registered handles.
func (t *HandleTable) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.size
}

// Stats returns table statistics.
func (t *HandleTable) Stats() HandleStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return HandleStats{
		Capacity:  t.capacity,
		Size:      t.size,
		Count:     len(t.items),
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Evictions: t.evictions.Load(),
		Released:  t.released.Load(),
	}
}

// registerLocked stores h under key (must be called with lock held).
func (t *HandleTable) registerLocked(key ttypes.CacheKey, h *Handle) {
	if prev, ok := t.items[key]; ok {
		if prev.handle == h {
			prev.lastUse.Store(t.clock.Add(1))
			return
		}
		t.removeEntry(key, prev)
	}

	entry := &handleEntry{handle: h, size: int64(h.Len())}
	entry.lastUse.Store(t.clock.Add(1))

	if t.capacity > 0 {
		for t.size+entry.size > t.capacity && len(t.items) > 0 {
			t.evictOldest()
		}
	}

	t.items[key] = entry
	t.size += entry.size
}

// evictOldest forgets the least recently used handle (must be called with
// lock held). The handle is not released: callers still holding it keep
// reading its bytes, and the buffer is freed once they drop it.
func (t *HandleTable) evictOldest() {
	var (
		oldestKey   ttypes.CacheKey
		oldestEntry *handleEntry
	)
	for key, entry := range t.items {
		if oldestEntry == nil || entry.lastUse.Load() < oldestEntry.lastUse.Load() {
			oldestKey, oldestEntry = key, entry
		}
	}
	if oldestEntry != nil {
		delete(t.items, oldestKey)
		t.size -= oldestEntry.size
		t.evictions.Add(1)
	}
}

// removeEntry releases and deletes an entry (must be called with lock held).
func (t *HandleTable) removeEntry(key ttypes.CacheKey, entry *handleEntry) {
	delete(t.items, key)
	t.size -= entry.size
	entry.handle.Release()
	t.released.Add(1)
}
