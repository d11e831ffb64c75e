package cache

import (
	"errors"
	"time"

	"github.com/dgnsrekt/versecache/internal/ttypes"
)

// Common errors for cache operations
var (
	// ErrBackendWrite is returned when a backend fails to persist a payload.
	ErrBackendWrite = errors.New("backend write failed")

	// ErrKeyMismatch is returned when a key does not match the identity it
	// is stored under.
	ErrKeyMismatch = errors.New("cache key does not match identity")

	// ErrNoBackend is returned when no storage backend could be opened.
	ErrNoBackend = errors.New("no cache backend available")

	// ErrHandleReleased is returned when a released handle is read.
	ErrHandleReleased = errors.New("audio handle released")
)

// Backend is a durable key-addressed audio store. Implementations catch and
// log their own I/O failures: a missing or unreadable payload is a miss, not
// an error.
type Backend interface {
	// Name identifies the backend in logs and listings.
	Name() string

	// Has reports whether a payload exists without reading it.
	Has(key ttypes.CacheKey) bool

	// Get returns the stored payload, or false on a miss.
	Get(key ttypes.CacheKey) ([]byte, bool)

	// Put stores data under key and records it, replacing any prior
	// record for the same identity.
	Put(key ttypes.CacheKey, data []byte, id ttypes.AudioIdentity) error

	// Delete removes the payload and its record. Deleting a missing key
	// is not an error.
	Delete(key ttypes.CacheKey) error

	// TotalSizeBytes returns the sum of stored payload sizes.
	TotalSizeBytes() int64

	// ClearAll removes every payload and record.
	ClearAll() error

	// Records enumerates the stored records.
	Records() ([]ttypes.CacheRecord, error)

	// Close releases the backend's resources.
	Close() error
}

// Hit is a successful resolution.
type Hit struct {
	Key    ttypes.CacheKey
	Data   []byte
	Source string // Name of the backend that served the payload
}

// BackendSize is the size accounting of one backend.
type BackendSize struct {
	Name  string
	Bytes int64
	Count int
}

// Listing is a record together with the backends holding it.
type Listing struct {
	Record   ttypes.CacheRecord
	Backends []string
}

// ResolverStats holds resolver counters.
type ResolverStats struct {
	Hits          int64
	Misses        int64
	SourceHits    map[string]int64
	Writes        int64
	WriteFailures int64
	Evictions     int64
	CleanupRuns   int64
	LastCleanup   time.Time
}

// HitRate returns hits / (hits + misses).
func (s ResolverStats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// HandleStats holds handle table counters.
type HandleStats struct {
	Capacity  int64
	Size      int64
	Count     int
	Hits      int64
	Misses    int64
	Evictions int64
	Released  int64
}
