package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"golang.org/x/sync/errgroup"
)

// Resolver reads the opened backends in fallback order and writes new audio
// through to all of them.
type Resolver struct {
	backends []Backend
	log      *log.Logger
	now      func() time.Time

	// Cleanup goroutine control
	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup
	cleanupOnce sync.Once

	// Metrics
	mu    sync.Mutex
	stats ResolverStats
}

// CleanupPolicy configures the background cleanup loop.
type CleanupPolicy struct {
	Interval time.Duration
	MaxAge   time.Duration // Zero disables age pruning
	MaxBytes int64         // Zero disables the size cap
}

// NewResolver creates a resolver over backends, queried in the given order.
func NewResolver(logger *log.Logger, backends ...Backend) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		backends:    backends,
		log:         logger.WithPrefix("cache"),
		now:         time.Now,
		cleanupStop: make(chan struct{}),
		stats: ResolverStats{
			SourceHits: make(map[string]int64),
		},
	}
}

// Backends returns the names of the opened backends in fallback order.
func (r *Resolver) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Resolve returns the stored audio for id from the first backend that has
// it. An identity that cannot be keyed resolves as a miss.
func (r *Resolver) Resolve(id ttypes.AudioIdentity) (Hit, bool) {
	key, err := ttypes.DeriveKey(id)
	if err != nil {
		r.log.Warn("Unresolvable identity", "identity", id, "err", err)
		r.countMiss()
		return Hit{}, false
	}
	return r.ResolveKey(key)
}

// ResolveKey is Resolve for an already derived key.
func (r *Resolver) ResolveKey(key ttypes.CacheKey) (Hit, bool) {
	for _, b := range r.backends {
		data, ok := b.Get(key)
		if !ok {
			continue
		}

		r.mu.Lock()
		r.stats.Hits++
		r.stats.SourceHits[b.Name()]++
		r.mu.Unlock()

		r.log.Debug("Cache hit", "key", key, "source", b.Name(), "bytes", len(data))
		return Hit{Key: key, Data: data, Source: b.Name()}, true
	}

	r.countMiss()
	return Hit{}, false
}

// Has reports whether any backend holds key without reading the payload.
func (r *Resolver) Has(key ttypes.CacheKey) bool {
	for _, b := range r.backends {
		if b.Has(key) {
			return true
		}
	}
	return false
}

// WriteThrough stores data for id in every backend concurrently. A failing
// backend is logged and does not stop the others; an error is returned only
// when no backend stored the payload.
func (r *Resolver) WriteThrough(id ttypes.AudioIdentity, data []byte) error {
	key, err := ttypes.DeriveKey(id)
	if err != nil {
		return err
	}
	if len(r.backends) == 0 {
		return ErrNoBackend
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, b := range r.backends {
		g.Go(func() error {
			if err := b.Put(key, data, id); err != nil {
				r.log.Warn("Backend write failed", "backend", b.Name(), "key", key, "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.stats.Writes++
	r.stats.WriteFailures += int64(len(errs))
	r.mu.Unlock()

	if len(errs) == len(r.backends) {
		return errors.Join(errs...)
	}
	return nil
}

// Delete removes key from every backend.
func (r *Resolver) Delete(key ttypes.CacheKey) error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("%s delete: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ClearAll empties every backend. It is idempotent.
func (r *Resolver) ClearAll() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.ClearAll(); err != nil {
			errs = append(errs, fmt.Errorf("%s clear: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Sizes returns the size accounting of each backend.
func (r *Resolver) Sizes() []BackendSize {
	sizes := make([]BackendSize, 0, len(r.backends))
	for _, b := range r.backends {
		size := BackendSize{Name: b.Name(), Bytes: b.TotalSizeBytes()}
		if records, err := b.Records(); err == nil {
			size.Count = len(records)
		}
		sizes = append(sizes, size)
	}
	return sizes
}

// TotalSizeBytes returns the bytes stored across all backends.
func (r *Resolver) TotalSizeBytes() int64 {
	var total int64
	for _, b := range r.backends {
		total += b.TotalSizeBytes()
	}
	return total
}

// Listings merges the records of every backend by key, sorted by key.
func (r *Resolver) Listings() ([]Listing, error) {
	byKey := make(map[ttypes.CacheKey]*Listing)
	var errs []error

	for _, b := range r.backends {
		records, err := b.Records()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s records: %w", b.Name(), err))
			continue
		}
		for _, rec := range records {
			l, ok := byKey[rec.Key]
			if !ok {
				l = &Listing{Record: rec}
				byKey[rec.Key] = l
			}
			l.Backends = append(l.Backends, b.Name())
		}
	}

	listings := make([]Listing, 0, len(byKey))
	for _, l := range byKey {
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].Record.Key < listings[j].Record.Key
	})

	return listings, errors.Join(errs...)
}

// Prune removes every unit saved longer than maxAge ago and returns the
// number of keys removed.
func (r *Resolver) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	listings, err := r.Listings()
	if err != nil && len(listings) == 0 {
		return 0, err
	}

	cutoff := r.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, l := range listings {
		if !l.Record.SavedAt().Before(cutoff) {
			continue
		}
		if err := r.Delete(l.Record.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.log.Info("Pruned expired audio", "removed", removed, "max_age", maxAge)
		r.mu.Lock()
		r.stats.Evictions += int64(removed)
		r.mu.Unlock()
	}

	return removed, errors.Join(errs...)
}

// EnforceLimit evicts the oldest units until every backend holds at most
// 90% of maxBytes. It returns the number of keys removed.
func (r *Resolver) EnforceLimit(maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	used := make(map[string]int64, len(r.backends))
	over := false
	for _, b := range r.backends {
		used[b.Name()] = b.TotalSizeBytes()
		if used[b.Name()] > maxBytes {
			over = true
		}
	}
	if !over {
		return 0, nil
	}

	listings, err := r.Listings()
	if err != nil && len(listings) == 0 {
		return 0, err
	}
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].Record.SavedAtEpochMillis < listings[j].Record.SavedAtEpochMillis
	})

	target := maxBytes * 9 / 10
	removed := 0
	var errs []error
	for _, l := range listings {
		if !anyAbove(used, target) {
			break
		}
		if err := r.Delete(l.Record.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, name := range l.Backends {
			used[name] -= l.Record.SizeBytes
		}
		removed++
	}

	if removed > 0 {
		r.log.Info("Evicted audio over size limit", "removed", removed, "limit", maxBytes)
		r.mu.Lock()
		r.stats.Evictions += int64(removed)
		r.mu.Unlock()
	}

	return removed, errors.Join(errs...)
}

func anyAbove(used map[string]int64, limit int64) bool {
	for _, n := range used {
		if n > limit {
			return true
		}
	}
	return false
}

// StartCleanup runs Prune and EnforceLimit every policy.Interval until
// Close. It does nothing when the interval is not positive.
func (r *Resolver) StartCleanup(policy CleanupPolicy) {
	if policy.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(policy.Interval)
	r.cleanupWg.Add(1)

	go func() {
		defer r.cleanupWg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.performCleanup(policy)
			case <-r.cleanupStop:
				return
			}
		}
	}()
}

// performCleanup performs one cleanup pass.
func (r *Resolver) performCleanup(policy CleanupPolicy) {
	r.mu.Lock()
	r.stats.CleanupRuns++
	r.stats.LastCleanup = r.now()
	r.mu.Unlock()

	if _, err := r.Prune(policy.MaxAge); err != nil {
		r.log.Warn("Prune failed", "err", err)
	}
	if _, err := r.EnforceLimit(policy.MaxBytes); err != nil {
		r.log.Warn("Size limit enforcement failed", "err", err)
	}
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() ResolverStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.SourceHits = make(map[string]int64, len(r.stats.SourceHits))
	for name, n := range r.stats.SourceHits {
		stats.SourceHits[name] = n
	}
	return stats
}

// Close stops the cleanup loop and closes every backend.
func (r *Resolver) Close() error {
	r.cleanupOnce.Do(func() {
		close(r.cleanupStop)
	})
	r.cleanupWg.Wait()

	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) countMiss() {
	r.mu.Lock()
	r.stats.Misses++
	r.mu.Unlock()
}
