package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	bolt "go.etcd.io/bbolt"
)

// ByteStoreName is the backend name of the byte store.
const ByteStoreName = "bytestore"

// Bucket names
var (
	bucketAudio   = []byte("audio")
	bucketRecords = []byte("records")
)

// ByteStore is a Backend on a bbolt database. Payloads and records live in
// separate buckets under the same key, and both are written in one
// transaction so a record never exists without its payload.
type ByteStore struct {
	db   *bolt.DB
	path string
	log  *log.Logger
	now  func() time.Time
}

// OpenByteStore opens (or creates) the database at path.
func OpenByteStore(path string, logger *log.Logger) (*ByteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create byte store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, err
	}

	return &ByteStore{
		db:   db,
		path: path,
		log:  logger.WithPrefix("cache/bytestore"),
		now:  time.Now,
	}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, bucket := range [][]byte{bucketAudio, bucketRecords} {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// Name implements Backend.
func (s *ByteStore) Name() string {
	return ByteStoreName
}

// Path returns the database file path.
func (s *ByteStore) Path() string {
	return s.path
}

// Has reports whether a payload is stored for key.
func (s *ByteStore) Has(key ttypes.CacheKey) bool {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketAudio).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		s.log.Warn("Lookup failed", "key", key, "err", err)
		return false
	}
	return found
}

// Get returns a copy of the payload for key. Values returned by bbolt are
// only valid inside the transaction.
func (s *ByteStore) Get(key ttypes.CacheKey) ([]byte, bool) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketAudio).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("Read failed", "key", key, "err", err)
		return nil, false
	}
	return data, data != nil
}

// Put stores data and its record under key.
func (s *ByteStore) Put(key ttypes.CacheKey, data []byte, id ttypes.AudioIdentity) error {
	want, err := ttypes.DeriveKey(id)
	if err != nil {
		return err
	}
	if want != key {
		return fmt.Errorf("%w: %q vs %q", ErrKeyMismatch, key, want)
	}

	rec := ttypes.NewCacheRecord(key, id, string(key), int64(len(data)), s.now())
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendWrite, s.Name(), err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAudio).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Put([]byte(key), encoded)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendWrite, s.Name(), err)
	}
	return nil
}

// Delete removes the payload and record for key.
func (s *ByteStore) Delete(key ttypes.CacheKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAudio).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
}

// TotalSizeBytes sums the stored payload lengths.
func (s *ByteStore) TotalSizeBytes() int64 {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudio).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			total += int64(len(v))
		}
		return nil
	})
	if err != nil {
		s.log.Warn("Size scan failed", "err", err)
		return 0
	}
	return total
}

// ClearAll drops and recreates both buckets.
func (s *ByteStore) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAudio, bucketRecords} {
			if tx.Bucket(bucket) == nil {
				continue
			}
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
		}
		return createBuckets(tx)
	})
}

// Records enumerates the stored records. Records that fail to decode are
// skipped.
func (s *ByteStore) Records() ([]ttypes.CacheRecord, error) {
	var records []ttypes.CacheRecord
	skipped := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec ttypes.CacheRecord
			if err := json.Unmarshal(v, &rec); err != nil || !validRecord(rec) {
				skipped++
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate records: %w", err)
	}
	if skipped > 0 {
		s.log.Warn("Skipped invalid records", "count", skipped)
	}

	return records, nil
}

// Close closes the database.
func (s *ByteStore) Close() error {
	return s.db.Close()
}

var _ Backend = (*ByteStore)(nil)
