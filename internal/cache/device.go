package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/spf13/afero"
)

const (
	// DeviceStoreName is the backend name of the device store.
	DeviceStoreName = "device"

	manifestFile = "manifest.json"
)

// DeviceOptions configures a DeviceStore.
type DeviceOptions struct {
	// Fs is the filesystem to store on. Defaults to the OS filesystem.
	Fs afero.Fs

	// Dir is the dedicated cache subdirectory.
	Dir string

	// Encoding is applied to new payloads. Existing payloads are decoded
	// with the encoding recorded in the manifest.
	Encoding ttypes.Encoding

	// CompressionLevel is the zstd level (1-22, default 3).
	CompressionLevel int

	Logger *log.Logger
}

// DeviceStore stores one file per audio unit in a dedicated directory and
// keeps the set of records in a JSON manifest next to them. The manifest is
// rewritten wholesale on every Put and Delete; those read-modify-write
// cycles are serialized by mu while payload files are written in parallel.
type DeviceStore struct {
	fs           afero.Fs
	dir          string
	manifestPath string
	encoding     ttypes.Encoding
	codec        *payloadCodec
	log          *log.Logger
	now          func() time.Time

	// mu guards the manifest file and index.
	mu sync.Mutex

	// index mirrors the manifest for lookups on the read path.
	index map[ttypes.CacheKey]ttypes.CacheRecord

	closeOnce sync.Once
}

// NewDeviceStore creates a device store, creating its directory if needed.
func NewDeviceStore(opts DeviceOptions) (*DeviceStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("device store directory is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	enc, err := ttypes.ParseEncoding(string(opts.Encoding))
	if err != nil {
		return nil, err
	}

	codec, err := newPayloadCodec(opts.CompressionLevel)
	if err != nil {
		return nil, err
	}

	ds := &DeviceStore{
		fs:           opts.Fs,
		dir:          opts.Dir,
		manifestPath: filepath.Join(opts.Dir, manifestFile),
		encoding:     enc,
		codec:        codec,
		log:          opts.Logger.WithPrefix("cache/device"),
		now:          time.Now,
		index:        make(map[ttypes.CacheKey]ttypes.CacheRecord),
	}

	if err := ds.ensureDir(); err != nil {
		codec.close()
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	ds.mu.Lock()
	ds.reindex(ds.loadManifest())
	ds.mu.Unlock()

	return ds, nil
}

// Name implements Backend.
func (ds *DeviceStore) Name() string {
	return DeviceStoreName
}

// Dir returns the store directory.
func (ds *DeviceStore) Dir() string {
	return ds.dir
}

// Has reports whether the payload file exists.
func (ds *DeviceStore) Has(key ttypes.CacheKey) bool {
	_, err := ds.fs.Stat(ds.payloadPath(key))
	return err == nil
}

// Get reads and decodes the payload for key.
func (ds *DeviceStore) Get(key ttypes.CacheKey) ([]byte, bool) {
	path := ds.payloadPath(key)
	stored, err := afero.ReadFile(ds.fs, path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ds.log.Warn("Payload unreadable", "key", key, "err", err)
		}
		return nil, false
	}

	ds.mu.Lock()
	rec, ok := ds.index[key]
	ds.mu.Unlock()

	enc := rec.Encoding
	if !ok || enc == "" {
		enc = sniffEncoding(stored, ds.encoding)
	}

	data, err := ds.codec.decode(enc, stored)
	if err != nil {
		ds.log.Warn("Payload corrupted, removing", "key", key, "encoding", enc, "err", err)
		_ = ds.Delete(key)
		return nil, false
	}
	return data, true
}

// Put writes the payload for id and records it in the manifest.
func (ds *DeviceStore) Put(key ttypes.CacheKey, data []byte, id ttypes.AudioIdentity) error {
	want, err := ttypes.DeriveKey(id)
	if err != nil {
		return err
	}
	if want != key {
		return fmt.Errorf("%w: %q vs %q", ErrKeyMismatch, key, want)
	}

	stored, err := ds.codec.encode(ds.encoding, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendWrite, ds.Name(), err)
	}

	if err := ds.ensureDir(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendWrite, ds.Name(), err)
	}

	path := ds.payloadPath(key)
	if err := ds.writeFile(path, stored); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendWrite, ds.Name(), err)
	}

	rec := ttypes.NewCacheRecord(key, id, ttypes.FileName(key), int64(len(data)), ds.now())
	rec.Encoding = ds.encoding

	ds.mu.Lock()
	defer ds.mu.Unlock()

	// A Delete that ran since the write has already removed the payload.
	if _, err := ds.fs.Stat(path); err != nil {
		ds.log.Debug("Payload removed before it was recorded", "key", key, "err", err)
		return nil
	}

	records := ds.loadManifest()
	kept := records[:0]
	for _, r := range records {
		if r.Key == key || r.Identity().Equal(id) {
			continue
		}
		kept = append(kept, r)
	}
	kept = append(kept, rec)

	if err := ds.saveManifest(kept); err != nil {
		return fmt.Errorf("%w: %s manifest: %v", ErrBackendWrite, ds.Name(), err)
	}
	ds.reindex(kept)

	return nil
}

// Delete removes the payload file and its manifest record.
func (ds *DeviceStore) Delete(key ttypes.CacheKey) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.fs.Remove(ds.payloadPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove payload: %w", err)
	}

	records := ds.loadManifest()
	kept := records[:0]
	removed := false
	for _, r := range records {
		if r.Key == key {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return nil
	}

	if err := ds.saveManifest(kept); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	ds.reindex(kept)

	return nil
}

// TotalSizeBytes returns the summed decoded size of the manifest records.
func (ds *DeviceStore) TotalSizeBytes() int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var total int64
	for _, r := range ds.loadManifest() {
		total += r.SizeBytes
	}
	return total
}

// ClearAll removes the store directory and recreates it empty.
func (ds *DeviceStore) ClearAll() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.fs.RemoveAll(ds.dir); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	ds.index = make(map[ttypes.CacheKey]ttypes.CacheRecord)

	if err := ds.ensureDir(); err != nil {
		return fmt.Errorf("failed to recreate cache directory: %w", err)
	}
	return nil
}

// Records returns the manifest records.
func (ds *DeviceStore) Records() ([]ttypes.CacheRecord, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.loadManifest(), nil
}

// Close releases the codec. The store holds no open files.
func (ds *DeviceStore) Close() error {
	ds.closeOnce.Do(ds.codec.close)
	return nil
}

// Private helper methods

func (ds *DeviceStore) payloadPath(key ttypes.CacheKey) string {
	return filepath.Join(ds.dir, ttypes.FileName(key))
}

// ensureDir creates the store directory. An existing directory is not an
// error.
func (ds *DeviceStore) ensureDir() error {
	err := ds.fs.MkdirAll(ds.dir, 0o755)
	if err == nil {
		return nil
	}
	if info, statErr := ds.fs.Stat(ds.dir); statErr == nil && info.IsDir() {
		return nil
	}
	return err
}

// writeFile writes to a temp file in the same directory and renames it
// over path.
func (ds *DeviceStore) writeFile(path string, data []byte) error {
	tmp, err := afero.TempFile(ds.fs, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	closeErr := tmp.Close()

	if err != nil {
		_ = ds.fs.Remove(tmpPath)
		return err
	}
	if closeErr != nil {
		_ = ds.fs.Remove(tmpPath)
		return closeErr
	}

	if err := ds.fs.Rename(tmpPath, path); err != nil {
		_ = ds.fs.Remove(tmpPath)
		return err
	}
	return nil
}

// loadManifest reads the manifest (must be called with lock held). A
// missing or unparseable manifest yields an empty set; entries that fail
// validation are skipped.
func (ds *DeviceStore) loadManifest() []ttypes.CacheRecord {
	data, err := afero.ReadFile(ds.fs, ds.manifestPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ds.log.Warn("Manifest unreadable, treating as empty", "path", ds.manifestPath, "err", err)
		}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		ds.log.Warn("Manifest corrupted, treating as empty", "path", ds.manifestPath, "err", err)
		return nil
	}

	records := make([]ttypes.CacheRecord, 0, len(raw))
	skipped := 0
	for _, entry := range raw {
		var rec ttypes.CacheRecord
		if err := json.Unmarshal(entry, &rec); err != nil || !validRecord(rec) {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if skipped > 0 {
		ds.log.Warn("Skipped invalid manifest entries", "count", skipped)
	}

	return records
}

// saveManifest rewrites the manifest (must be called with lock held).
func (ds *DeviceStore) saveManifest(records []ttypes.CacheRecord) error {
	if records == nil {
		records = []ttypes.CacheRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return ds.writeFile(ds.manifestPath, data)
}

// reindex replaces the in-memory index (must be called with lock held).
func (ds *DeviceStore) reindex(records []ttypes.CacheRecord) {
	ds.index = make(map[ttypes.CacheKey]ttypes.CacheRecord, len(records))
	for _, r := range records {
		ds.index[r.Key] = r
	}
}

func validRecord(rec ttypes.CacheRecord) bool {
	if rec.Key == "" || rec.StoragePath == "" || rec.SizeBytes < 0 {
		return false
	}
	key, err := ttypes.DeriveKey(rec.Identity())
	return err == nil && key == rec.Key
}

var _ Backend = (*DeviceStore)(nil)
