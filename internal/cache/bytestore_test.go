package cache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/versecache/internal/ttypes"
)

func newTestByteStore(t *testing.T) *ByteStore {
	t.Helper()
	store, err := OpenByteStore(filepath.Join(t.TempDir(), "bytestore.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to open byte store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestByteStore_PutGet(t *testing.T) {
	store := newTestByteStore(t)
	id := ttypes.VerseIdentity("John", 3, 16, "v1")
	data := audioBytes(4096)

	if err := store.Put(id.Key(), data, id); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !store.Has(id.Key()) {
		t.Error("Has returned false after Put")
	}

	got, ok := store.Get(id.Key())
	if !ok {
		t.Fatal("Get missed after Put")
	}
	if !bytes.Equal(got, data) {
		t.Error("Payload mismatch")
	}

	// Each Get returns an independent copy.
	got[0] ^= 0xff
	again, _ := store.Get(id.Key())
	if again[0] != data[0] {
		t.Error("Mutating a returned buffer changed the stored payload")
	}
}

func TestByteStore_Enumeration(t *testing.T) {
	store := newTestByteStore(t)

	ids := []ttypes.AudioIdentity{
		ttypes.VerseIdentity("John", 3, 16, "v1"),
		ttypes.VerseIdentity("John", 3, 17, "v1"),
		ttypes.CommentaryIdentity("John", 3, 0, "brief", "v1"),
	}
	for i, id := range ids {
		if err := store.Put(id.Key(), audioBytes(10*(i+1)), id); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	records, err := store.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("Expected %d records, got %d", len(ids), len(records))
	}
	if store.TotalSizeBytes() != 60 {
		t.Errorf("TotalSizeBytes = %d, want 60", store.TotalSizeBytes())
	}

	if err := store.Delete(ids[0].Key()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Has(ids[0].Key()) {
		t.Error("Payload still present after Delete")
	}
	if store.TotalSizeBytes() != 50 {
		t.Errorf("TotalSizeBytes = %d after delete, want 50", store.TotalSizeBytes())
	}
}

func TestByteStore_ClearAllIdempotent(t *testing.T) {
	store := newTestByteStore(t)
	id := ttypes.VerseIdentity("John", 3, 16, "v1")

	if err := store.Put(id.Key(), []byte("audio"), id); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.ClearAll(); err != nil {
			t.Fatalf("ClearAll #%d failed: %v", i+1, err)
		}
		if store.TotalSizeBytes() != 0 {
			t.Errorf("TotalSizeBytes = %d after ClearAll", store.TotalSizeBytes())
		}
		if records, _ := store.Records(); len(records) != 0 {
			t.Errorf("Records not empty after ClearAll: %d", len(records))
		}
	}

	// Buckets are usable again.
	if err := store.Put(id.Key(), []byte("audio"), id); err != nil {
		t.Fatalf("Put after ClearAll failed: %v", err)
	}
}

func TestByteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bytestore.db")
	id := ttypes.VerseIdentity("Genesis", 1, 1, "alto")

	store, err := OpenByteStore(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put(id.Key(), []byte("let there be light"), id); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenByteStore(path, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Get(id.Key())
	if !ok || string(got) != "let there be light" {
		t.Errorf("Payload not persisted: ok=%v got=%q", ok, got)
	}
}
