package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveLoadState(t *testing.T) {
	db := setupTestDB(t)

	blob := []byte("serialized graph bytes")
	if err := db.SaveState("request-graph", blob); err != nil {
		t.Fatalf("saving state: %v", err)
	}

	loaded, err := db.LoadState("request-graph")
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if string(loaded) != string(blob) {
		t.Errorf("expected %q, got %q", blob, loaded)
	}
}

func TestSaveState_Replaces(t *testing.T) {
	db := setupTestDB(t)

	db.SaveState("k", []byte("old"))
	db.SaveState("k", []byte("new"))

	loaded, err := db.LoadState("k")
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded) != "new" {
		t.Errorf("expected replaced blob, got %q", loaded)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.States != 1 {
		t.Errorf("expected 1 state row, got %d", stats.States)
	}
}

func TestLoadState_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.LoadState("missing")
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestDeleteState(t *testing.T) {
	db := setupTestDB(t)

	db.SaveState("k", []byte("blob"))
	if err := db.DeleteState("k"); err != nil {
		t.Fatalf("deleting state: %v", err)
	}
	if _, err := db.LoadState("k"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound after delete, got %v", err)
	}
}

func TestDigestCacheHitAndInvalidation(t *testing.T) {
	db := setupTestDB(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	content := []byte("console.log(1)")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	digest1, err := db.GetOrCompute(path, info, content)
	if err != nil {
		t.Fatalf("computing digest: %v", err)
	}
	if digest1 == "" {
		t.Fatal("expected non-empty digest")
	}

	// Cache hit with matching stat.
	cached, err := db.GetDigest(path, info)
	if err != nil {
		t.Fatal(err)
	}
	if cached != digest1 {
		t.Errorf("expected cached digest %s, got %s", digest1, cached)
	}

	// Modify the file; the stale entry must miss.
	time.Sleep(10 * time.Millisecond)
	content2 := []byte("console.log(2) // changed")
	if err := os.WriteFile(path, content2, 0644); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	cached, err = db.GetDigest(path, info2)
	if err != nil {
		t.Fatal(err)
	}
	if cached != "" {
		t.Error("expected cache miss after file change")
	}

	digest2, err := db.GetOrCompute(path, info2, content2)
	if err != nil {
		t.Fatal(err)
	}
	if digest2 == digest1 {
		t.Error("expected different digest for different content")
	}
}

func TestRemoveDigest(t *testing.T) {
	db := setupTestDB(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	os.WriteFile(path, []byte("x"), 0644)
	info, _ := os.Stat(path)

	if _, err := db.GetOrCompute(path, info, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveDigest(path); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Digests != 0 {
		t.Errorf("expected 0 digest rows, got %d", stats.Digests)
	}
}
