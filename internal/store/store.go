// Package store provides SQLite-backed persistence for build state:
// serialized tracker blobs and a file digest cache.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"loom/internal/cas"
)

var (
	// ErrStateNotFound is returned when no state blob exists for a key.
	ErrStateNotFound = errors.New("state not found")
	// ErrStateCorrupt is returned when a stored blob fails its
	// checksum.
	ErrStateCorrupt = errors.New("state corrupt")
)

// DB wraps the SQLite connection backing a project's .loom directory.
type DB struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS states (
	key TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	checksum TEXT NOT NULL,
	size INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS file_digests (
	path TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	digest TEXT NOT NULL
);
`

// Open opens or creates the state database under {baseDir}/.loom.
func Open(baseDir string) (*DB, error) {
	dir := filepath.Join(baseDir, ".loom")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=5000")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SaveState stores a serialized blob under a key, replacing any prior
// value.
func (db *DB) SaveState(key string, blob []byte) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO states (key, blob, checksum, size, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, blob, cas.Blake3HashHex(blob), len(blob), cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("saving state %q: %w", key, err)
	}
	return nil
}

// LoadState returns the blob stored under a key, verifying its
// checksum.
func (db *DB) LoadState(key string) ([]byte, error) {
	var blob []byte
	var checksum string
	err := db.conn.QueryRow(
		`SELECT blob, checksum FROM states WHERE key = ?`, key,
	).Scan(&blob, &checksum)
	if err == sql.ErrNoRows {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading state %q: %w", key, err)
	}

	if cas.Blake3HashHex(blob) != checksum {
		return nil, fmt.Errorf("%w: %q", ErrStateCorrupt, key)
	}
	return blob, nil
}

// DeleteState removes the blob stored under a key.
func (db *DB) DeleteState(key string) error {
	_, err := db.conn.Exec(`DELETE FROM states WHERE key = ?`, key)
	return err
}

// GetDigest returns the cached digest for a path if it matches the
// current stat. Returns empty string and nil error if not cached or
// stale.
func (db *DB) GetDigest(path string, info os.FileInfo) (string, error) {
	var cachedSize, cachedMtime int64
	var digest string
	err := db.conn.QueryRow(
		`SELECT size, mtime, digest FROM file_digests WHERE path = ?`, path,
	).Scan(&cachedSize, &cachedMtime, &digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if cachedSize == info.Size() && cachedMtime == info.ModTime().UnixNano() {
		return digest, nil
	}
	return "", nil
}

// GetOrCompute returns the digest for a file, recomputing and caching
// when the stat no longer matches.
func (db *DB) GetOrCompute(path string, info os.FileInfo, content []byte) (string, error) {
	if digest, err := db.GetDigest(path, info); err == nil && digest != "" {
		return digest, nil
	}

	digest := cas.Blake3HashHex(content)
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO file_digests (path, size, mtime, digest)
		 VALUES (?, ?, ?, ?)`,
		path, info.Size(), info.ModTime().UnixNano(), digest,
	)
	if err != nil {
		return "", fmt.Errorf("caching digest for %q: %w", path, err)
	}
	return digest, nil
}

// RemoveDigest drops a single digest cache entry.
func (db *DB) RemoveDigest(path string) error {
	_, err := db.conn.Exec(`DELETE FROM file_digests WHERE path = ?`, path)
	return err
}

// Stats reports row counts for inspection commands.
type Stats struct {
	States  int64
	Digests int64
}

func (db *DB) Stats() (*Stats, error) {
	var s Stats
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM states`).Scan(&s.States); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM file_digests`).Scan(&s.Digests); err != nil {
		return nil, err
	}
	return &s, nil
}
