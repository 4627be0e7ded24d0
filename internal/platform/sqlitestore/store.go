// Package sqlitestore persists JSON snapshots of in-memory state into a single
// SQLite table. Memory-backed repositories call Save after every committed
// transaction and Load once at start-up.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store wraps the SQLite handle.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates (or reuses) the database at path. ":memory:" keeps the data in
// process for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "vaxinv.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("platform/sqlitestore: create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("platform/sqlitestore: open: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("platform/sqlitestore: create state table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Load decodes the named bucket into target. It reports false when the bucket
// has never been saved.
func (s *Store) Load(bucket string, target any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, bucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("platform/sqlitestore: select %s: %w", bucket, err)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return false, fmt.Errorf("platform/sqlitestore: decode %s: %w", bucket, err)
	}
	return true, nil
}

// Save writes every bucket in one SQLite transaction.
func (s *Store) Save(buckets map[string]any) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("platform/sqlitestore: begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for bucket, value := range buckets {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("platform/sqlitestore: encode %s: %w", bucket, err)
		}
		if _, err := tx.Exec(`INSERT INTO state (bucket, payload) VALUES (?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("platform/sqlitestore: upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("platform/sqlitestore: commit: %w", err)
	}
	return nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
