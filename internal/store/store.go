// Package store is the agent's persistent key/value state: the cached
// router session token and the operational status flags survive
// restarts in a small sqlite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known keys.
const (
	FlagConnected = "status.connected"
	FlagRecording = "status.recording"
	FlagEnabled   = "agent.enabled"

	keyToken   = "session.token"
	keyTokenAt = "session.token_at"
)

// Store is a sqlite-backed key/value store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key, value string) error {
	if _, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// SetFlag stores a boolean status flag.
func (s *Store) SetFlag(key string, v bool) error {
	if v {
		return s.Put(key, "1")
	}
	return s.Put(key, "0")
}

// Flag reads a boolean status flag; missing flags read as false.
func (s *Store) Flag(key string) bool {
	value, ok, err := s.Get(key)
	return err == nil && ok && value == "1"
}

// SaveToken caches a session token together with its acquisition time.
func (s *Store) SaveToken(token string) error {
	if err := s.Put(keyToken, token); err != nil {
		return err
	}
	return s.Put(keyTokenAt, time.Now().UTC().Format(time.RFC3339))
}

// CachedToken returns the cached session token if it is younger than
// ttl.
func (s *Store) CachedToken(ttl time.Duration) (string, bool) {
	token, ok, err := s.Get(keyToken)
	if err != nil || !ok || token == "" {
		return "", false
	}
	at, ok, err := s.Get(keyTokenAt)
	if err != nil || !ok {
		return "", false
	}
	acquired, err := time.Parse(time.RFC3339, at)
	if err != nil || time.Since(acquired) >= ttl {
		return "", false
	}
	return token, true
}

// InvalidateToken drops the cached session token, forcing the next
// capture attempt to re-authenticate.
func (s *Store) InvalidateToken() error {
	if err := s.Delete(keyToken); err != nil {
		return err
	}
	return s.Delete(keyTokenAt)
}
