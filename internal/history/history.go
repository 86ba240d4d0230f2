// Package history provides SQLite-based persistence for the chat state.
// Values are opaque blobs keyed by name. If opening the DB or executing
// queries fails, the store falls back to in-memory storage.
package history

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/weathergpt-go/internal/logger"
)

// Store is a key/value table in SQLite with an in-memory mirror.
type Store struct {
	mu     sync.Mutex
	values map[string][]byte // in-memory fallback

	db *sql.DB
}

// Open opens (or creates) the database at path. It never fails: when the
// database is unusable the store keeps everything in memory.
func Open(path string) *Store {
	s := &Store{values: map[string][]byte{}}
	if path == "" {
		logger.L.Info("no history path configured; using in-memory history")
		return s
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		_ = db.Close()
		return s
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized", "path", path)
	return s
}

// Persistent reports whether values reach disk.
func (s *Store) Persistent() bool { return s.db != nil }

// Get returns the value for key. Values written during this process are
// served from memory; anything else is read from SQLite.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	v, ok := s.values[key]
	s.mu.Unlock()
	if ok || s.db == nil {
		return v, ok, nil
	}

	var out []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?;`, key).Scan(&out)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Put stores value under key in SQLite when available and always keeps an
// in-memory copy as fallback.
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	s.values[key] = append([]byte(nil), value...)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`, key, value)
	if err != nil {
		logger.L.Error("failed to store value in sqlite; kept in memory", "key", key, "error", err)
	}
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
