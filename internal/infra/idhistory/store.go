// Package idhistory persists every client ID nsm66d has ever issued
// for a session root, in a SQLite database. It backs the extended
// ID-collision check described in SPEC_FULL.md 4.A′, which resolves
// spec.md §9's Open Question 1: the live record set alone is not
// enough when reopening a session whose manifest still references an
// ID that no client currently holds.
package idhistory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// DefaultPath is the default location of the ID history database,
// relative to the runtime directory (spec §6 "Filesystem layout").
const DefaultPath = "id_history.db"

// Store is a SQLite-backed client.History implementation.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the ID history database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create id history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open id history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS issued_ids (
			session_root TEXT NOT NULL,
			id           TEXT NOT NULL,
			PRIMARY KEY (session_root, id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init id history schema: %w", err)
	}

	log.Info().Str("path", path).Msg("id history database opened")
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Seen reports whether id has ever been recorded for sessionRoot.
func (s *Store) Seen(sessionRoot, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM issued_ids WHERE session_root = ? AND id = ?`,
		sessionRoot, id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query id history: %w", err)
	}
	return count > 0, nil
}

// Record persists that id has now been issued for sessionRoot.
func (s *Store) Record(sessionRoot, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO issued_ids (session_root, id) VALUES (?, ?)`,
		sessionRoot, id,
	)
	if err != nil {
		return fmt.Errorf("record issued id: %w", err)
	}
	return nil
}
