// Package store persists the local inventory: which images were built,
// where their artifacts live, and which daemon sessions serve them.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"rafsctl/internal/config"
)

// Store manages inventory persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the inventory database at the configured path, creating
// the workspace layout and the schema on first use.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	store := &Store{path: cfg.Paths.DatabasePath}
	db, err := sql.Open("sqlite", store.path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store.db = db

	if err := store.prepare(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// prepare applies connection pragmas and brings the schema up. WAL keeps
// concurrent mount and status invocations from tripping over each other.
func (s *Store) prepare(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return s.initSchema(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path reports the database file location.
func (s *Store) Path() string {
	return s.path
}
