// Package persistence is the durable, crash-safe checkpoint store for
// workflow and step state, over an embedded SQLite database. It owns the
// three-table schema described in SPEC_FULL.md §6.1 and is the sole source
// of truth the Workflow Engine consults on recovery.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/governedrun/workflowcore/infrastructure/persistence/migrations"
)

// Store wraps a *sql.DB configured for WAL journaling and serializes
// every state-changing operation through a single transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies the
// embedded schema migrations, and configures WAL journaling per §6.1. File
// permissions are tightened to 0600 after creation.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path must not be empty")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer; WAL still allows concurrent readers.

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Apply(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("chmod database file: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw access (e.g.
// health checks, metrics on open connections).
func (s *Store) DB() *sql.DB {
	return s.db
}
