// Package db owns SQLite persistence for sessions and messages.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/harborlabs/harbor/internal/db/migrations"
	"github.com/harborlabs/harbor/internal/logging"
)

// Open creates a SQLite connection, runs migrations, and returns a Store.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; serialize all access
	// through a single connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Default().Debug("sqlite initialized", "path", path)
	return NewStore(sqlDB), nil
}

// Store wraps the raw connection shared by all persistence components.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store from an already-open connection.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB returns the underlying connection for sharing with other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
