// Package store is the SQLite-backed implementation of
// elements.ElementAPI and elements.InboxService.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/store/migrations"
)

var (
	_ elements.ElementAPI   = (*Store)(nil)
	_ elements.InboxService = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx, so read helpers used
// inside a read-modify-write sequence can run against either a bare
// connection or an in-flight transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a single-connection SQLite-backed element store. All access is
// serialized through one *sql.DB connection (SetMaxOpenConns(1)) — SQLite
// does not tolerate concurrent writers, and the daemon's single-logical-
// thread cycle model means there is never a reason to pool connections.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open creates (if needed) and opens the SQLite database at path, runs
// pending migrations, and returns a ready Store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	logging.Infof("store: sqlite database ready at %s", path)
	return &Store{db: db, clock: clock.System{}}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion reports the applied goose migration version, for the
// doctor command's diagnostics.
func (s *Store) SchemaVersion() (int64, error) {
	return migrations.Version(s.db)
}
