// Package local is the durable on-device record store.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, no CGO) in WAL
// mode with synchronous=FULL, so every write is on disk when the call returns
// and readers never block the single writer.
//
// Layout:
//   - records: one row per (owner, id), with an index on the synced flag so
//     the reconciliation engine can find pending work without decoding rows
//   - tombstones: authoritative ids deleted while offline, awaiting a remote delete
//   - reminders: notes keyed by record id, moved along when a record is rekeyed
//
// Every query is scoped by owner. Each operation is a single transaction, so
// operations on the same id are applied in a total order.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pocketledger/budget/internal/record"
)

// Store wraps the SQLite connection pool.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and migrates it to the latest
// schema version. The caller must call Close when done.
//
// Example:
//
//	store, err := local.Open(filepath.Join(home, ".budget", "budget.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with a context for the migration step.
func OpenContext(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(full)" +
		"&_txlock=immediate"

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}
	if err := s.MigrateContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageErr("close database", err)
	}
	s.conn = nil
	return nil
}

// storageErr wraps a driver error so that callers can match both
// record.ErrStorage and the underlying cause.
func storageErr(action string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", action, record.ErrStorage, err)
}

func (s *Store) withTx(ctx context.Context, action string, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(action, err)
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
