// Package store provides the durable on-device store backing the sync
// engine.
//
// The store is an embedded SQLite database opened in WAL mode for
// concurrent reads. Every syncable table carries the standard sync columns
// (created_at, updated_at, synced_at, needs_sync, deleted_at) next to its
// domain columns. Writes are transactional and serialized through a single
// writer; readers observe either the pre- or post-state of a transaction,
// never an intermediate state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection and serializes write transactions.
type Store struct {
	conn *sql.DB
	path string

	// writeMu enforces the single-writer discipline. SQLite would serialize
	// writers anyway, but taking the lock up front keeps transactions from
	// ever contending on SQLITE_BUSY.
	writeMu sync.Mutex
}

// Open creates or opens the database at the given path.
//
// The parent directory is created if missing. WAL mode and a busy timeout
// are applied so that reads stay concurrent with the committing writer.
// The caller must Close the store when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "localsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", wrapCorruption(err))
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, wrapCorruption(err))
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection for integration with
// tooling that expects one (export, tests).
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Reset discards the database file and reopens a fresh, migrated store.
//
// This is the recovery path for CorruptionError: after Reset the caller
// reseeds from a JSONL backup or a full pull. All local unsynced changes
// are lost.
func (s *Store) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", s.path+suffix, err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping reopened database: %w", err)
	}
	s.conn = conn

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s.migrateLocked(ctx)
}

// inWriteTx runs fn inside the single write transaction. The transaction is
// rolled back unless fn returns nil.
func (s *Store) inWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", wrapCorruption(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", wrapCorruption(err))
	}
	return nil
}
