package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migrations is the append-only list of schema migrations. The entry at
// index i moves the database from user_version i to i+1. Never edit an
// entry that has shipped; append a new one.
var migrations = []string{
	// v1: syncable tables and the pull cursor table. Every syncable table
	// carries the standard sync columns next to its domain columns.
	// Foreign-key references are advisory (no constraints): rows may arrive
	// from a pull before their referents do.
	`
	CREATE TABLE IF NOT EXISTS progress (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		position_secs INTEGER NOT NULL DEFAULT 0,
		duration_secs INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		needs_sync INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		starter_id TEXT NOT NULL,
		parent_id TEXT,
		episode_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		needs_sync INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		needs_sync INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS selections (
		id TEXT PRIMARY KEY,
		week_start TEXT NOT NULL,
		episode_id TEXT NOT NULL,
		rank INTEGER NOT NULL DEFAULT 0,
		theme TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		needs_sync INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		needs_sync INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);

	-- Last confirmed remote cursor per (entity, scope).
	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		cursor TEXT NOT NULL,
		PRIMARY KEY (entity, scope_key)
	);

	-- Indexed lookups by foreign-key columns and the dirty flag.
	CREATE INDEX IF NOT EXISTS idx_progress_episode ON progress(episode_id);
	CREATE INDEX IF NOT EXISTS idx_progress_user ON progress(user_id);
	CREATE INDEX IF NOT EXISTS idx_progress_dirty ON progress(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_comments_starter ON comments(starter_id);
	CREATE INDEX IF NOT EXISTS idx_comments_episode ON comments(episode_id);
	CREATE INDEX IF NOT EXISTS idx_comments_dirty ON comments(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_profiles_dirty ON profiles(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_selections_week ON selections(week_start);
	CREATE INDEX IF NOT EXISTS idx_selections_dirty ON selections(needs_sync);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_dirty ON notifications(needs_sync);
	`,
}

// SchemaVersion is the version a fully migrated database reports.
var SchemaVersion = len(migrations)

// Migrate applies any pending schema migrations. It is idempotent and safe
// to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.migrateLocked(ctx)
}

func (s *Store) migrateLocked(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", wrapCorruption(err))
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)",
			version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v+1, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, from int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", wrapCorruption(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrations[from]); err != nil {
		return wrapCorruption(err)
	}
	// PRAGMA cannot be parameterized.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", from+1)); err != nil {
		return wrapCorruption(err)
	}

	return tx.Commit()
}

// Version returns the current schema version of the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", wrapCorruption(err))
	}
	return version, nil
}

// Cursor returns the stored pull cursor for (entity, scopeKey), or the zero
// time when no pull has completed for that scope yet.
func (s *Store) Cursor(ctx context.Context, entity, scopeKey string) (time.Time, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		"SELECT cursor FROM sync_cursors WHERE entity = ? AND scope_key = ?",
		entity, scopeKey).Scan(&raw)
	if isNoRows(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor: %w", wrapCorruption(err))
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cursor %q: %w", raw, err)
	}
	return t, nil
}

// SetCursor stores the pull cursor for (entity, scopeKey).
func (s *Store) SetCursor(ctx context.Context, entity, scopeKey string, cursor time.Time) error {
	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity, scope_key, cursor) VALUES (?, ?, ?)
		ON CONFLICT(entity, scope_key) DO UPDATE SET cursor = excluded.cursor`,
			entity, scopeKey, cursor.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to store cursor: %w", wrapCorruption(err))
		}
		return nil
	})
}
