package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/heardly/localsync/internal/record"
)

// metaColumns are the standard sync columns appended to every syncable
// table, in the order every query selects and binds them.
var metaColumns = []string{"created_at", "updated_at", "synced_at", "needs_sync", "deleted_at"}

// RowScanner is the subset of sql.Row/sql.Rows the table codecs scan from.
type RowScanner interface {
	Scan(dest ...any) error
}

// Table describes how one entity type maps onto its SQLite table. The
// generic store operations (Create, Put, Get, List, Dirty) work through
// this descriptor; the per-entity codecs live in tables.go.
type Table[T record.Syncable] struct {
	// Name is the SQL table name, also used as the remote collection name.
	Name string

	// Columns are the domain columns after id, in bind order.
	Columns []string

	// ScopeColumn is the column pull/push scopes filter on (e.g.
	// episode_id for progress, starter_id for comments). Empty means the
	// entity syncs as a single global scope.
	ScopeColumn string

	// New returns an empty record, used when decoding pulled documents.
	New func() T

	// Bind returns driver-ready values for Columns, in order.
	Bind func(rec T) []any

	// Scan reads one full row (id, Columns..., meta columns) into a record.
	Scan func(row RowScanner) (T, error)
}

// ScopeKeyOf extracts the record's scope key through the descriptor.
// Tables without a scope column report the empty (global) scope.
func ScopeKeyOf[T record.Syncable](tbl Table[T], rec T) string {
	if tbl.ScopeColumn == "" {
		return ""
	}
	vals := tbl.Bind(rec)
	for i, col := range tbl.Columns {
		if col == tbl.ScopeColumn {
			if s, ok := vals[i].(string); ok {
				return s
			}
			return fmt.Sprint(vals[i])
		}
	}
	return ""
}

// selectList returns the full projection for this table.
func (t Table[T]) selectList() string {
	cols := append([]string{"id"}, t.Columns...)
	cols = append(cols, metaColumns...)
	return strings.Join(cols, ", ")
}

// bindAll returns the values for a full-row insert: id, domain columns,
// then sync metadata.
func bindAll[T record.Syncable](tbl Table[T], rec T) []any {
	m := rec.SyncMeta()
	vals := append([]any{rec.RecordID()}, tbl.Bind(rec)...)
	return append(vals,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		timeToNull(m.SyncedAt),
		boolToInt(m.NeedsSync),
		timeToNull(m.DeletedAt),
	)
}

// Create inserts a new record. A duplicate id or invalid record returns a
// ValidationError and persists nothing.
func Create[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], rec T) error {
	if err := rec.Validate(); err != nil {
		return &ValidationError{Table: tbl.Name, ID: rec.RecordID(), Err: err}
	}

	cols := append([]string{"id"}, tbl.Columns...)
	cols = append(cols, metaColumns...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tbl.Name, strings.Join(cols, ", "), placeholders(len(cols)))

	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, bindAll(tbl, rec)...); err != nil {
			if isUniqueViolation(err) {
				return &ValidationError{Table: tbl.Name, ID: rec.RecordID(), Reason: "duplicate id", Err: err}
			}
			return fmt.Errorf("failed to insert %s record: %w", tbl.Name, wrapCorruption(err))
		}
		return nil
	})
}

// Put upserts a record, replacing all fields and sync metadata atomically.
func Put[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], rec T) error {
	return PutBatch(ctx, s, tbl, []T{rec})
}

// PutBatch upserts records inside one transaction. Either every record
// applies or none does; a validation failure aborts the whole batch.
func PutBatch[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], recs []T) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return &ValidationError{Table: tbl.Name, ID: rec.RecordID(), Err: err}
		}
	}

	cols := append([]string{"id"}, tbl.Columns...)
	cols = append(cols, metaColumns...)
	var sets []string
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		tbl.Name, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if _, err := tx.ExecContext(ctx, query, bindAll(tbl, rec)...); err != nil {
				return fmt.Errorf("failed to upsert %s record %s: %w",
					tbl.Name, rec.RecordID(), wrapCorruption(err))
			}
		}
		return nil
	})
}

// MergeBatch upserts remote records under last-write-wins inside one
// transaction. A record applies when the local row is absent or clean;
// against a dirty local row it applies only when strictly newer, so a
// pending local edit survives timestamp ties. The comparison runs inside
// the write transaction: a local mutation that commits after the caller
// fetched the remote batch can never be overwritten by an older remote
// copy. Returns the ids that applied, in batch order.
func MergeBatch[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], recs []T) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return nil, &ValidationError{Table: tbl.Name, ID: rec.RecordID(), Err: err}
		}
	}

	cols := append([]string{"id"}, tbl.Columns...)
	cols = append(cols, metaColumns...)
	var sets []string
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	upsert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		tbl.Name, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
	check := fmt.Sprintf("SELECT needs_sync, updated_at FROM %s WHERE id = ?", tbl.Name)

	var applied []string
	err := s.inWriteTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			var needsSync int
			var rawUpdated string
			err := tx.QueryRowContext(ctx, check, rec.RecordID()).Scan(&needsSync, &rawUpdated)
			switch {
			case isNoRows(err):
				// Absent locally, applies.
			case err != nil:
				return fmt.Errorf("failed to check %s record %s: %w",
					tbl.Name, rec.RecordID(), wrapCorruption(err))
			case needsSync == 1:
				localUpdated, perr := time.Parse(time.RFC3339Nano, rawUpdated)
				if perr != nil {
					return fmt.Errorf("failed to parse updated_at of %s record %s: %w",
						tbl.Name, rec.RecordID(), perr)
				}
				lm := record.Meta{UpdatedAt: localUpdated, NeedsSync: true}
				if lm.Supersedes(rec.SyncMeta().UpdatedAt) {
					continue
				}
			}
			if _, err := tx.ExecContext(ctx, upsert, bindAll(tbl, rec)...); err != nil {
				return fmt.Errorf("failed to merge %s record %s: %w",
					tbl.Name, rec.RecordID(), wrapCorruption(err))
			}
			applied = append(applied, rec.RecordID())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Get retrieves a single record by id, tombstoned or not.
// Returns ErrNotFound when no row matches.
func Get[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], id string) (T, error) {
	var zero T
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", tbl.selectList(), tbl.Name)
	row := s.conn.QueryRowContext(ctx, query, id)

	rec, err := tbl.Scan(row)
	if isNoRows(err) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to get %s record %s: %w", tbl.Name, id, wrapCorruption(err))
	}
	return rec, nil
}

// Cond is one equality condition on a domain column.
type Cond struct {
	Col string
	Val any
}

// Query configures List.
type Query struct {
	// Conds are ANDed equality conditions.
	Conds []Cond
	// OrderBy names the ordering column (default created_at).
	OrderBy string
	// Desc reverses the ordering.
	Desc bool
	// Limit restricts results (0 = no limit); Offset skips rows.
	Limit, Offset int
	// IncludeDeleted includes tombstoned rows.
	IncludeDeleted bool
}

// List retrieves records matching the query in a stable order.
func List[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], q Query) ([]T, error) {
	var conds []string
	var args []any

	for _, c := range q.Conds {
		conds = append(conds, fmt.Sprintf("%s = ?", c.Col))
		args = append(args, c.Val)
	}
	if !q.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", tbl.selectList(), tbl.Name)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	query += " ORDER BY " + orderBy
	if q.Desc {
		query += " DESC"
	}
	// id as tie-break keeps the ordering deterministic.
	query += ", id"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", tbl.Name, wrapCorruption(err))
	}
	defer rows.Close()

	return scanAll(tbl, rows)
}

// Dirty returns every record with needs_sync set, optionally restricted to
// one scope, ordered by updated_at. Tombstoned rows are included: deletions
// push like any other change.
func Dirty[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], scopeKey string) ([]T, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE needs_sync = 1", tbl.selectList(), tbl.Name)
	var args []any
	if scopeKey != "" && tbl.ScopeColumn != "" {
		query += fmt.Sprintf(" AND %s = ?", tbl.ScopeColumn)
		args = append(args, scopeKey)
	}
	query += " ORDER BY updated_at, id"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select dirty %s records: %w", tbl.Name, wrapCorruption(err))
	}
	defer rows.Close()

	return scanAll(tbl, rows)
}

// SyncedRow names one row whose upload the remote confirmed, pinned to the
// updated_at it was uploaded with.
type SyncedRow struct {
	ID        string
	UpdatedAt time.Time
}

// MarkSynced clears the dirty flag for confirmed rows. The update is
// guarded by the uploaded updated_at: a row that was mutated again while
// the upload was in flight stays dirty, preserving the invariant that a
// clean row's synced_at covers its updated_at.
func (s *Store) MarkSynced(ctx context.Context, table string, rows []SyncedRow, syncedAt time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE %s SET needs_sync = 0, synced_at = ? WHERE id = ? AND updated_at = ?", table)
	stamp := syncedAt.UTC().Format(time.RFC3339Nano)

	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			_, err := tx.ExecContext(ctx, query, stamp, r.ID, r.UpdatedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to mark %s record %s synced: %w", table, r.ID, wrapCorruption(err))
			}
		}
		return nil
	})
}

// Delete removes a row outright. The sync engine itself only tombstones;
// hard delete exists for local-only cleanup such as write-through rollback
// of a record that did not exist before.
func Delete[T record.Syncable](ctx context.Context, s *Store, tbl Table[T], id string) error {
	return s.inWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl.Name), id); err != nil {
			return fmt.Errorf("failed to delete %s record %s: %w", tbl.Name, id, wrapCorruption(err))
		}
		return nil
	})
}

// Count returns the number of rows in the table, tombstones included.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", table, wrapCorruption(err))
	}
	return n, nil
}

func scanAll[T record.Syncable](tbl Table[T], rows *sql.Rows) ([]T, error) {
	var out []T
	for rows.Next() {
		rec, err := tbl.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", tbl.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", tbl.Name, wrapCorruption(err))
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// metaCols scans the standard sync columns.
type metaCols struct {
	createdAt string
	updatedAt string
	syncedAt  sql.NullString
	needsSync int
	deletedAt sql.NullString
}

func (m *metaCols) dest() []any {
	return []any{&m.createdAt, &m.updatedAt, &m.syncedAt, &m.needsSync, &m.deletedAt}
}

func (m *metaCols) decode() (record.Meta, error) {
	var out record.Meta
	var err error
	if out.CreatedAt, err = time.Parse(time.RFC3339Nano, m.createdAt); err != nil {
		return out, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if out.UpdatedAt, err = time.Parse(time.RFC3339Nano, m.updatedAt); err != nil {
		return out, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if out.SyncedAt, err = nullToTime(m.syncedAt); err != nil {
		return out, fmt.Errorf("failed to parse synced_at: %w", err)
	}
	if out.DeletedAt, err = nullToTime(m.deletedAt); err != nil {
		return out, fmt.Errorf("failed to parse deleted_at: %w", err)
	}
	out.NeedsSync = m.needsSync == 1
	return out, nil
}
