// Package export reads and writes the local store as JSONL, one record per
// line. Exports back up local data before risky operations; import rebuilds
// a store after corruption recovery, re-marking every record dirty so the
// next sync pass reconciles it against the backend.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/heardly/localsync/internal/record"
	"github.com/heardly/localsync/internal/store"
)

// Result contains statistics about an export or import.
type Result struct {
	Counts map[string]int // entity -> records processed
	Total  int
}

// line is the JSONL envelope: the entity name plus the raw record.
type line struct {
	Entity string          `json:"entity"`
	Record json.RawMessage `json:"record"`
}

// Export writes every record of every entity, tombstones included, to w as
// JSONL.
func Export(ctx context.Context, s *store.Store, w io.Writer) (*Result, error) {
	res := &Result{Counts: make(map[string]int)}
	bw := bufio.NewWriter(w)

	if err := exportTable(ctx, s, store.Progress, bw, res); err != nil {
		return nil, err
	}
	if err := exportTable(ctx, s, store.Comments, bw, res); err != nil {
		return nil, err
	}
	if err := exportTable(ctx, s, store.Profiles, bw, res); err != nil {
		return nil, err
	}
	if err := exportTable(ctx, s, store.Selections, bw, res); err != nil {
		return nil, err
	}
	if err := exportTable(ctx, s, store.Notifications, bw, res); err != nil {
		return nil, err
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return res, nil
}

func exportTable[T record.Syncable](ctx context.Context, s *store.Store, tbl store.Table[T], w *bufio.Writer, res *Result) error {
	recs, err := store.List(ctx, s, tbl, store.Query{IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", tbl.Name, err)
	}

	enc := json.NewEncoder(w)
	for _, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s record %s: %w", tbl.Name, rec.RecordID(), err)
		}
		if err := enc.Encode(line{Entity: tbl.Name, Record: raw}); err != nil {
			return fmt.Errorf("failed to write %s record %s: %w", tbl.Name, rec.RecordID(), err)
		}
		res.Counts[tbl.Name]++
		res.Total++
	}
	return nil
}

// ExportFile exports to a file path.
func ExportFile(ctx context.Context, s *store.Store, path string) (*Result, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	res, err := Export(ctx, s, f)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish export file: %w", err)
	}
	return res, nil
}

// Import reads JSONL from r into the store. Every imported record is
// re-marked dirty so the next sync pass reconciles it against the backend;
// the backend's last-write-wins rule then squares imported state with
// whatever other clients pushed in the meantime.
func Import(ctx context.Context, s *store.Store, r io.Reader) (*Result, error) {
	res := &Result{Counts: make(map[string]int)}
	now := time.Now()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var ln line
		if err := json.Unmarshal(text, &ln); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}

		var err error
		switch ln.Entity {
		case store.Progress.Name:
			err = importRecord(ctx, s, store.Progress, ln.Record, now)
		case store.Comments.Name:
			err = importRecord(ctx, s, store.Comments, ln.Record, now)
		case store.Profiles.Name:
			err = importRecord(ctx, s, store.Profiles, ln.Record, now)
		case store.Selections.Name:
			err = importRecord(ctx, s, store.Selections, ln.Record, now)
		case store.Notifications.Name:
			err = importRecord(ctx, s, store.Notifications, ln.Record, now)
		default:
			err = fmt.Errorf("unknown entity %q", ln.Entity)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		res.Counts[ln.Entity]++
		res.Total++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import: %w", err)
	}
	return res, nil
}

func importRecord[T record.Syncable](ctx context.Context, s *store.Store, tbl store.Table[T], raw json.RawMessage, now time.Time) error {
	rec := tbl.New()
	if err := json.Unmarshal(raw, rec); err != nil {
		return fmt.Errorf("invalid %s record: %w", tbl.Name, err)
	}

	// Imported state is local-only until the next push confirms it.
	m := rec.SyncMeta()
	m.NeedsSync = true
	m.SyncedAt = nil
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	return store.Put(ctx, s, tbl, rec)
}

// ImportFile imports from a file path.
func ImportFile(ctx context.Context, s *store.Store, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return Import(ctx, s, f)
}
