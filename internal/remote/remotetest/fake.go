// Package remotetest provides an in-memory Client implementation for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heardly/localsync/internal/remote"
)

type stored struct {
	id        string
	updatedAt time.Time
	fields    map[string]any
	raw       json.RawMessage
}

// Fake is an in-memory remote backend applying last-write-wins on upsert.
// Failure injection and call counting make it suitable for retry and
// dedup tests.
type Fake struct {
	mu          sync.Mutex
	collections map[string]map[string]stored

	listCalls   map[string]int
	upsertCalls map[string]int
	batchSizes  []int

	// NextListErr / NextUpsertErr fail the next matching call once.
	NextListErr   error
	NextUpsertErr error

	// RejectIDs maps record ids to per-row error strings for upserts.
	RejectIDs map[string]string

	// Delay, when set, is waited (or the context cancelled) before every
	// call, to widen race windows in concurrency tests.
	Delay time.Duration
}

// New creates an empty fake backend.
func New() *Fake {
	return &Fake{
		collections: make(map[string]map[string]stored),
		listCalls:   make(map[string]int),
		upsertCalls: make(map[string]int),
	}
}

// Seed installs a record directly, bypassing upsert accounting.
func (f *Fake) Seed(collection string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	rec, err := parse(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collections[collection] == nil {
		f.collections[collection] = make(map[string]stored)
	}
	f.collections[collection][rec.id] = rec
	return nil
}

// List implements remote.Client.
func (f *Fake) List(ctx context.Context, collection string, scope remote.Scope, since time.Time) ([]json.RawMessage, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[collection]++

	if err := f.NextListErr; err != nil {
		f.NextListErr = nil
		return nil, err
	}

	var matched []stored
	for _, rec := range f.collections[collection] {
		if scope.Col != "" {
			v, _ := rec.fields[scope.Col].(string)
			if v != scope.Key {
				continue
			}
		}
		if !since.IsZero() && !rec.updatedAt.After(since) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].updatedAt.Equal(matched[j].updatedAt) {
			return matched[i].id < matched[j].id
		}
		return matched[i].updatedAt.Before(matched[j].updatedAt)
	})

	out := make([]json.RawMessage, len(matched))
	for i, rec := range matched {
		out[i] = rec.raw
	}
	return out, nil
}

// UpsertBatch implements remote.Client.
func (f *Fake) UpsertBatch(ctx context.Context, collection string, records []json.RawMessage) ([]remote.RowResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls[collection]++
	f.batchSizes = append(f.batchSizes, len(records))

	if err := f.NextUpsertErr; err != nil {
		f.NextUpsertErr = nil
		return nil, err
	}

	if f.collections[collection] == nil {
		f.collections[collection] = make(map[string]stored)
	}

	results := make([]remote.RowResult, len(records))
	for i, raw := range records {
		rec, err := parse(raw)
		if err != nil {
			results[i] = remote.RowResult{Error: err.Error()}
			continue
		}
		if msg, ok := f.RejectIDs[rec.id]; ok {
			results[i] = remote.RowResult{ID: rec.id, Error: msg}
			continue
		}
		existing, ok := f.collections[collection][rec.id]
		if !ok || rec.updatedAt.After(existing.updatedAt) {
			f.collections[collection][rec.id] = rec
		}
		results[i] = remote.RowResult{ID: rec.id}
	}
	return results, nil
}

// ListCalls returns how many List calls hit the collection.
func (f *Fake) ListCalls(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[collection]
}

// UpsertCalls returns how many UpsertBatch calls hit the collection.
func (f *Fake) UpsertCalls(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertCalls[collection]
}

// BatchSizes returns the record count of each upsert batch, in call order.
func (f *Fake) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batchSizes...)
}

// Get returns the stored raw document for an id, if present.
func (f *Fake) Get(collection, id string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.collections[collection][id]
	if !ok {
		return nil, false
	}
	return rec.raw, true
}

// Len returns the record count in a collection.
func (f *Fake) Len(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parse(raw json.RawMessage) (stored, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return stored{}, fmt.Errorf("malformed record: %w", err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return stored{}, fmt.Errorf("record is missing id")
	}
	rawUpdated, _ := fields["updated_at"].(string)
	updatedAt, err := time.Parse(time.RFC3339Nano, rawUpdated)
	if err != nil {
		return stored{}, fmt.Errorf("record %s has bad updated_at: %w", id, err)
	}
	return stored{id: id, updatedAt: updatedAt, fields: fields, raw: append(json.RawMessage(nil), raw...)}, nil
}
