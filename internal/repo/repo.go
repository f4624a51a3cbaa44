// Package repo is the application-facing data access layer. A Repository
// wraps one entity table with optimistic local-first mutations: writes land
// in the local store immediately, subscribers see them at once, and a
// debounced background push uploads the batch shortly after. Subscriptions
// deliver local query results and re-deliver whenever local or remote
// changes touch the subscribed scope.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/heardly/localsync/internal/bus"
	"github.com/heardly/localsync/internal/record"
	"github.com/heardly/localsync/internal/remote"
	"github.com/heardly/localsync/internal/store"
	"github.com/heardly/localsync/internal/syncer"
)

// DefaultPushDelay is how long a repository waits after a mutation before
// pushing, so a burst of edits coalesces into one upload batch.
const DefaultPushDelay = 50 * time.Millisecond

// pushTimeout bounds the background push a mutation schedules.
const pushTimeout = 30 * time.Second

// Repository provides local-first reads and writes for one entity type.
// All dependencies are injected; a Repository owns no globals.
type Repository[T record.Syncable] struct {
	store  *store.Store
	tbl    store.Table[T]
	coord  *syncer.Coordinator[T]
	remote remote.Client
	bus    *bus.Bus
	logger *log.Logger

	pushDelay time.Duration
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer // scopeKey -> pending debounced push
}

// New creates a repository. A nil logger defaults to stderr; pushDelay <= 0
// uses DefaultPushDelay.
func New[T record.Syncable](st *store.Store, tbl store.Table[T], coord *syncer.Coordinator[T], rc remote.Client, b *bus.Bus, logger *log.Logger, pushDelay time.Duration) *Repository[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	if pushDelay <= 0 {
		pushDelay = DefaultPushDelay
	}
	return &Repository[T]{
		store:     st,
		tbl:       tbl,
		coord:     coord,
		remote:    rc,
		bus:       b,
		logger:    logger,
		pushDelay: pushDelay,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

// Get retrieves one record from the local store.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	return store.Get(ctx, r.store, r.tbl, id)
}

// List queries the local store.
func (r *Repository[T]) List(ctx context.Context, q store.Query) ([]T, error) {
	return store.List(ctx, r.store, r.tbl, q)
}

// Create inserts a new record optimistically: it lands in the local store
// marked dirty, subscribers are notified immediately, and a debounced
// background push uploads it.
func (r *Repository[T]) Create(ctx context.Context, rec T) error {
	rec.SyncMeta().InitLocal(r.now())
	if err := store.Create(ctx, r.store, r.tbl, rec); err != nil {
		return err
	}
	r.mutated(rec)
	return nil
}

// Update applies an edit optimistically. The record's updated_at advances
// and the dirty flag is set regardless of its previous sync state.
func (r *Repository[T]) Update(ctx context.Context, rec T) error {
	rec.SyncMeta().TouchLocal(r.now())
	if err := store.Put(ctx, r.store, r.tbl, rec); err != nil {
		return err
	}
	r.mutated(rec)
	return nil
}

// Delete tombstones a record. The tombstone syncs like any other edit;
// list queries stop returning the record immediately.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	rec, err := store.Get(ctx, r.store, r.tbl, id)
	if err != nil {
		return err
	}
	rec.SyncMeta().MarkDeleted(r.now())
	if err := store.Put(ctx, r.store, r.tbl, rec); err != nil {
		return err
	}
	r.mutated(rec)
	return nil
}

// State reports the record's current sync state, including whether an
// upload containing it is in flight.
func (r *Repository[T]) State(rec T) record.State {
	return r.coord.StateOf(store.ScopeKeyOf(r.tbl, rec), rec)
}

// mutated publishes the local-change event and schedules the debounced
// push for the record's scope.
func (r *Repository[T]) mutated(rec T) {
	scopeKey := store.ScopeKeyOf(r.tbl, rec)
	r.bus.Publish(bus.Event{
		Table:    r.tbl.Name,
		ScopeCol: r.tbl.ScopeColumn,
		ScopeKey: scopeKey,
		IDs:      []string{rec.RecordID()},
		Origin:   bus.OriginLocal,
	})
	r.schedulePush(scopeKey)
}

// schedulePush arms (or re-arms) the debounce timer for a scope. Rapid
// successive mutations keep pushing the deadline out, so they coalesce
// into a single upload batch.
func (r *Repository[T]) schedulePush(scopeKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[scopeKey]; ok {
		timer.Reset(r.pushDelay)
		return
	}
	r.timers[scopeKey] = time.AfterFunc(r.pushDelay, func() {
		r.mu.Lock()
		delete(r.timers, scopeKey)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if _, err := r.coord.Push(ctx, scopeKey); err != nil {
			// Rows stay dirty; the next mutation or scheduled pass retries.
			r.logger.Printf("background push %s/%s failed: %v", r.tbl.Name, scopeKey, err)
		}
	})
}

// Flush pushes a scope's dirty rows immediately, bypassing the debounce.
// Shutdown paths use this to drain pending work.
func (r *Repository[T]) Flush(ctx context.Context, scopeKey string) error {
	r.mu.Lock()
	if timer, ok := r.timers[scopeKey]; ok {
		timer.Stop()
		delete(r.timers, scopeKey)
	}
	r.mu.Unlock()

	_, err := r.coord.Push(ctx, scopeKey)
	return err
}

// CreateWriteThrough inserts a record and confirms it with the backend
// before reporting success. The record appears locally right away (first
// notification); if the backend rejects it or cannot be reached, the
// insert is rolled back and subscribers are told again (second
// notification). On success the record is already clean.
//
// This is for records that must not exist only locally, such as a weekly
// selection that other clients vote on.
func (r *Repository[T]) CreateWriteThrough(ctx context.Context, rec T) error {
	rec.SyncMeta().InitLocal(r.now())
	if err := store.Create(ctx, r.store, r.tbl, rec); err != nil {
		return err
	}

	scopeKey := store.ScopeKeyOf(r.tbl, rec)
	id := rec.RecordID()
	r.bus.Publish(bus.Event{
		Table:    r.tbl.Name,
		ScopeCol: r.tbl.ScopeColumn,
		ScopeKey: scopeKey,
		IDs:      []string{id},
		Origin:   bus.OriginLocal,
	})

	err := r.writeThrough(ctx, rec)
	if err != nil {
		// The record did not exist before, so rollback is a hard delete.
		if derr := store.Delete(ctx, r.store, r.tbl, id); derr != nil {
			r.logger.Printf("rollback of %s record %s failed: %v", r.tbl.Name, id, derr)
		}
		r.bus.Publish(bus.Event{
			Table:    r.tbl.Name,
			ScopeCol: r.tbl.ScopeColumn,
			ScopeKey: scopeKey,
			IDs:      []string{id},
			Origin:   bus.OriginLocal,
		})
		return fmt.Errorf("write-through create of %s record %s: %w", r.tbl.Name, id, err)
	}

	r.bus.Publish(bus.Event{
		Table:    r.tbl.Name,
		ScopeCol: r.tbl.ScopeColumn,
		ScopeKey: scopeKey,
		IDs:      []string{id},
		Origin:   bus.OriginSync,
	})
	return nil
}

// UpdateWriteThrough applies an edit and confirms it with the backend
// before reporting success. On failure the previous row is restored from
// the snapshot taken before the edit.
func (r *Repository[T]) UpdateWriteThrough(ctx context.Context, rec T) error {
	snapshot, err := store.Get(ctx, r.store, r.tbl, rec.RecordID())
	if err != nil {
		return err
	}

	rec.SyncMeta().TouchLocal(r.now())
	if err := store.Put(ctx, r.store, r.tbl, rec); err != nil {
		return err
	}

	scopeKey := store.ScopeKeyOf(r.tbl, rec)
	id := rec.RecordID()
	r.bus.Publish(bus.Event{
		Table:    r.tbl.Name,
		ScopeCol: r.tbl.ScopeColumn,
		ScopeKey: scopeKey,
		IDs:      []string{id},
		Origin:   bus.OriginLocal,
	})

	err = r.writeThrough(ctx, rec)
	if err != nil {
		if rerr := store.Put(ctx, r.store, r.tbl, snapshot); rerr != nil {
			r.logger.Printf("rollback of %s record %s failed: %v", r.tbl.Name, id, rerr)
		}
		r.bus.Publish(bus.Event{
			Table:    r.tbl.Name,
			ScopeCol: r.tbl.ScopeColumn,
			ScopeKey: scopeKey,
			IDs:      []string{id},
			Origin:   bus.OriginLocal,
		})
		return fmt.Errorf("write-through update of %s record %s: %w", r.tbl.Name, id, err)
	}

	r.bus.Publish(bus.Event{
		Table:    r.tbl.Name,
		ScopeCol: r.tbl.ScopeColumn,
		ScopeKey: scopeKey,
		IDs:      []string{id},
		Origin:   bus.OriginSync,
	})
	return nil
}

// writeThrough uploads one record synchronously and marks it clean on
// confirmation.
func (r *Repository[T]) writeThrough(ctx context.Context, rec T) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	results, err := r.remote.UpsertBatch(ctx, r.tbl.Name, []json.RawMessage{raw})
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return fmt.Errorf("backend returned %d results for 1 record", len(results))
	}
	if !results[0].OK() {
		return &remote.RejectedError{Body: results[0].Error}
	}

	return r.store.MarkSynced(ctx, r.tbl.Name,
		[]store.SyncedRow{{ID: rec.RecordID(), UpdatedAt: rec.SyncMeta().UpdatedAt}}, r.now())
}
