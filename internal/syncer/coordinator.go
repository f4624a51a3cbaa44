// Package syncer implements the sync coordinator: the pull and push passes
// that reconcile the local store with the remote backend.
//
// Reconciliation is organized by scope, the (entity, scopeKey) unit, for
// example "comments for starter S1". At most one pull and one push are in
// flight per scope; a second caller for the same scope awaits the in-flight
// operation's result instead of issuing a duplicate network call
// (singleflight). Conflicts resolve silently by last-write-wins on the
// logical updated_at timestamp: the remote copy supersedes an unsynced
// local edit only when it is strictly newer.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/heardly/localsync/internal/bus"
	"github.com/heardly/localsync/internal/record"
	"github.com/heardly/localsync/internal/remote"
	"github.com/heardly/localsync/internal/store"
)

// ErrSuspended is returned while a scope is suspended after an auth
// failure. ResumeAuth lifts it once credentials are refreshed.
var ErrSuspended = fmt.Errorf("sync suspended for scope until credentials are refreshed")

// PullResult summarizes one pull pass.
type PullResult struct {
	Fetched int
	Applied int
	Skipped int
}

// PushResult summarizes one push pass.
type PushResult struct {
	Uploaded  int
	Confirmed int
	Failed    int
}

// Coordinator reconciles one entity type against the remote backend.
//
// A coordinator is safe for concurrent use; operations on distinct scopes
// run in parallel while operations on the same scope are deduplicated.
type Coordinator[T record.Syncable] struct {
	store  *store.Store
	tbl    store.Table[T]
	remote remote.Client
	bus    *bus.Bus
	board  *Board
	logger *log.Logger

	pulls  singleflight.Group
	pushes singleflight.Group

	mu      sync.Mutex
	handles map[string]*scopeHandle
	pushing map[string]map[string]struct{} // scopeKey -> in-flight record ids

	now func() time.Time
}

// scopeHandle refcounts subscriber interest in a scope and carries the
// context background tasks for that scope run under.
type scopeHandle struct {
	count  int
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator for one entity table.
//
// The store must be migrated, and board may be shared across coordinators
// so the CLI and dashboard see every scope in one place. A nil logger
// defaults to stderr.
func New[T record.Syncable](st *store.Store, tbl store.Table[T], rc remote.Client, b *bus.Bus, board *Board, logger *log.Logger) *Coordinator[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Coordinator[T]{
		store:   st,
		tbl:     tbl,
		remote:  rc,
		bus:     b,
		board:   board,
		logger:  logger,
		handles: make(map[string]*scopeHandle),
		pushing: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Entity returns the entity (table and remote collection) name.
func (c *Coordinator[T]) Entity() string {
	return c.tbl.Name
}

// Pull fetches remote records for the scope newer than the stored cursor
// and merges them into the local store. Concurrent calls for the same
// scope share one network round-trip.
func (c *Coordinator[T]) Pull(ctx context.Context, scopeKey string) (PullResult, error) {
	if c.board.suspended(c.tbl.Name, scopeKey) {
		return PullResult{}, ErrSuspended
	}

	v, err, _ := c.pulls.Do(scopeKey, func() (any, error) {
		res, err := c.pullOnce(ctx, scopeKey)
		c.board.recordPull(c.tbl.Name, scopeKey, c.now(), err)
		if remote.IsAuth(err) {
			c.board.suspend(c.tbl.Name, scopeKey)
		}
		return res, err
	})
	res, _ := v.(PullResult)
	return res, err
}

func (c *Coordinator[T]) pullOnce(ctx context.Context, scopeKey string) (PullResult, error) {
	var res PullResult

	cursor, err := c.store.Cursor(ctx, c.tbl.Name, scopeKey)
	if err != nil {
		return res, err
	}

	raws, err := c.remote.List(ctx, c.tbl.Name, remote.Scope{Col: c.tbl.ScopeColumn, Key: scopeKey}, cursor)
	if err != nil {
		return res, fmt.Errorf("pull %s/%s: %w", c.tbl.Name, scopeKey, err)
	}
	res.Fetched = len(raws)
	if len(raws) == 0 {
		return res, nil
	}

	pullTime := c.now()
	var candidates []T
	maxUpdated := cursor

	for _, raw := range raws {
		rec := c.tbl.New()
		if err := json.Unmarshal(raw, rec); err != nil {
			c.logger.Printf("skipping malformed %s record: %v", c.tbl.Name, err)
			continue
		}
		meta := rec.SyncMeta()
		if meta.UpdatedAt.After(maxUpdated) {
			maxUpdated = meta.UpdatedAt
		}

		// The merged copy is authoritative remote state: clean, and
		// confirmed as of this pull.
		meta.InitRemote(pullTime)
		candidates = append(candidates, rec)
	}

	if len(candidates) > 0 {
		// MergeBatch re-runs the last-write-wins comparison against dirty
		// local rows inside the write transaction, so an edit committing
		// between fetch and apply cannot be clobbered by an older copy.
		applied, err := store.MergeBatch(ctx, c.store, c.tbl, candidates)
		if err != nil {
			return res, fmt.Errorf("pull %s/%s: %w", c.tbl.Name, scopeKey, err)
		}
		res.Applied = len(applied)
		res.Skipped = len(candidates) - len(applied)
		if len(applied) > 0 {
			c.bus.Publish(bus.Event{
				Table:    c.tbl.Name,
				ScopeCol: c.tbl.ScopeColumn,
				ScopeKey: scopeKey,
				IDs:      applied,
				Origin:   bus.OriginRemote,
			})
		}
	}

	if maxUpdated.After(cursor) {
		if err := c.store.SetCursor(ctx, c.tbl.Name, scopeKey, maxUpdated); err != nil {
			return res, err
		}
	}

	c.logger.Printf("pulled %s/%s: fetched=%d applied=%d skipped=%d",
		c.tbl.Name, scopeKey, res.Fetched, res.Applied, res.Skipped)
	return res, nil
}

// Push uploads every dirty row in the scope as one batch. Rows the remote
// confirms are marked clean; rows it rejects (and the whole batch, on a
// transport failure) stay dirty for the next pass. Concurrent calls for
// the same scope share one upload.
func (c *Coordinator[T]) Push(ctx context.Context, scopeKey string) (PushResult, error) {
	if c.board.suspended(c.tbl.Name, scopeKey) {
		return PushResult{}, ErrSuspended
	}

	v, err, _ := c.pushes.Do(scopeKey, func() (any, error) {
		res, err := c.pushOnce(ctx, scopeKey)
		c.board.recordPush(c.tbl.Name, scopeKey, c.now(), err)
		if remote.IsAuth(err) {
			c.board.suspend(c.tbl.Name, scopeKey)
		}
		return res, err
	})
	res, _ := v.(PushResult)
	return res, err
}

func (c *Coordinator[T]) pushOnce(ctx context.Context, scopeKey string) (PushResult, error) {
	var res PushResult

	dirty, err := store.Dirty(ctx, c.store, c.tbl, scopeKey)
	if err != nil {
		return res, err
	}
	if len(dirty) == 0 {
		return res, nil
	}
	res.Uploaded = len(dirty)

	ids := make([]string, len(dirty))
	raws := make([]json.RawMessage, len(dirty))
	uploaded := make(map[string]time.Time, len(dirty))
	for i, rec := range dirty {
		raw, err := json.Marshal(rec)
		if err != nil {
			return res, fmt.Errorf("push %s/%s: failed to encode record %s: %w",
				c.tbl.Name, scopeKey, rec.RecordID(), err)
		}
		ids[i] = rec.RecordID()
		raws[i] = raw
		uploaded[rec.RecordID()] = rec.SyncMeta().UpdatedAt
	}

	c.setPushing(scopeKey, ids)
	defer c.clearPushing(scopeKey)

	results, err := c.remote.UpsertBatch(ctx, c.tbl.Name, raws)
	if err != nil {
		return res, fmt.Errorf("push %s/%s: %w", c.tbl.Name, scopeKey, err)
	}

	now := c.now()
	var confirmed []store.SyncedRow
	var confirmedIDs []string
	var firstRowErr error
	for i, rr := range results {
		if !rr.OK() {
			res.Failed++
			if firstRowErr == nil {
				firstRowErr = fmt.Errorf("push %s/%s: remote rejected record %s: %s",
					c.tbl.Name, scopeKey, ids[i], rr.Error)
			}
			continue
		}
		confirmed = append(confirmed, store.SyncedRow{ID: ids[i], UpdatedAt: uploaded[ids[i]]})
		confirmedIDs = append(confirmedIDs, ids[i])
	}

	if len(confirmed) > 0 {
		if err := c.store.MarkSynced(ctx, c.tbl.Name, confirmed, now); err != nil {
			return res, err
		}
		res.Confirmed = len(confirmed)
		c.bus.Publish(bus.Event{
			Table:    c.tbl.Name,
			ScopeCol: c.tbl.ScopeColumn,
			ScopeKey: scopeKey,
			IDs:      confirmedIDs,
			Origin:   bus.OriginSync,
		})
	}

	c.logger.Printf("pushed %s/%s: uploaded=%d confirmed=%d failed=%d",
		c.tbl.Name, scopeKey, res.Uploaded, res.Confirmed, res.Failed)
	return res, firstRowErr
}

// Reconcile runs a pull followed by a push for the scope. The daemon and
// the CLI sync command drive reconciliation through this.
func (c *Coordinator[T]) Reconcile(ctx context.Context, scopeKey string) error {
	if _, err := c.Pull(ctx, scopeKey); err != nil {
		return err
	}
	_, err := c.Push(ctx, scopeKey)
	return err
}

// ResumeAuth lifts the auth suspension for a scope after credentials were
// refreshed. An empty scopeKey resumes every scope of this entity.
func (c *Coordinator[T]) ResumeAuth(scopeKey string) {
	c.board.resume(c.tbl.Name, scopeKey)
}

// Acquire registers subscriber interest in a scope and returns the context
// background sync tasks for that scope should run under. Each Acquire must
// be paired with a Release.
func (c *Coordinator[T]) Acquire(scopeKey string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[scopeKey]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		h = &scopeHandle{ctx: ctx, cancel: cancel}
		c.handles[scopeKey] = h
	}
	h.count++
	return h.ctx
}

// Release drops subscriber interest in a scope. When the last subscriber
// releases, in-flight pull/push tasks for the scope are cancelled; the rows
// stay dirty so the next scheduled pass picks them up again.
func (c *Coordinator[T]) Release(scopeKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[scopeKey]
	if !ok {
		return
	}
	h.count--
	if h.count <= 0 {
		h.cancel()
		delete(c.handles, scopeKey)
	}
}

// StateOf derives the sync state of a record, folding in whether an upload
// containing it is currently in flight.
func (c *Coordinator[T]) StateOf(scopeKey string, rec T) record.State {
	c.mu.Lock()
	_, inFlight := c.pushing[scopeKey][rec.RecordID()]
	c.mu.Unlock()
	return record.StateOf(rec.SyncMeta(), inFlight)
}

func (c *Coordinator[T]) setPushing(scopeKey string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.pushing[scopeKey] = set
}

func (c *Coordinator[T]) clearPushing(scopeKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pushing, scopeKey)
}
