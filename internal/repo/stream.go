package repo

import (
	"context"
	"sync"

	"github.com/heardly/localsync/internal/bus"
	"github.com/heardly/localsync/internal/record"
	"github.com/heardly/localsync/internal/store"
)

// Stream is a live subscription to a query. It emits the current local
// result set immediately, then re-emits whenever a local mutation, a pull,
// or a push confirmation touches the subscribed scope. Consumers that fall
// behind see the latest snapshot, not every intermediate one.
type Stream[T record.Syncable] struct {
	updates chan []T
	kick    chan struct{}
	cancel  sync.Once
	done    chan struct{}

	repo     *Repository[T]
	scopeKey string
	query    store.Query
	token    bus.Token
}

// Subscribe opens a stream over the records matching the query within one
// scope. Opening a stream registers interest in the scope: a best-effort
// background pull refreshes it, and the scope's sync context stays alive
// until the last stream is cancelled. Always call Cancel when done.
func (r *Repository[T]) Subscribe(scopeKey string, q store.Query) *Stream[T] {
	if r.tbl.ScopeColumn != "" && scopeKey != "" {
		q.Conds = append(q.Conds, store.Cond{Col: r.tbl.ScopeColumn, Val: scopeKey})
	}

	s := &Stream[T]{
		updates:  make(chan []T, 1),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		repo:     r,
		scopeKey: scopeKey,
		query:    q,
	}

	scopeCtx := r.coord.Acquire(scopeKey)
	s.token = r.bus.Subscribe(bus.Filter{Table: r.tbl.Name, ScopeKey: scopeKey}, func(bus.Event) {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	})

	go s.run(scopeCtx)
	go func() {
		// Refresh from the backend opportunistically. Failures are already
		// logged and recorded per scope; the stream keeps serving local data.
		_, _ = r.coord.Pull(scopeCtx, scopeKey)
	}()

	return s
}

// Updates is the channel of result-set snapshots. It is closed by Cancel.
func (s *Stream[T]) Updates() <-chan []T {
	return s.updates
}

// Cancel tears the stream down: the bus subscription ends, the scope
// interest is released (cancelling background sync when this was the last
// stream), and Updates is closed. Cancel is idempotent and safe to call
// concurrently with delivery.
func (s *Stream[T]) Cancel() {
	s.cancel.Do(func() {
		s.repo.bus.Cancel(s.token)
		close(s.done)
		s.repo.coord.Release(s.scopeKey)
	})
}

func (s *Stream[T]) run(ctx context.Context) {
	defer close(s.updates)

	s.emit(ctx)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.kick:
			s.emit(ctx)
		}
	}
}

// emit queries the local store and delivers the snapshot, replacing any
// undelivered previous one.
func (s *Stream[T]) emit(ctx context.Context) {
	recs, err := store.List(ctx, s.repo.store, s.repo.tbl, s.query)
	if err != nil {
		s.repo.logger.Printf("subscription query on %s/%s failed: %v",
			s.repo.tbl.Name, s.scopeKey, err)
		return
	}

	for {
		select {
		case s.updates <- recs:
			return
		case <-s.done:
			return
		default:
		}
		// Channel full: drop the stale snapshot and retry.
		select {
		case <-s.updates:
		default:
		}
	}
}
