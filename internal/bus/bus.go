// Package bus provides the reactive subscription bus that notifies
// observers when rows change, regardless of origin (local write or remote
// merge).
//
// The bus is explicit message passing: subscribers register a filter and a
// callback and receive a cancellation token. There is no global registry;
// the single Bus instance is constructed at startup and passed to the
// repositories and the sync coordinator.
//
// Delivery is at-least-once and coalesced. Multiple publishes that land
// while a subscriber is busy are merged into one pending event, and
// callbacks run on a per-subscriber goroutine so a publish during a write
// transaction can never re-enter the store.
package bus

import (
	"sync"
)

// Origin says which path produced a change.
type Origin string

const (
	// OriginLocal marks changes from the repository's mutation path.
	OriginLocal Origin = "local"
	// OriginRemote marks changes from the sync coordinator's pull merge.
	OriginRemote Origin = "remote"
	// OriginSync marks sync-metadata-only changes (push confirmations).
	OriginSync Origin = "sync"
)

// Event describes a batch of row changes in one table. All changes within
// one store transaction or one merge batch arrive as a single event.
type Event struct {
	Table    string
	ScopeCol string
	ScopeKey string
	IDs      []string
	Origin   Origin
}

// Filter selects which events a subscriber receives. The zero filter
// matches everything; a set Table restricts to that table, and a set
// ScopeKey additionally restricts to events for that scope (events that
// carry no scope still match, since they may affect any scope).
type Filter struct {
	Table    string
	ScopeKey string
}

func (f Filter) matches(ev Event) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.ScopeKey != "" && ev.ScopeKey != "" && f.ScopeKey != ev.ScopeKey {
		return false
	}
	return true
}

// Token identifies a subscription for cancellation.
type Token struct {
	sub *subscription
}

type subscription struct {
	filter   Filter
	callback func(Event)

	mu      sync.Mutex
	pending *Event
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Bus fans change events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a callback for events matching the filter and returns
// a token for Cancel. The callback runs on its own goroutine, one event at
// a time; events arriving while it runs are coalesced into the next call.
func (b *Bus) Subscribe(filter Filter, callback func(Event)) Token {
	sub := &subscription{
		filter:   filter,
		callback: callback,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return Token{sub: sub}
}

// Cancel removes the subscription. It blocks until the subscriber goroutine
// has exited, so no further callbacks run after Cancel returns.
func (b *Bus) Cancel(tok Token) {
	if tok.sub == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[tok.sub]
	delete(b.subs, tok.sub)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(tok.sub.stop)
	<-tok.sub.done
}

// Publish delivers the event to every matching subscriber. It never blocks
// on subscriber callbacks and never invokes one synchronously, so it is
// safe to call from inside (or right after) a write transaction.
func (b *Bus) Publish(ev Event) {
	if len(ev.IDs) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter.matches(ev) {
			sub.offer(ev)
		}
	}
}

// offer merges the event into the subscriber's pending slot and wakes it.
func (s *subscription) offer(ev Event) {
	s.mu.Lock()
	if s.pending == nil {
		copied := ev
		copied.IDs = append([]string(nil), ev.IDs...)
		s.pending = &copied
	} else {
		merge(s.pending, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// merge folds a second event into a pending one. Differing scopes collapse
// to an unscoped event so the subscriber re-reads everything it cares about.
func merge(dst *Event, src Event) {
	if dst.Table != src.Table {
		dst.Table = ""
	}
	if dst.ScopeKey != src.ScopeKey || dst.ScopeCol != src.ScopeCol {
		dst.ScopeCol, dst.ScopeKey = "", ""
	}
	if dst.Origin != src.Origin {
		dst.Origin = ""
	}
	dst.IDs = appendMissing(dst.IDs, src.IDs)
}

func appendMissing(dst []string, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, id := range dst {
		seen[id] = struct{}{}
	}
	for _, id := range src {
		if _, ok := seen[id]; !ok {
			dst = append(dst, id)
		}
	}
	return dst
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()

		if ev == nil {
			continue
		}

		// Re-check stop so Cancel wins races against a queued wake-up.
		select {
		case <-s.stop:
			return
		default:
		}

		s.callback(*ev)
	}
}
