package syncer

import (
	"sort"
	"sync"
	"time"
)

// ScopeKey identifies one sync scope across entities.
type ScopeKey struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
}

// ScopeStatus is the observable sync state of one scope.
type ScopeStatus struct {
	Scope      ScopeKey  `json:"scope"`
	LastPullAt time.Time `json:"last_pull_at,omitempty"`
	LastPushAt time.Time `json:"last_push_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Suspended  bool      `json:"suspended"`
}

// Healthy reports whether the scope's most recent operation succeeded and
// sync is not suspended.
func (s ScopeStatus) Healthy() bool {
	return s.LastError == "" && !s.Suspended
}

// Board tracks sync status per scope and fans updates out to listeners
// (the status CLI command and the dashboard). One board is shared by all
// coordinators.
type Board struct {
	mu        sync.Mutex
	scopes    map[ScopeKey]*ScopeStatus
	listeners []func(ScopeStatus)
}

// NewBoard creates an empty status board.
func NewBoard() *Board {
	return &Board{scopes: make(map[ScopeKey]*ScopeStatus)}
}

// Listen registers a callback invoked on every status change. Callbacks
// run synchronously under the board lock and must not block.
func (b *Board) Listen(fn func(ScopeStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Snapshot returns all known scope statuses, ordered by entity then key.
func (b *Board) Snapshot() []ScopeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ScopeStatus, 0, len(b.scopes))
	for _, s := range b.scopes {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope.Entity != out[j].Scope.Entity {
			return out[i].Scope.Entity < out[j].Scope.Entity
		}
		return out[i].Scope.Key < out[j].Scope.Key
	})
	return out
}

// Status returns the status of one scope.
func (b *Board) Status(entity, key string) (ScopeStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.scopes[ScopeKey{Entity: entity, Key: key}]
	if !ok {
		return ScopeStatus{}, false
	}
	return *s, true
}

func (b *Board) recordPull(entity, key string, at time.Time, err error) {
	b.update(entity, key, func(s *ScopeStatus) {
		s.LastPullAt = at
		s.LastError = errString(err)
	})
}

func (b *Board) recordPush(entity, key string, at time.Time, err error) {
	b.update(entity, key, func(s *ScopeStatus) {
		s.LastPushAt = at
		s.LastError = errString(err)
	})
}

func (b *Board) suspend(entity, key string) {
	b.update(entity, key, func(s *ScopeStatus) { s.Suspended = true })
}

// resume clears the auth suspension. An empty key resumes every scope of
// the entity; an empty entity resumes everything.
func (b *Board) resume(entity, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sk, s := range b.scopes {
		if entity != "" && sk.Entity != entity {
			continue
		}
		if key != "" && sk.Key != key {
			continue
		}
		if !s.Suspended {
			continue
		}
		s.Suspended = false
		s.LastError = ""
		b.notifyLocked(*s)
	}
}

func (b *Board) suspended(entity, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.scopes[ScopeKey{Entity: entity, Key: key}]
	return ok && s.Suspended
}

func (b *Board) update(entity, key string, fn func(*ScopeStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sk := ScopeKey{Entity: entity, Key: key}
	s, ok := b.scopes[sk]
	if !ok {
		s = &ScopeStatus{Scope: sk}
		b.scopes[sk] = s
	}
	fn(s)
	b.notifyLocked(*s)
}

func (b *Board) notifyLocked(s ScopeStatus) {
	for _, fn := range b.listeners {
		fn(s)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
