// Package record defines the syncable record types shared by the local
// store, the sync coordinator, and the repository layer.
//
// Every entity that participates in synchronization embeds Meta, which
// carries the logical timestamps and the dirty flag. The rules for who may
// set and clear the dirty flag live here as well: local mutation paths call
// TouchLocal, and only the pull/push reconciliation paths call MarkSynced.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Meta holds the synchronization metadata embedded in every syncable record.
//
// Invariants:
//   - NeedsSync == false implies SyncedAt != nil and SyncedAt >= UpdatedAt
//     at the moment the flag was cleared.
//   - A record created locally starts NeedsSync=true, SyncedAt=nil.
//   - A record created by a pull merge starts NeedsSync=false,
//     SyncedAt=<pull time>.
type Meta struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	NeedsSync bool       `json:"needs_sync"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Syncable is implemented by every entity the engine can store and sync.
type Syncable interface {
	// RecordID returns the globally unique, immutable record id.
	RecordID() string

	// SyncMeta returns a pointer to the embedded sync metadata.
	SyncMeta() *Meta

	// Validate reports whether required fields are present and well formed.
	Validate() error
}

// NewID returns a fresh globally unique record id.
func NewID() string {
	return uuid.NewString()
}

// InitLocal stamps a freshly created local record: both timestamps set to
// now, dirty, never synced.
func (m *Meta) InitLocal(now time.Time) {
	m.CreatedAt = now
	m.UpdatedAt = now
	m.SyncedAt = nil
	m.NeedsSync = true
}

// InitRemote stamps a record created by a pull merge. The writer's
// timestamps are preserved by the caller; only sync state is set here.
func (m *Meta) InitRemote(pullTime time.Time) {
	t := pullTime
	m.SyncedAt = &t
	m.NeedsSync = false
}

// TouchLocal records a local mutation: bumps UpdatedAt and marks the record
// dirty. This is the only path that may set NeedsSync.
func (m *Meta) TouchLocal(now time.Time) {
	m.UpdatedAt = now
	m.NeedsSync = true
}

// MarkSynced clears the dirty flag after the remote confirmed this exact
// state. Only the sync coordinator's pull-merge and push-success paths may
// call this.
func (m *Meta) MarkSynced(syncedAt time.Time) {
	t := syncedAt
	m.SyncedAt = &t
	m.NeedsSync = false
}

// MarkDeleted tombstones the record. The tombstone syncs like any other
// field change, so it also bumps UpdatedAt and marks the record dirty.
func (m *Meta) MarkDeleted(now time.Time) {
	t := now
	m.DeletedAt = &t
	m.TouchLocal(now)
}

// IsDeleted reports whether the record carries a tombstone.
func (m *Meta) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Supersedes reports whether this dirty local copy wins over a remote copy
// with the given updated_at under last-write-wins.
//
// The comparison is strict: on equal timestamps the local pending edit wins
// and its eventual push lets the backend apply its own resolution.
func (m *Meta) Supersedes(remoteUpdatedAt time.Time) bool {
	return !remoteUpdatedAt.After(m.UpdatedAt)
}

// State is the per-record sync state.
type State int

const (
	// StateLocalOnly marks a record created locally and never synced.
	StateLocalOnly State = iota
	// StatePushing marks a record whose upload is in flight.
	StatePushing
	// StateSynced marks a clean record.
	StateSynced
	// StatePendingUpdate marks a record dirty again after having been
	// synced at least once.
	StatePendingUpdate
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateLocalOnly:
		return "local-only"
	case StatePushing:
		return "pushing"
	case StateSynced:
		return "synced"
	case StatePendingUpdate:
		return "pending-update"
	default:
		return "unknown"
	}
}

// StateOf derives the record state from its metadata. pushing is true while
// the sync coordinator has an upload in flight that includes this record.
func StateOf(m *Meta, pushing bool) State {
	if !m.NeedsSync {
		return StateSynced
	}
	if pushing {
		return StatePushing
	}
	if m.SyncedAt == nil {
		return StateLocalOnly
	}
	return StatePendingUpdate
}

// ValidateMeta checks the timestamp fields shared by all records.
func (m *Meta) ValidateMeta() error {
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if !m.NeedsSync && m.SyncedAt == nil {
		return fmt.Errorf("clean record is missing synced_at")
	}
	return nil
}
