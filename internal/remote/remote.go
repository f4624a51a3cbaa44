// Package remote defines the client interface to the backend the engine
// reconciles against, plus the HTTP implementation of it.
//
// The backend exposes, per entity collection, an incremental list endpoint
// for pull and a batch upsert endpoint for push. Records travel as raw JSON
// documents; the sync coordinator owns encoding and decoding so this
// package stays entity-agnostic.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Scope identifies the slice of a collection a pull or push covers, e.g.
// starter_id=S1 for comments.
type Scope struct {
	Col string
	Key string
}

// RowResult is the per-row outcome of a batch upsert.
type RowResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the row was accepted.
func (r RowResult) OK() bool { return r.Error == "" }

// Client is the remote backend collaborator.
type Client interface {
	// List returns records in the scope whose updated_at is after since.
	// A zero since fetches the full scope.
	List(ctx context.Context, collection string, scope Scope, since time.Time) ([]json.RawMessage, error)

	// UpsertBatch uploads records and returns one result per record, in
	// order. A transport-level failure returns an error instead; per-row
	// rejections come back in the results.
	UpsertBatch(ctx context.Context, collection string, records []json.RawMessage) ([]RowResult, error)
}
