package syncer

import "context"

// Reconciler is the entity-agnostic view of a coordinator, used by the
// daemon to drive scheduled sync passes without knowing record types.
type Reconciler interface {
	Entity() string
	Reconcile(ctx context.Context, scopeKey string) error
	ResumeAuth(scopeKey string)
}
