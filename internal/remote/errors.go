package remote

import (
	"errors"
	"fmt"
)

// NetworkError reports an unreachable remote, a timeout, or a 5xx. It is
// retried with backoff by the next scheduled sync pass; rows stay dirty.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: remote returned %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AuthError reports an expired or invalid credential, either rejected by
// the remote (Status set) or unavailable before the request went out (Err
// set). Sync for the affected scope is suspended until credentials are
// refreshed.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials unavailable: %v", e.Err)
	}
	return fmt.Sprintf("remote rejected credentials (status %d)", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RejectedError reports a request the backend refused as malformed. It is
// never retried.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected request (status %d): %s", e.Status, e.Body)
}
