package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// ValidationError reports a malformed or constraint-violating record.
// It fails immediately, is never retried, and no partial row is persisted.
type ValidationError struct {
	Table  string
	ID     string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s record %s: %v", e.Table, e.ID, e.Err)
	}
	return fmt.Sprintf("invalid %s record %s: %s", e.Table, e.ID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CorruptionError is fatal: the database file is damaged and the store must
// be re-initialized via Reset before further use.
type CorruptionError struct {
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store corrupted: %v", e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// wrapCorruption upgrades SQLite corruption reports to CorruptionError and
// passes every other error through unchanged.
func wrapCorruption(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") {
		return &CorruptionError{Err: err}
	}
	return err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure (duplicate id).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
