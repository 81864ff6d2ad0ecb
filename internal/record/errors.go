package record

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer of the tracker.
//
// These errors can be checked using errors.Is() regardless of how many
// times they were wrapped on the way up:
//
//	if errors.Is(err, record.ErrUnreachable) {
//	    // keep the local copy, the next reconciliation pass will retry
//	}
var (
	// ErrValidation is returned when user input is rejected before any
	// write happens. The concrete error is a *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUnreachable is returned when the remote store cannot be reached.
	// It is transient and the operation will be retried on a later pass.
	ErrUnreachable = errors.New("remote store unreachable")

	// ErrUnauthorized is returned when the remote store rejects the
	// identity used for the call. It is never retried automatically.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStorage is returned when the local store fails to read or write.
	ErrStorage = errors.New("local storage failure")
)

// ValidationError describes which field of a record was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
