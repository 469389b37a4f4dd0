// Package syncerr defines the error taxonomy shared by the server services,
// the HTTP layer and the client sync agent.
//
// Every error a mutation can produce falls into one of these categories:
//   - ValidationError: malformed input, rejected before any compare-and-swap
//   - ConflictError: the caller's expected version is stale; carries current truth
//   - LockHeldError: another actor holds a live edit lock
//   - InvalidTransitionError: the lifecycle does not allow the requested move
//   - ErrNotFound / ErrForbidden: terminal for the call
//   - NetworkError: client-side transport failure, retried with backoff
//
// Use errors.Is / errors.As to classify, and IsRetryable to decide whether a
// client may retry without user intervention.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("version conflict")
	ErrLockHeld          = errors.New("lock held by another actor")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrNetwork           = errors.New("network error")
	ErrPrecondition      = errors.New("precondition required")
)

// ValidationError reports a malformed patch or geometry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when the expected version does not match. Current
// holds the authoritative record so the caller can reconcile without a second
// round trip.
type ConflictError struct {
	ExpectedVersion int64
	CurrentVersion  int64
	Current         any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type LockHeldError struct {
	ResourceID string
	Holder     string
	ExpiresAt  time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s until %s", e.ResourceID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockHeldError) Is(target error) bool { return target == ErrLockHeld }

type InvalidTransitionError struct {
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s from %s", e.Action, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NetworkError wraps a transport failure seen by a client.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// IsRetryable reports whether err may succeed on a later attempt without the
// caller correcting its input. Conflicts are retryable only after
// reconciliation, which the caller performs before retrying.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrConflict), errors.Is(err, ErrLockHeld):
		return true
	default:
		return false
	}
}

// IsHardRejection reports errors that must roll back an optimistic edit.
func IsHardRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrPrecondition)
}
