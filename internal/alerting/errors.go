package alerting

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an alert or rule does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the alert's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrencyConflict is returned by stores when a write lost a race:
	// another open alert already owns the dedup key, or the row version moved.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUpstreamUnavailable is returned by stores and counters whose backend
	// cannot be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ValidationError reports a malformed detection event or operator request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError carries the statuses of a rejected lifecycle change.
type TransitionError struct {
	AlertID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot move from %s to %s", e.AlertID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
