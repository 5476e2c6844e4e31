// Package faults defines the error taxonomy shared across ingestion and
// retrieval: throttling, unavailability, validation, conflicts, and
// per-item extraction failures.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// ErrJobConflict is returned when a non-terminal ingestion job already
// exists for the notebook.
var ErrJobConflict = errors.New("ingestion job already active for notebook")

// ErrNotFound indicates an unknown job or notebook id.
var ErrNotFound = errors.New("not found")

// ErrThrottled is a sentinel retained for errors.Is matching against
// Throttled values.
var ErrThrottled = errors.New("external service throttled")

// ErrUnavailable is a sentinel retained for errors.Is matching against
// Unavailable values.
var ErrUnavailable = errors.New("external service unavailable")

// Throttled reports a 429-style response from an external collaborator.
// RetryAfter carries the server hint when one was provided.
type Throttled struct {
	Service    string
	RetryAfter time.Duration
}

func (e Throttled) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s throttled (retry after %s)", e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s throttled", e.Service)
}

func (e Throttled) Is(target error) bool { return target == ErrThrottled }

// Unavailable reports that an external collaborator could not be reached
// or answered with a server error.
type Unavailable struct {
	Service string
	Cause   error
}

func (e Unavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Service, e.Cause)
	}
	return fmt.Sprintf("%s unavailable", e.Service)
}

func (e Unavailable) Is(target error) bool { return target == ErrUnavailable }
func (e Unavailable) Unwrap() error        { return e.Cause }

// Validation reports a malformed scope, filter, or request parameter.
// It is never retried and is returned to the caller immediately.
type Validation struct {
	Field  string
	Reason string
}

func (e Validation) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// PartialExtraction records a single item (page or attachment) that failed
// during ingestion. Jobs continue past these.
type PartialExtraction struct {
	ItemID string
	Stage  string
	Cause  error
}

func (e PartialExtraction) Error() string {
	return fmt.Sprintf("item %s failed at %s: %v", e.ItemID, e.Stage, e.Cause)
}

func (e PartialExtraction) Unwrap() error { return e.Cause }

// IsRetryable reports whether the error may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

// RetryAfterHint extracts the server-provided retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var t Throttled
	if errors.As(err, &t) {
		return t.RetryAfter
	}
	return 0
}

// IsValidation reports whether err is a caller error.
func IsValidation(err error) bool {
	var v Validation
	return errors.As(err, &v)
}
