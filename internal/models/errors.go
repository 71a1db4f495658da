package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed input such as a bad job payload or priority.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an agent, job or graph node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExtraction is returned when the content extraction capability fails.
	ErrExtraction = errors.New("extraction failed")

	// ErrPersistence marks an unreachable or failing backing store.
	ErrPersistence = errors.New("persistence failure")

	// ErrConflict is returned when a caller-supplied identity already exists.
	ErrConflict = errors.New("conflict")

	// ErrClosed is returned by operations attempted after shutdown.
	ErrClosed = errors.New("closed")

	// ErrRateLimited is returned when admission control rejects new work.
	ErrRateLimited = errors.New("rate limited")
)

// Error pairs a sentinel kind with the failing operation and its cause.
// errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validationf builds an ErrValidation for op.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// NotFound builds an ErrNotFound naming what was missing.
func NotFound(op, what string) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: errors.New(what)}
}

// Persistence wraps a backing-store failure. Errors that already carry a
// kind are returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

// Extraction wraps a failure of the extraction capability.
func Extraction(op string, err error) error {
	return &Error{Kind: ErrExtraction, Op: op, Err: err}
}

// RateLimitError is the cause attached to an ErrRateLimited rejection.
type RateLimitError struct {
	Key        string
	Remaining  float64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: %.2f tokens left", e.Key, e.Remaining)
	}
	return fmt.Sprintf("%s: %.2f tokens left, retry in %s", e.Key, e.Remaining, e.RetryAfter)
}

// RetryAfter returns the wait carried by a rate-limit rejection anywhere in
// err's chain. ok is false when there is none or the limiter gave no estimate.
func RetryAfter(err error) (d time.Duration, ok bool) {
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		return 0, false
	}
	return rl.RetryAfter, true
}
