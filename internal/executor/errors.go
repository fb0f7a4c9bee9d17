package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/joao-brasil/connpool/internal/pool"
)

// Sentinel errors for executor outcomes.
var (
	// ErrRetriesExhausted is matched by *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("executor: retries exhausted")

	// ErrUnrecoverable is matched by *UnrecoverableError.
	ErrUnrecoverable = errors.New("executor: unrecoverable")

	// ErrCanceled is returned when the caller's context ends a run.
	ErrCanceled = errors.New("executor: canceled")
)

// BackendError is a failure of the unit of work (or of opening a connection)
// against the backend. It is never retried.
type BackendError struct {
	BucketID string
	Attempt  int // 1-based acquisition attempt the failure happened on
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error on bucket %s (attempt %d): %v", e.BucketID, e.Attempt, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// RetriesExhaustedError reports that every acquisition attempt timed out.
type RetriesExhaustedError struct {
	BucketID string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for bucket %s after %d attempt(s): %v", e.BucketID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// UnrecoverableError is returned when the fallback policy could not produce
// a result after retries were exhausted.
type UnrecoverableError struct {
	BucketID string
	Err      error // what the fallback reported
	Cause    error // the exhaustion that triggered the fallback
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unrecoverable failure on bucket %s: %v", e.BucketID, e.Cause)
	}
	return fmt.Sprintf("unrecoverable failure on bucket %s: %v (after %v)", e.BucketID, e.Err, e.Cause)
}

func (e *UnrecoverableError) Is(target error) bool { return target == ErrUnrecoverable }

func (e *UnrecoverableError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Unrecoverable builds the error a fallback returns when it has nothing to offer.
func Unrecoverable(fc FallbackContext, err error) error {
	return &UnrecoverableError{BucketID: fc.BucketID, Err: err, Cause: fc.Err}
}

func canceled(ctx context.Context, attempts int) error {
	return fmt.Errorf("%w after %d attempt(s): %w", ErrCanceled, attempts, ctx.Err())
}

// Outcome classifies how a run ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePoolTimeout
	OutcomeBackend
	OutcomeAbandoned // retries exhausted
	OutcomeUnrecoverable
	OutcomeCanceled
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePoolTimeout:
		return "pool_timeout"
	case OutcomeBackend:
		return "backend_error"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeClosed:
		return "pool_closed"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package (or by the pool) to an Outcome.
func Classify(err error) Outcome {
	var backendErr *BackendError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrUnrecoverable):
		return OutcomeUnrecoverable
	case errors.Is(err, ErrRetriesExhausted):
		return OutcomeAbandoned
	case errors.Is(err, ErrCanceled):
		return OutcomeCanceled
	case errors.As(err, &backendErr):
		return OutcomeBackend
	case errors.Is(err, pool.ErrClosed):
		return OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, pool.ErrTimeout):
		return OutcomePoolTimeout
	default:
		return OutcomeBackend
	}
}
