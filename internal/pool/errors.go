package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for pool operations.
var (
	// ErrTimeout is matched by acquisitions that found no connection within their bound.
	ErrTimeout = errors.New("pool: acquire timeout")

	// ErrClosed is matched by acquisitions against a pool that has been shut down.
	ErrClosed = errors.New("pool: closed")

	// ErrInvariantViolation is returned when a caller hands back a connection
	// the pool does not consider checked out.
	ErrInvariantViolation = errors.New("pool: invariant violation")

	// ErrUnknownBucket is returned by the Manager for an unconfigured bucket.
	ErrUnknownBucket = errors.New("pool: unknown bucket")
)

// AcquireErrorKind classifies why an acquisition failed.
type AcquireErrorKind int

const (
	// AcquireTimeout means the caller waited the full timeout period.
	AcquireTimeout AcquireErrorKind = iota
	// AcquireClosed means the pool was shut down before or during the wait.
	AcquireClosed
)

// AcquireError provides structured information about a failed acquisition.
type AcquireError struct {
	BucketID string
	Kind     AcquireErrorKind
	Waited   time.Duration // how long the caller waited (for AcquireTimeout)
	Timeout  time.Duration // the bound that applied (for AcquireTimeout)
}

func (e *AcquireError) Error() string {
	switch e.Kind {
	case AcquireTimeout:
		return fmt.Sprintf("acquire timeout for bucket %s (waited=%v, timeout=%v)",
			e.BucketID, e.Waited, e.Timeout)
	case AcquireClosed:
		return fmt.Sprintf("pool closed for bucket %s", e.BucketID)
	default:
		return fmt.Sprintf("acquire error for bucket %s", e.BucketID)
	}
}

// Is lets errors.Is match the sentinel that corresponds to the kind.
func (e *AcquireError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == AcquireTimeout
	case ErrClosed:
		return e.Kind == AcquireClosed
	}
	return false
}

// ConnectError wraps a failure to open a new backend connection.
type ConnectError struct {
	BucketID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("creating connection for bucket %s: %v", e.BucketID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a pool acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsClosed reports whether err comes from a shut down pool.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
