package executor

import (
	"context"
	"errors"

	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/internal/pool"
)

// FallbackContext describes the exhausted run a fallback is asked to cover.
type FallbackContext struct {
	BucketID string
	// Key identifies the request for policies that serve earlier results.
	Key      string
	Attempts int
	Err      error
}

// FallbackPolicy produces a degraded result after retries are exhausted, or
// fails. Any error it returns reaches the caller as *UnrecoverableError.
type FallbackPolicy[T any] interface {
	OnExhausted(ctx context.Context, fc FallbackContext) (T, error)
}

// Recorder is implemented by fallbacks that remember successful results.
type Recorder[T any] interface {
	Record(ctx context.Context, key string, v T)
}

// FallbackFunc adapts a function to FallbackPolicy.
type FallbackFunc[T any] func(ctx context.Context, fc FallbackContext) (T, error)

func (f FallbackFunc[T]) OnExhausted(ctx context.Context, fc FallbackContext) (T, error) {
	return f(ctx, fc)
}

// RunWithFallback is Run plus a fallback invoked exactly once when retries
// are exhausted. Backend errors, cancellation and a closed pool propagate
// without consulting fb. Successful results are recorded under key when fb
// implements Recorder and key is not empty.
func RunWithFallback[C pool.Conn, T any](ctx context.Context, e *Executor[C], key string, fb FallbackPolicy[T], work Work[C, T]) (T, error) {
	bucketID := e.pool.Bucket().ID

	v, err := run(ctx, e, work)
	if err == nil {
		if rec, ok := fb.(Recorder[T]); ok && key != "" {
			rec.Record(ctx, key, v)
		}
		e.observe(nil)
		return v, nil
	}

	var exhausted *RetriesExhaustedError
	if fb == nil || !errors.As(err, &exhausted) {
		e.observe(err)
		return v, err
	}

	fv, ferr := fb.OnExhausted(ctx, FallbackContext{
		BucketID: bucketID,
		Key:      key,
		Attempts: exhausted.Attempts,
		Err:      err,
	})
	if ferr != nil {
		metrics.FallbackTotal.WithLabelValues(bucketID, "failed").Inc()
		var unrecoverable *UnrecoverableError
		if !errors.As(ferr, &unrecoverable) {
			ferr = &UnrecoverableError{BucketID: bucketID, Err: ferr, Cause: err}
		}
		e.log.Warn("fallback failed", "key", key, "error", ferr)
		e.observe(ferr)
		var zero T
		return zero, ferr
	}

	metrics.FallbackTotal.WithLabelValues(bucketID, "served").Inc()
	e.log.Info("served fallback result", "key", key, "attempts", exhausted.Attempts)
	e.observe(err)
	return fv, nil
}
