// Package fallback provides executor.FallbackPolicy implementations used when
// a run exhausts its retries against a saturated pool.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/joao-brasil/connpool/internal/executor"
)

// ErrNoValue is reported by caching policies that hold nothing for the key.
var ErrNoValue = errors.New("fallback: no value for key")

// Propagate returns a policy that never degrades: exhaustion always surfaces
// as an unrecoverable error.
func Propagate[T any]() executor.FallbackPolicy[T] {
	return executor.FallbackFunc[T](func(_ context.Context, fc executor.FallbackContext) (T, error) {
		var zero T
		return zero, executor.Unrecoverable(fc, nil)
	})
}

// Static returns a policy that answers every exhausted run with v.
func Static[T any](v T) executor.FallbackPolicy[T] {
	return executor.FallbackFunc[T](func(context.Context, executor.FallbackContext) (T, error) {
		return v, nil
	})
}

// Chain tries each policy in order and returns the first result. When all
// of them fail the errors are joined into one unrecoverable error.
type Chain[T any] struct {
	policies []executor.FallbackPolicy[T]
}

// NewChain builds a Chain over policies.
func NewChain[T any](policies ...executor.FallbackPolicy[T]) *Chain[T] {
	return &Chain[T]{policies: policies}
}

func (c *Chain[T]) OnExhausted(ctx context.Context, fc executor.FallbackContext) (T, error) {
	var errs []error
	for i, p := range c.policies {
		v, err := p.OnExhausted(ctx, fc)
		if err == nil {
			return v, nil
		}
		errs = append(errs, fmt.Errorf("fallback %d: %w", i, err))
	}

	var zero T
	return zero, executor.Unrecoverable(fc, errors.Join(errs...))
}

// Record forwards a fresh result to every policy in the chain that keeps them.
func (c *Chain[T]) Record(ctx context.Context, key string, v T) {
	for _, p := range c.policies {
		if rec, ok := p.(executor.Recorder[T]); ok {
			rec.Record(ctx, key, v)
		}
	}
}
