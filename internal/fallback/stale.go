package fallback

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joao-brasil/connpool/internal/executor"
)

type staleEntry[T any] struct {
	value    T
	storedAt time.Time
}

// Stale serves the last successful result recorded under the run's key from
// an in-process LRU. Entries older than maxAge are not served when maxAge > 0.
type Stale[T any] struct {
	cache  *lru.Cache[string, staleEntry[T]]
	maxAge time.Duration
	now    func() time.Time
}

// NewStale creates a Stale policy holding up to size keys.
func NewStale[T any](size int, maxAge time.Duration) (*Stale[T], error) {
	cache, err := lru.New[string, staleEntry[T]](size)
	if err != nil {
		return nil, fmt.Errorf("creating stale cache: %w", err)
	}
	return &Stale[T]{cache: cache, maxAge: maxAge, now: time.Now}, nil
}

// Record stores v as the latest good result for key.
func (s *Stale[T]) Record(_ context.Context, key string, v T) {
	s.cache.Add(key, staleEntry[T]{value: v, storedAt: s.now()})
}

func (s *Stale[T]) OnExhausted(_ context.Context, fc executor.FallbackContext) (T, error) {
	var zero T

	e, ok := s.cache.Get(fc.Key)
	if !ok {
		return zero, executor.Unrecoverable(fc, fmt.Errorf("%w %q", ErrNoValue, fc.Key))
	}
	if s.maxAge > 0 && s.now().Sub(e.storedAt) > s.maxAge {
		s.cache.Remove(fc.Key)
		return zero, executor.Unrecoverable(fc, fmt.Errorf("%w %q: entry expired", ErrNoValue, fc.Key))
	}
	return e.value, nil
}

// Len returns the number of cached keys.
func (s *Stale[T]) Len() int {
	return s.cache.Len()
}
