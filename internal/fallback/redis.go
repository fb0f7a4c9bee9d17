package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/executor"
	"github.com/joao-brasil/connpool/internal/logging"
)

const keyStale = "connpool:stale:%s:%s" // bucket_id, request key

// Redis keeps the last good result per key in Redis as JSON with a TTL, so
// every instance of the service can serve it.
type Redis[T any] struct {
	client   redis.UniversalClient
	bucketID string
	ttl      time.Duration
	log      *slog.Logger
}

// NewRedis creates a Redis-backed stale policy for one bucket.
func NewRedis[T any](client redis.UniversalClient, bucketID string, ttl time.Duration, log *slog.Logger) *Redis[T] {
	return &Redis[T]{
		client:   client,
		bucketID: bucketID,
		ttl:      ttl,
		log:      logging.Component(log, "fallback").With("bucket_id", bucketID),
	}
}

// Record stores v under key. Failures are logged; a fresh result is never
// lost to the caller because Redis is down.
func (r *Redis[T]) Record(ctx context.Context, key string, v T) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("encoding stale value failed", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		r.log.Warn("storing stale value failed", "key", key, "error", err)
	}
}

func (r *Redis[T]) OnExhausted(ctx context.Context, fc executor.FallbackContext) (T, error) {
	var zero T

	data, err := r.client.Get(ctx, r.key(fc.Key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, executor.Unrecoverable(fc, fmt.Errorf("%w %q", ErrNoValue, fc.Key))
	}
	if err != nil {
		return zero, executor.Unrecoverable(fc, fmt.Errorf("reading stale value: %w", err))
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, executor.Unrecoverable(fc, fmt.Errorf("decoding stale value: %w", err))
	}
	return v, nil
}

func (r *Redis[T]) key(k string) string {
	return fmt.Sprintf(keyStale, r.bucketID, k)
}
