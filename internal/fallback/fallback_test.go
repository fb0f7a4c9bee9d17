package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/connpool/internal/executor"
	"github.com/joao-brasil/connpool/internal/logging"
)

func exhaustedContext(key string) executor.FallbackContext {
	return executor.FallbackContext{
		BucketID: "bucket-a",
		Key:      key,
		Attempts: 4,
		Err:      &executor.RetriesExhaustedError{BucketID: "bucket-a", Attempts: 4},
	}
}

func TestPropagate(t *testing.T) {
	t.Parallel()

	_, err := Propagate[int]().OnExhausted(context.Background(), exhaustedContext("k"))
	require.ErrorIs(t, err, executor.ErrUnrecoverable)
	require.ErrorIs(t, err, executor.ErrRetriesExhausted)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	v, err := Static("degraded").OnExhausted(context.Background(), exhaustedContext("k"))
	require.NoError(t, err)
	require.Equal(t, "degraded", v)
}

func TestStale(t *testing.T) {
	t.Parallel()

	t.Run("serves the last recorded value", func(t *testing.T) {
		t.Parallel()

		s, err := NewStale[string](8, 0)
		require.NoError(t, err)

		s.Record(context.Background(), "k", "v1")
		s.Record(context.Background(), "k", "v2")

		v, err := s.OnExhausted(context.Background(), exhaustedContext("k"))
		require.NoError(t, err)
		require.Equal(t, "v2", v)
	})

	t.Run("missing key is unrecoverable", func(t *testing.T) {
		t.Parallel()

		s, err := NewStale[string](8, 0)
		require.NoError(t, err)

		_, err = s.OnExhausted(context.Background(), exhaustedContext("missing"))
		require.ErrorIs(t, err, executor.ErrUnrecoverable)
		require.ErrorIs(t, err, ErrNoValue)
	})

	t.Run("expired entries are dropped", func(t *testing.T) {
		t.Parallel()

		s, err := NewStale[string](8, time.Minute)
		require.NoError(t, err)

		now := time.Now()
		s.now = func() time.Time { return now }
		s.Record(context.Background(), "k", "v")

		s.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err = s.OnExhausted(context.Background(), exhaustedContext("k"))
		require.ErrorIs(t, err, ErrNoValue)
		require.Zero(t, s.Len())
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		t.Parallel()

		s, err := NewStale[int](2, 0)
		require.NoError(t, err)

		s.Record(context.Background(), "a", 1)
		s.Record(context.Background(), "b", 2)
		s.Record(context.Background(), "c", 3)
		require.Equal(t, 2, s.Len())

		_, err = s.OnExhausted(context.Background(), exhaustedContext("a"))
		require.ErrorIs(t, err, ErrNoValue)
	})

	t.Run("invalid size", func(t *testing.T) {
		t.Parallel()

		_, err := NewStale[int](0, 0)
		require.Error(t, err)
	})
}

func TestChain(t *testing.T) {
	t.Parallel()

	t.Run("first success wins", func(t *testing.T) {
		t.Parallel()

		stale, err := NewStale[string](4, 0)
		require.NoError(t, err)

		c := NewChain[string](stale, Static("default"))
		v, err := c.OnExhausted(context.Background(), exhaustedContext("k"))
		require.NoError(t, err)
		require.Equal(t, "default", v)

		c.Record(context.Background(), "k", "cached")
		v, err = c.OnExhausted(context.Background(), exhaustedContext("k"))
		require.NoError(t, err)
		require.Equal(t, "cached", v)
	})

	t.Run("all failing joins errors", func(t *testing.T) {
		t.Parallel()

		stale, err := NewStale[string](4, 0)
		require.NoError(t, err)

		c := NewChain[string](stale, Propagate[string]())
		_, err = c.OnExhausted(context.Background(), exhaustedContext("k"))
		require.ErrorIs(t, err, executor.ErrUnrecoverable)
		require.ErrorIs(t, err, ErrNoValue)
	})

	t.Run("empty chain is unrecoverable", func(t *testing.T) {
		t.Parallel()

		_, err := NewChain[int]().OnExhausted(context.Background(), exhaustedContext("k"))
		require.ErrorIs(t, err, executor.ErrUnrecoverable)
	})
}

func TestRedis_Unreachable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis[map[string]int](client, "bucket-a", time.Minute, logging.Nop())
	require.Equal(t, "connpool:stale:bucket-a:report", r.key("report"))

	// Recording must not fail the caller.
	r.Record(context.Background(), "report", map[string]int{"rows": 3})

	_, err := r.OnExhausted(context.Background(), exhaustedContext("report"))
	require.ErrorIs(t, err, executor.ErrUnrecoverable)
	require.False(t, errors.Is(err, ErrNoValue))
}

func TestRedis(t *testing.T) {
	t.Parallel()

	newRedis := func(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Redis[map[string]int]) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return mr, NewRedis[map[string]int](client, "bucket-a", ttl, logging.Nop())
	}

	t.Run("serves the recorded value until it expires", func(t *testing.T) {
		t.Parallel()

		mr, r := newRedis(t, time.Minute)
		r.Record(context.Background(), "report", map[string]int{"rows": 3})

		key := r.key("report")
		require.Equal(t, time.Minute, mr.TTL(key))

		v, err := r.OnExhausted(context.Background(), exhaustedContext("report"))
		require.NoError(t, err)
		require.Equal(t, map[string]int{"rows": 3}, v)

		mr.FastForward(time.Minute + time.Second)
		_, err = r.OnExhausted(context.Background(), exhaustedContext("report"))
		require.ErrorIs(t, err, executor.ErrUnrecoverable)
		require.ErrorIs(t, err, ErrNoValue)
	})

	t.Run("keys are scoped by bucket", func(t *testing.T) {
		t.Parallel()

		mr, r := newRedis(t, time.Minute)
		r.Record(context.Background(), "report", map[string]int{"rows": 1})

		other := NewRedis[map[string]int](r.client, "bucket-b", time.Minute, logging.Nop())
		_, err := other.OnExhausted(context.Background(), exhaustedContext("report"))
		require.ErrorIs(t, err, ErrNoValue)
		require.True(t, mr.Exists("connpool:stale:bucket-a:report"))
	})

	t.Run("undecodable value is unrecoverable", func(t *testing.T) {
		t.Parallel()

		mr, r := newRedis(t, time.Minute)
		require.NoError(t, mr.Set(r.key("report"), "{broken"))

		_, err := r.OnExhausted(context.Background(), exhaustedContext("report"))
		require.ErrorIs(t, err, executor.ErrUnrecoverable)
		require.ErrorContains(t, err, "decoding stale value")
	})

	t.Run("chained behind the in-memory cache", func(t *testing.T) {
		t.Parallel()

		_, r := newRedis(t, time.Minute)
		stale, err := NewStale[map[string]int](4, 0)
		require.NoError(t, err)

		c := NewChain[map[string]int](stale, r)
		c.Record(context.Background(), "report", map[string]int{"rows": 7})

		// Another instance starts with an empty cache but shares Redis.
		cold, err := NewStale[map[string]int](4, 0)
		require.NoError(t, err)
		v, err := NewChain[map[string]int](cold, r).OnExhausted(context.Background(), exhaustedContext("report"))
		require.NoError(t, err)
		require.Equal(t, map[string]int{"rows": 7}, v)
	})
}
