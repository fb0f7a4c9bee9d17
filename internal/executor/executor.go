// Package executor runs units of work against pooled connections.
//
// A run acquires a connection, executes the unit of work on it and releases
// it on every exit path. Only pool exhaustion (pool.ErrTimeout) is retried,
// with exponential backoff bounded by Policy.MaxRetries; backend failures
// surface immediately as *BackendError. When retries run out the caller gets
// a *RetriesExhaustedError, or the result of a FallbackPolicy when one is
// supplied through RunWithFallback.
package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"time"

	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/internal/pool"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Work is a unit of work executed on a checked-out connection.
type Work[C pool.Conn, T any] func(ctx context.Context, conn C) (T, error)

// Option configures an Executor.
type Option func(*options)

type options struct {
	policy         *Policy
	acquireTimeout time.Duration
	queryTimeout   *time.Duration
	sleep          Sleeper
	log            *slog.Logger
}

// WithPolicy overrides the retry policy taken from the bucket.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = &p
	}
}

// WithAcquireTimeout overrides the bucket's acquire_timeout for every attempt.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		o.acquireTimeout = d
	}
}

// WithQueryTimeout overrides the bucket's query_timeout. Zero disables it.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) {
		o.queryTimeout = &d
	}
}

// WithSleeper replaces the backoff sleep. Tests use it to observe delays.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		o.sleep = s
	}
}

// WithLogger sets the logger used by the executor. Default: discard.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Executor runs units of work against one pool.
type Executor[C pool.Conn] struct {
	pool           *pool.Pool[C]
	policy         Policy
	acquireTimeout time.Duration
	queryTimeout   time.Duration
	sleep          Sleeper
	log            *slog.Logger
}

// New creates an Executor for p. Policy and timeouts default to the pool's bucket.
func New[C pool.Conn](p *pool.Pool[C], opts ...Option) *Executor[C] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b := p.Bucket()
	e := &Executor[C]{
		pool:           p,
		policy:         PolicyFromBucket(b),
		acquireTimeout: b.AcquireTimeout,
		queryTimeout:   b.QueryTimeout,
		sleep:          SleepContext,
		log:            logging.Component(o.log, "executor").With(slog.String("bucket_id", b.ID)),
	}
	if o.policy != nil {
		e.policy = *o.policy
	}
	if o.acquireTimeout > 0 {
		e.acquireTimeout = o.acquireTimeout
	}
	if o.queryTimeout != nil {
		e.queryTimeout = *o.queryTimeout
	}
	if o.sleep != nil {
		e.sleep = o.sleep
	}
	return e
}

// WithPolicy returns a copy of the executor using p for its runs.
func (e *Executor[C]) WithPolicy(p Policy) *Executor[C] {
	cp := *e
	cp.policy = p
	return &cp
}

// Policy returns the retry policy in effect.
func (e *Executor[C]) Policy() Policy {
	return e.policy
}

// Pool returns the pool the executor draws from.
func (e *Executor[C]) Pool() *pool.Pool[C] {
	return e.pool
}

// Run executes work on a pooled connection, retrying pool exhaustion
// according to the executor's policy.
func Run[C pool.Conn, T any](ctx context.Context, e *Executor[C], work Work[C, T]) (T, error) {
	v, err := run(ctx, e, work)
	e.observe(err)
	return v, err
}

// SleepContext sleeps for d unless ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func run[C pool.Conn, T any](ctx context.Context, e *Executor[C], work Work[C, T]) (T, error) {
	var zero T
	bucketID := e.pool.Bucket().ID

	for attempt := 0; ; attempt++ {
		conn, err := e.pool.Acquire(ctx, e.acquireTimeout)
		if err == nil {
			return execute(ctx, e, conn, work, attempt+1)
		}

		switch {
		case pool.IsTimeout(err):
		case pool.IsClosed(err):
			return zero, err
		case ctx.Err() != nil:
			return zero, canceled(ctx, attempt+1)
		default:
			return zero, &BackendError{BucketID: bucketID, Attempt: attempt + 1, Err: err}
		}

		if attempt >= e.policy.MaxRetries {
			e.log.Warn("retries exhausted", "attempts", attempt+1, "error", err)
			return zero, &RetriesExhaustedError{BucketID: bucketID, Attempts: attempt + 1, Last: err}
		}

		delay := e.policy.Delay(attempt)
		e.log.Debug("pool exhausted, backing off", "attempt", attempt+1, "delay", delay)
		metrics.ExecutorRetries.WithLabelValues(bucketID).Inc()
		metrics.ExecutorBackoffSeconds.WithLabelValues(bucketID).Add(delay.Seconds())

		if err := e.sleep(ctx, delay); err != nil {
			return zero, canceled(ctx, attempt+1)
		}
	}
}

// execute runs work on conn and hands conn back on every exit path. A
// connection reported broken by the driver is discarded instead, whatever
// else happened to the caller's context.
func execute[C pool.Conn, T any](ctx context.Context, e *Executor[C], conn *pool.PooledConn[C], work Work[C, T], attempt int) (T, error) {
	bucketID := e.pool.Bucket().ID

	var werr error
	defer func() {
		var rerr error
		if errors.Is(werr, driver.ErrBadConn) {
			rerr = e.pool.Discard(conn)
		} else {
			rerr = e.pool.Release(conn)
		}
		if rerr != nil {
			e.log.Error("returning connection failed", "conn_id", conn.ID(), "error", rerr)
		}
	}()

	wctx := ctx
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	var v T
	start := time.Now()
	v, werr = work(wctx, conn.Conn())
	metrics.QueryDuration.WithLabelValues(bucketID).Observe(time.Since(start).Seconds())

	if werr != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, canceled(ctx, attempt)
		}
		return zero, &BackendError{BucketID: bucketID, Attempt: attempt, Err: werr}
	}
	return v, nil
}

func (e *Executor[C]) observe(err error) {
	metrics.ExecutorRuns.WithLabelValues(e.pool.Bucket().ID, Classify(err).String()).Inc()
}
