// Package pool provides a bounded pool of interchangeable backend connections.
// Each bucket gets its own Pool with min/max sizing, a FIFO wait queue with a
// per-acquire timeout, on-demand growth up to the cap, optional session reset
// on release and background eviction of stale idle connections.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/pkg/bucket"
)

const (
	defaultAcquireTimeout = 30 * time.Second
	resetTimeout          = 5 * time.Second
	replenishTimeout      = 10 * time.Second
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	log *slog.Logger
}

// WithLogger sets the logger used by the pool. Default: discard.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// grant is what a waiter receives: either a connection that is already
// checked out in its name, or (conn == nil) a reserved slot to open one.
type grant[C Conn] struct {
	conn *PooledConn[C]
}

type waiter[C Conn] struct {
	ch chan grant[C]
}

// Pool manages connections for a single bucket.
//
// All state below mu is mutated only while holding mu. A connection is in
// at most one of idle or checkedOut; pending counts connections being
// opened (or reset) against the cap, so len(idle)+len(checkedOut)+pending
// never exceeds MaxSize.
type Pool[C Conn] struct {
	mu sync.Mutex

	bucket  *bucket.Bucket
	factory Factory[C]
	log     *slog.Logger

	// idle holds connections available for reuse, most recently used last.
	idle []*PooledConn[C]

	// checkedOut tracks connections currently held by callers.
	checkedOut map[uint64]*PooledConn[C]

	pending int

	// waiters is the FIFO of blocked acquirers.
	waiters []*waiter[C]

	closed bool

	nextID atomic.Uint64

	acquired   uint64
	timeouts   uint64
	created    uint64
	destroyed  uint64
	createErrs uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool for the given bucket and eagerly opens MinSize connections.
// Warm-up failures are logged and the pool starts with fewer connections.
func New[C Conn](ctx context.Context, b *bucket.Bucket, factory Factory[C], opts ...Option) (*Pool[C], error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("pool for bucket %s: nil connection factory", b.ID)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pool[C]{
		bucket:     b,
		factory:    factory,
		log:        logging.Component(o.log, "pool").With(slog.String("bucket_id", b.ID)),
		idle:       make([]*PooledConn[C], 0, b.MaxSize),
		checkedOut: make(map[uint64]*PooledConn[C]),
		stopCh:     make(chan struct{}),
	}

	p.warm(ctx)
	if err := ctx.Err(); err != nil {
		p.Close()
		return nil, fmt.Errorf("initializing pool for bucket %s: %w", b.ID, err)
	}

	metrics.ConnectionsMax.WithLabelValues(b.ID).Set(float64(b.MaxSize))
	p.mu.Lock()
	p.updateMetricsLocked()
	idle := len(p.idle)
	p.mu.Unlock()

	p.log.Info("pool initialized", "idle", idle, "min", b.MinSize, "max", b.MaxSize)

	if b.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop(b.MaintenanceInterval)
	}

	return p, nil
}

// Bucket returns the configuration the pool was built from.
func (p *Pool[C]) Bucket() *bucket.Bucket {
	return p.bucket
}

// Acquire obtains a connection from the pool. When none is idle and the pool
// is at capacity the caller joins the wait queue until a connection is handed
// over, timeout elapses (ErrTimeout) or ctx is done. A timeout <= 0 uses the
// bucket's acquire_timeout.
func (p *Pool[C]) Acquire(ctx context.Context, timeout time.Duration) (*PooledConn[C], error) {
	if timeout <= 0 {
		timeout = p.bucket.AcquireTimeout
	}
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "closed").Inc()
		return nil, p.closedErr()
	}

	// Nobody is queued ahead of us, so the fast paths keep FIFO order.
	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkOutLocked(conn)
			p.updateMetricsLocked()
			p.mu.Unlock()
			metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "acquired").Inc()
			return conn, nil
		}

		if p.liveLocked() < p.bucket.MaxSize {
			p.pending++
			p.updateMetricsLocked()
			p.mu.Unlock()
			return p.open(ctx)
		}
	}

	w := &waiter[C]{ch: make(chan grant[C], 1)}
	p.waiters = append(p.waiters, w)
	position := len(p.waiters)
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.log.Debug("connection queue entered", "position", position, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g, ok := <-w.ch:
		return p.accept(ctx, g, ok, start)

	case <-timer.C:
		if p.abandon(w) {
			p.mu.Lock()
			p.timeouts++
			p.mu.Unlock()
			waited := time.Since(start)
			metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "timeout").Inc()
			metrics.QueueWaitDuration.WithLabelValues(p.bucket.ID).Observe(waited.Seconds())
			return nil, &AcquireError{
				BucketID: p.bucket.ID,
				Kind:     AcquireTimeout,
				Waited:   waited,
				Timeout:  timeout,
			}
		}
		// Served before the timeout was observed under the lock.
		g, ok := <-w.ch
		return p.accept(ctx, g, ok, start)

	case <-ctx.Done():
		if p.abandon(w) {
			metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "cancelled").Inc()
			return nil, ctx.Err()
		}
		g, ok := <-w.ch
		if !ok {
			return nil, p.closedErr()
		}
		// Served concurrently with the cancellation: give it back.
		if g.conn != nil {
			_ = p.Release(g.conn)
		} else {
			p.mu.Lock()
			p.pending--
			p.grantSlotLocked()
			p.updateMetricsLocked()
			p.mu.Unlock()
		}
		metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a checked-out connection to the pool and hands it to the
// longest waiting acquirer, if any. Releasing a connection that is not
// checked out from this pool fails with ErrInvariantViolation. After Close,
// released connections are closed instead of pooled.
func (p *Pool[C]) Release(conn *PooledConn[C]) error {
	if conn == nil {
		return fmt.Errorf("%w: release of nil connection", ErrInvariantViolation)
	}

	p.mu.Lock()
	if cur, ok := p.checkedOut[conn.id]; !ok || cur != conn {
		p.mu.Unlock()
		return fmt.Errorf("%w: connection %d is not checked out from bucket %s",
			ErrInvariantViolation, conn.id, p.bucket.ID)
	}
	delete(p.checkedOut, conn.id)

	if p.closed {
		p.updateMetricsLocked()
		p.mu.Unlock()
		p.destroy(conn, "closed_on_release")
		return nil
	}

	if p.bucket.ResetOnRelease {
		if r, ok := any(conn.conn).(Resetter); ok {
			// The slot stays reserved while the session is reset.
			p.pending++
			p.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
			err := r.Reset(ctx)
			cancel()

			p.mu.Lock()
			p.pending--
			if err != nil || p.closed {
				p.grantSlotLocked()
				p.updateMetricsLocked()
				p.mu.Unlock()
				reason := "closed_on_release"
				if err != nil {
					reason = "reset_failed"
					p.log.Warn("session reset failed, closing connection", "conn_id", conn.id, "error", err)
					metrics.ConnectionErrors.WithLabelValues(p.bucket.ID, reason).Inc()
				}
				p.destroy(conn, reason)
				return nil
			}
		}
	}

	p.returnLocked(conn)
	p.updateMetricsLocked()
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "released").Inc()
	return nil
}

// Discard permanently removes a checked-out connection the caller found
// unusable. Its slot is offered to the longest waiting acquirer.
func (p *Pool[C]) Discard(conn *PooledConn[C]) error {
	if conn == nil {
		return fmt.Errorf("%w: discard of nil connection", ErrInvariantViolation)
	}

	p.mu.Lock()
	if cur, ok := p.checkedOut[conn.id]; !ok || cur != conn {
		p.mu.Unlock()
		return fmt.Errorf("%w: connection %d is not checked out from bucket %s",
			ErrInvariantViolation, conn.id, p.bucket.ID)
	}
	delete(p.checkedOut, conn.id)
	if !p.closed {
		p.grantSlotLocked()
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.destroy(conn, "discarded")
	metrics.ConnectionErrors.WithLabelValues(p.bucket.ID, "discarded").Inc()
	return nil
}

// With acquires a connection, runs fn on it and releases it on every exit
// path, panics included.
func (p *Pool[C]) With(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, conn C) error) error {
	conn, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(conn); rerr != nil {
			p.log.Error("scoped release failed", "conn_id", conn.id, "error", rerr)
		}
	}()
	return fn(ctx, conn.Conn())
}

// Close shuts down the pool. Idle connections are closed now, checked-out
// ones when they are released, and waiters fail with ErrClosed. Subsequent
// Acquire calls fail immediately. Close is idempotent.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	for _, c := range idle {
		if err := p.destroy(c, "closed"); err != nil {
			errs = append(errs, err)
		}
	}

	p.log.Info("pool closed", "closed_idle", len(idle))
	return errors.Join(errs...)
}

// Stats holds a point-in-time view of a pool.
type Stats struct {
	BucketID   string `json:"bucket_id"`
	Idle       int    `json:"idle"`
	CheckedOut int    `json:"checked_out"`
	Pending    int    `json:"pending"`
	Waiters    int    `json:"waiters"`
	Min        int    `json:"min"`
	Max        int    `json:"max"`
	Closed     bool   `json:"closed"`

	Acquired     uint64 `json:"acquired_total"`
	Timeouts     uint64 `json:"timeouts_total"`
	Created      uint64 `json:"created_total"`
	Destroyed    uint64 `json:"destroyed_total"`
	CreateErrors uint64 `json:"create_errors_total"`
}

// Stats returns current pool statistics.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		BucketID:     p.bucket.ID,
		Idle:         len(p.idle),
		CheckedOut:   len(p.checkedOut),
		Pending:      p.pending,
		Waiters:      len(p.waiters),
		Min:          p.bucket.MinSize,
		Max:          p.bucket.MaxSize,
		Closed:       p.closed,
		Acquired:     p.acquired,
		Timeouts:     p.timeouts,
		Created:      p.created,
		Destroyed:    p.destroyed,
		CreateErrors: p.createErrs,
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

// open creates a connection in a slot already reserved through pending.
func (p *Pool[C]) open(ctx context.Context) (*PooledConn[C], error) {
	conn, err := p.createConn(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.createErrs++
		if !p.closed {
			p.grantSlotLocked()
		}
		p.updateMetricsLocked()
		p.mu.Unlock()

		metrics.ConnectionErrors.WithLabelValues(p.bucket.ID, "create_failed").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectError{BucketID: p.bucket.ID, Err: err}
	}

	if p.closed {
		p.updateMetricsLocked()
		p.mu.Unlock()
		p.destroy(conn, "closed")
		return nil, p.closedErr()
	}

	p.checkOutLocked(conn)
	p.updateMetricsLocked()
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "acquired").Inc()
	return conn, nil
}

// createConn opens a new backend connection bounded by connection_timeout.
func (p *Pool[C]) createConn(ctx context.Context) (*PooledConn[C], error) {
	if t := p.bucket.ConnectionTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	raw, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "created").Inc()
	return newPooledConn(id, p.bucket.ID, raw), nil
}

// accept completes an acquisition after the waiter was served.
func (p *Pool[C]) accept(ctx context.Context, g grant[C], ok bool, start time.Time) (*PooledConn[C], error) {
	if !ok {
		metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "closed").Inc()
		return nil, p.closedErr()
	}
	metrics.QueueWaitDuration.WithLabelValues(p.bucket.ID).Observe(time.Since(start).Seconds())
	if g.conn != nil {
		metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, "acquired").Inc()
		return g.conn, nil
	}
	return p.open(ctx)
}

// abandon removes w from the wait queue. It reports false when w is no
// longer queued, which means it has already been served or the pool closed.
func (p *Pool[C]) abandon(w *waiter[C]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.updateMetricsLocked()
			return true
		}
	}
	return false
}

// returnLocked hands conn to the longest waiter or parks it as idle.
func (p *Pool[C]) returnLocked(conn *PooledConn[C]) {
	if len(p.waiters) > 0 {
		w := p.popWaiterLocked()
		p.checkOutLocked(conn)
		w.ch <- grant[C]{conn: conn}
		return
	}
	conn.markIdle()
	p.idle = append(p.idle, conn)
}

// grantSlotLocked lets the longest waiters open connections in slots that
// just became free.
func (p *Pool[C]) grantSlotLocked() {
	for len(p.waiters) > 0 && p.liveLocked() < p.bucket.MaxSize {
		w := p.popWaiterLocked()
		p.pending++
		w.ch <- grant[C]{}
	}
}

func (p *Pool[C]) popWaiterLocked() *waiter[C] {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool[C]) checkOutLocked(conn *PooledConn[C]) {
	conn.markCheckedOut()
	p.checkedOut[conn.id] = conn
	p.acquired++
}

func (p *Pool[C]) liveLocked() int {
	return len(p.idle) + len(p.checkedOut) + p.pending
}

// destroy closes the backend connection outside the pool lock.
func (p *Pool[C]) destroy(conn *PooledConn[C], reason string) error {
	err := conn.close()
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.bucket.ID, reason).Inc()
	if err != nil {
		p.log.Warn("closing connection failed", "conn_id", conn.id, "reason", reason, "error", err)
		return fmt.Errorf("closing connection %d: %w", conn.id, err)
	}
	return nil
}

func (p *Pool[C]) closedErr() error {
	return &AcquireError{BucketID: p.bucket.ID, Kind: AcquireClosed}
}

// updateMetricsLocked refreshes Prometheus gauges for this pool.
func (p *Pool[C]) updateMetricsLocked() {
	metrics.ConnectionsCheckedOut.WithLabelValues(p.bucket.ID).Set(float64(len(p.checkedOut)))
	metrics.ConnectionsIdle.WithLabelValues(p.bucket.ID).Set(float64(len(p.idle)))
	metrics.ConnectionsPending.WithLabelValues(p.bucket.ID).Set(float64(p.pending))
	metrics.QueueLength.WithLabelValues(p.bucket.ID).Set(float64(len(p.waiters)))
}

// warm eagerly opens min_size connections.
func (p *Pool[C]) warm(ctx context.Context) {
	var (
		mu    sync.Mutex
		conns []*PooledConn[C]
		g     errgroup.Group
	)
	for i := range p.bucket.MinSize {
		g.Go(func() error {
			conn, err := p.createConn(ctx)
			if err != nil {
				p.log.Warn("failed to create warm connection",
					"n", i+1, "min", p.bucket.MinSize, "error", err)
				metrics.ConnectionErrors.WithLabelValues(p.bucket.ID, "create_failed").Inc()
				p.mu.Lock()
				p.createErrs++
				p.mu.Unlock()
				return nil
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	for _, c := range conns {
		c.markIdle()
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()
}
