package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/pkg/bucket"
)

// FactoryFor returns the connection factory for a bucket.
type FactoryFor[C Conn] func(b *bucket.Bucket) Factory[C]

// Manager owns one Pool per configured bucket.
type Manager[C Conn] struct {
	mu     sync.RWMutex
	pools  map[string]*Pool[C] // keyed by bucket ID
	closed bool
	log    *slog.Logger
}

// NewManager creates a Manager and initializes a Pool for each bucket.
// If any pool fails to initialize, the pools created so far are closed.
func NewManager[C Conn](ctx context.Context, buckets []bucket.Bucket, factoryFor FactoryFor[C], opts ...Option) (*Manager[C], error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	m := &Manager[C]{
		pools: make(map[string]*Pool[C], len(buckets)),
		log:   logging.Component(o.log, "pool"),
	}

	for i := range buckets {
		b := &buckets[i]
		if _, dup := m.pools[b.ID]; dup {
			m.Close()
			return nil, fmt.Errorf("%w: duplicate bucket id %s", bucket.ErrInvalid, b.ID)
		}
		p, err := New(ctx, b, factoryFor(b), opts...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("initializing pool for bucket %s: %w", b.ID, err)
		}
		m.pools[b.ID] = p
	}

	m.log.Info("manager initialized", "pools", len(m.pools))
	return m, nil
}

// Pool returns the Pool for a bucket ID.
func (m *Manager[C]) Pool(bucketID string) (*Pool[C], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[bucketID]
	return p, ok
}

// BucketIDs returns the managed bucket IDs in sorted order.
func (m *Manager[C]) BucketIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Acquire obtains a connection from the pool of the given bucket. After
// Close it fails with ErrClosed like the pool itself.
func (m *Manager[C]) Acquire(ctx context.Context, bucketID string, timeout time.Duration) (*PooledConn[C], error) {
	p, ok := m.Pool(bucketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucketID)
	}
	return p.Acquire(ctx, timeout)
}

// Release returns a connection to the pool of its bucket. A connection of
// an unknown bucket is closed.
func (m *Manager[C]) Release(conn *PooledConn[C]) error {
	if conn == nil {
		return fmt.Errorf("%w: release of nil connection", ErrInvariantViolation)
	}

	p, ok := m.Pool(conn.BucketID())
	if !ok {
		m.log.Warn("releasing connection for unknown bucket, closing", "bucket_id", conn.BucketID())
		return errors.Join(fmt.Errorf("%w: %s", ErrUnknownBucket, conn.BucketID()), conn.close())
	}
	return p.Release(conn)
}

// Discard permanently removes a connection from the pool of its bucket.
func (m *Manager[C]) Discard(conn *PooledConn[C]) error {
	if conn == nil {
		return fmt.Errorf("%w: discard of nil connection", ErrInvariantViolation)
	}

	p, ok := m.Pool(conn.BucketID())
	if !ok {
		return errors.Join(fmt.Errorf("%w: %s", ErrUnknownBucket, conn.BucketID()), conn.close())
	}
	return p.Discard(conn)
}

// Stats returns pool statistics for all buckets, ordered by bucket ID.
func (m *Manager[C]) Stats() []Stats {
	ids := m.BucketIDs()
	stats := make([]Stats, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.Pool(id); ok {
			stats = append(stats, p.Stats())
		}
	}
	return stats
}

// Close shuts down all bucket pools. The pools stay registered so that
// connections checked out before Close are still closed by their pool on
// Release. It is safe to call more than once.
func (m *Manager[C]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*Pool[C], 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %s: %w", p.Bucket().ID, err))
		}
	}

	m.log.Info("manager closed", "pools", len(pools))
	return errors.Join(errs...)
}
