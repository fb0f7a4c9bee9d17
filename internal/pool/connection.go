package pool

import (
	"context"
	"sync"
	"time"
)

// Conn is the backend handle a Pool manages. The pool only ever closes it;
// everything else about it belongs to the caller holding it.
type Conn interface {
	Close() error
}

// Resetter is implemented by connections that can clear session state
// before being reused. It is used when the bucket sets reset_on_release.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Factory opens a new backend connection.
type Factory[C Conn] func(ctx context.Context) (C, error)

// ConnState represents the lifecycle state of a connection in the pool.
type ConnState int

const (
	ConnStateIdle       ConnState = iota // Available in the pool
	ConnStateCheckedOut                  // Held by exactly one caller
	ConnStateClosed                      // Removed from the pool
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateCheckedOut:
		return "checked_out"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PooledConn wraps a backend connection with the metadata the pool needs.
// It is the unit handed out by Acquire and handed back to Release.
type PooledConn[C Conn] struct {
	mu sync.Mutex

	conn C

	// id is unique within the owning pool.
	id uint64

	// bucketID identifies the pool this connection belongs to.
	bucketID string

	state ConnState

	createdAt  time.Time
	lastUsedAt time.Time

	// useCount tracks how many times this connection was checked out.
	useCount uint64
}

func newPooledConn[C Conn](id uint64, bucketID string, conn C) *PooledConn[C] {
	now := time.Now()
	return &PooledConn[C]{
		conn:       conn,
		id:         id,
		bucketID:   bucketID,
		state:      ConnStateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// Conn returns the underlying backend connection.
func (c *PooledConn[C]) Conn() C {
	return c.conn
}

// ID returns the connection's identifier within its pool.
func (c *PooledConn[C]) ID() uint64 {
	return c.id
}

// BucketID returns the bucket this connection belongs to.
func (c *PooledConn[C]) BucketID() string {
	return c.bucketID
}

// State returns the current connection state.
func (c *PooledConn[C]) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UseCount returns how many times the connection has been checked out.
func (c *PooledConn[C]) UseCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// CreatedAt returns when the backend connection was opened.
func (c *PooledConn[C]) CreatedAt() time.Time {
	return c.createdAt
}

func (c *PooledConn[C]) markCheckedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateCheckedOut
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *PooledConn[C]) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

func (c *PooledConn[C]) idleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// close marks the connection closed and closes the backend handle.
func (c *PooledConn[C]) close() error {
	c.mu.Lock()
	c.state = ConnStateClosed
	c.mu.Unlock()
	return c.conn.Close()
}
