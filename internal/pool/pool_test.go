package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/connpool/internal/pool"
	"github.com/joao-brasil/connpool/pkg/bucket"
)

type fakeConn struct {
	id     int64
	closed atomic.Bool
	inUse  atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeFactory struct {
	next  atomic.Int64
	fail  atomic.Bool
	calls atomic.Int64
}

func (f *fakeFactory) open(ctx context.Context) (*fakeConn, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &fakeConn{id: f.next.Add(1)}, nil
}

func newBucket(minSize, maxSize int) *bucket.Bucket {
	return &bucket.Bucket{
		ID:             "test",
		Driver:         bucket.DriverSQLite,
		MinSize:        minSize,
		MaxSize:        maxSize,
		AcquireTimeout: time.Second,
	}
}

func newPool(t *testing.T, b *bucket.Bucket) (*pool.Pool[*fakeConn], *fakeFactory) {
	t.Helper()

	f := &fakeFactory{}
	p, err := pool.New(context.Background(), b, f.open)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func waitForWaiters(t *testing.T, p *pool.Pool[*fakeConn], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == n
	}, time.Second, time.Millisecond)
}

// --- New ---

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("opens min_size connections eagerly", func(t *testing.T) {
		t.Parallel()

		p, f := newPool(t, newBucket(3, 5))

		stats := p.Stats()
		require.Equal(t, 3, stats.Idle)
		require.Equal(t, 0, stats.CheckedOut)
		require.EqualValues(t, 3, stats.Created)
		require.EqualValues(t, 3, f.calls.Load())
	})

	t.Run("rejects invalid sizing", func(t *testing.T) {
		t.Parallel()

		f := &fakeFactory{}
		_, err := pool.New(context.Background(), newBucket(0, 5), f.open)
		require.ErrorIs(t, err, bucket.ErrInvalid)

		_, err = pool.New(context.Background(), newBucket(3, 2), f.open)
		require.ErrorIs(t, err, bucket.ErrInvalid)
	})

	t.Run("starts degraded when warm-up fails", func(t *testing.T) {
		t.Parallel()

		f := &fakeFactory{}
		f.fail.Store(true)
		p, err := pool.New(context.Background(), newBucket(2, 2), f.open)
		require.NoError(t, err)
		defer p.Close()

		stats := p.Stats()
		require.Equal(t, 0, stats.Idle)
		require.EqualValues(t, 2, stats.CreateErrors)
	})
}

// --- Acquire / Release ---

func TestPool_AcquireRelease(t *testing.T) {
	t.Parallel()

	t.Run("released connection is re-acquired by identity", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		ctx := context.Background()

		first, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, pool.ConnStateCheckedOut, first.State())
		require.NoError(t, p.Release(first))
		require.Equal(t, pool.ConnStateIdle, first.State())

		second, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		require.Same(t, first, second)
		require.Same(t, first.Conn(), second.Conn())
		require.EqualValues(t, 2, second.UseCount())
		require.NoError(t, p.Release(second))

		stats := p.Stats()
		require.Equal(t, 1, stats.Idle)
		require.EqualValues(t, 1, stats.Created)
	})

	t.Run("grows on demand up to max_size", func(t *testing.T) {
		t.Parallel()

		p, f := newPool(t, newBucket(1, 3))
		ctx := context.Background()

		var held []*pool.PooledConn[*fakeConn]
		for range 3 {
			c, err := p.Acquire(ctx, 0)
			require.NoError(t, err)
			held = append(held, c)
		}
		require.EqualValues(t, 3, f.calls.Load())

		_, err := p.Acquire(ctx, 10*time.Millisecond)
		require.ErrorIs(t, err, pool.ErrTimeout)
		require.EqualValues(t, 3, f.calls.Load(), "no connection beyond max_size")

		for _, c := range held {
			require.NoError(t, p.Release(c))
		}
		require.Equal(t, 3, p.Stats().Idle)
	})

	t.Run("releasing a connection twice is an invariant violation", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))

		c, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.NoError(t, p.Release(c))
		require.ErrorIs(t, p.Release(c), pool.ErrInvariantViolation)
		require.ErrorIs(t, p.Release(nil), pool.ErrInvariantViolation)
	})

	t.Run("releasing a foreign connection is an invariant violation", func(t *testing.T) {
		t.Parallel()

		a, _ := newPool(t, newBucket(1, 1))
		b, _ := newPool(t, newBucket(1, 1))

		c, err := a.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.ErrorIs(t, b.Release(c), pool.ErrInvariantViolation)
		require.NoError(t, a.Release(c))
	})

	t.Run("connect failure is not a timeout", func(t *testing.T) {
		t.Parallel()

		p, f := newPool(t, newBucket(1, 2))
		ctx := context.Background()

		held, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		defer p.Release(held)

		f.fail.Store(true)
		_, err = p.Acquire(ctx, 0)
		require.Error(t, err)
		require.False(t, pool.IsTimeout(err))

		var connectErr *pool.ConnectError
		require.ErrorAs(t, err, &connectErr)
		require.Equal(t, "test", connectErr.BucketID)
		require.Equal(t, 0, p.Stats().Pending)
	})
}

// --- Timeouts and the wait queue ---

func TestPool_Timeout(t *testing.T) {
	t.Parallel()

	t.Run("three callers on max_size=2: exactly one times out", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 2))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			timeouts  atomic.Int32
		)
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Acquire(context.Background(), 100*time.Millisecond)
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, pool.ErrTimeout):
					timeouts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 2, successes.Load())
		require.EqualValues(t, 1, timeouts.Load())
		require.Equal(t, 0, p.Stats().Waiters)
		require.EqualValues(t, 1, p.Stats().Timeouts)
	})

	t.Run("timeout carries wait detail", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		defer p.Release(held)

		_, err = p.Acquire(context.Background(), 20*time.Millisecond)
		var acqErr *pool.AcquireError
		require.ErrorAs(t, err, &acqErr)
		require.Equal(t, pool.AcquireTimeout, acqErr.Kind)
		require.Equal(t, 20*time.Millisecond, acqErr.Timeout)
		require.GreaterOrEqual(t, acqErr.Waited, 20*time.Millisecond)
	})

	t.Run("timed out waiter never receives a connection", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)

		_, err = p.Acquire(context.Background(), 10*time.Millisecond)
		require.ErrorIs(t, err, pool.ErrTimeout)
		require.Equal(t, 0, p.Stats().Waiters)

		require.NoError(t, p.Release(held))

		stats := p.Stats()
		require.Equal(t, 1, stats.Idle, "released connection must park as idle")
		require.Equal(t, 0, stats.CheckedOut)
	})

	t.Run("cancelled waiter leaves the queue", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := p.Acquire(ctx, time.Minute)
			errCh <- err
		}()
		waitForWaiters(t, p, 1)
		cancel()

		require.ErrorIs(t, <-errCh, context.Canceled)
		require.Equal(t, 0, p.Stats().Waiters)
		require.NoError(t, p.Release(held))
		require.Equal(t, 1, p.Stats().Idle)
	})

	t.Run("waiters are served first come first served", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)

		const n = 5
		order := make(chan int, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := p.Acquire(context.Background(), 5*time.Second)
				if err != nil {
					t.Errorf("waiter %d: %v", i, err)
					return
				}
				order <- i
				_ = p.Release(c)
			}()
			waitForWaiters(t, p, i+1)
		}

		require.NoError(t, p.Release(held))
		wg.Wait()
		close(order)

		got := make([]int, 0, n)
		for i := range order {
			got = append(got, i)
		}
		require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	})

	t.Run("discarded connection slot goes to the waiter", func(t *testing.T) {
		t.Parallel()

		p, f := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)

		got := make(chan *pool.PooledConn[*fakeConn], 1)
		go func() {
			c, err := p.Acquire(context.Background(), 5*time.Second)
			if err != nil {
				t.Errorf("waiter: %v", err)
			}
			got <- c
		}()
		waitForWaiters(t, p, 1)

		require.NoError(t, p.Discard(held))
		require.True(t, held.Conn().closed.Load())

		c := <-got
		require.NotNil(t, c)
		require.NotSame(t, held, c)
		require.EqualValues(t, 2, f.calls.Load())
		require.NoError(t, p.Release(c))
	})
}

// --- Close ---

func TestPool_Close(t *testing.T) {
	t.Parallel()

	t.Run("acquire after close fails immediately with ErrClosed", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(2, 2))
		require.NoError(t, p.Close())

		start := time.Now()
		_, err := p.Acquire(context.Background(), time.Minute)
		require.ErrorIs(t, err, pool.ErrClosed)
		require.True(t, pool.IsClosed(err))
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("closes idle now and checked out on release", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(2, 2))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		idle, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.NoError(t, p.Release(idle))

		require.NoError(t, p.Close())
		require.True(t, idle.Conn().closed.Load())
		require.False(t, held.Conn().closed.Load())

		require.NoError(t, p.Release(held))
		require.True(t, held.Conn().closed.Load())
		require.Equal(t, pool.ConnStateClosed, held.State())
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())
		require.True(t, p.Stats().Closed)
	})

	t.Run("fails blocked waiters", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		held, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := p.Acquire(context.Background(), time.Minute)
			errCh <- err
		}()
		waitForWaiters(t, p, 1)

		require.NoError(t, p.Close())
		require.ErrorIs(t, <-errCh, pool.ErrClosed)
		require.NoError(t, p.Release(held))
	})
}

// --- With ---

func TestPool_With(t *testing.T) {
	t.Parallel()

	t.Run("releases on error", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))
		boom := errors.New("boom")

		err := p.With(context.Background(), 0, func(ctx context.Context, c *fakeConn) error {
			require.Equal(t, 1, p.Stats().CheckedOut)
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 0, p.Stats().CheckedOut)
		require.Equal(t, 1, p.Stats().Idle)
	})

	t.Run("releases on panic", func(t *testing.T) {
		t.Parallel()

		p, _ := newPool(t, newBucket(1, 1))

		require.Panics(t, func() {
			_ = p.With(context.Background(), 0, func(ctx context.Context, c *fakeConn) error {
				panic("unit of work exploded")
			})
		})
		require.Equal(t, 0, p.Stats().CheckedOut)
		require.Equal(t, 1, p.Stats().Idle)
	})
}

// --- Reset on release ---

type resettableConn struct {
	fakeConn
	resets atomic.Int32
	err    error
}

func (c *resettableConn) Reset(context.Context) error {
	c.resets.Add(1)
	return c.err
}

func TestPool_ResetOnRelease(t *testing.T) {
	t.Parallel()

	t.Run("resets before reuse", func(t *testing.T) {
		t.Parallel()

		b := newBucket(1, 1)
		b.ResetOnRelease = true
		conn := &resettableConn{}
		p, err := pool.New(context.Background(), b, func(context.Context) (*resettableConn, error) {
			return conn, nil
		})
		require.NoError(t, err)
		defer p.Close()

		c, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.NoError(t, p.Release(c))
		require.EqualValues(t, 1, conn.resets.Load())
		require.Equal(t, 1, p.Stats().Idle)
	})

	t.Run("failed reset destroys the connection", func(t *testing.T) {
		t.Parallel()

		b := newBucket(1, 1)
		b.ResetOnRelease = true
		conn := &resettableConn{err: errors.New("session broken")}
		p, err := pool.New(context.Background(), b, func(context.Context) (*resettableConn, error) {
			return conn, nil
		})
		require.NoError(t, err)
		defer p.Close()

		c, err := p.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.NoError(t, p.Release(c))

		stats := p.Stats()
		require.Equal(t, 0, stats.Idle)
		require.Equal(t, 0, stats.Pending)
		require.EqualValues(t, 1, stats.Destroyed)
		require.True(t, conn.closed.Load())
	})
}

// --- Concurrency ---

func TestPool_ConcurrentInvariants(t *testing.T) {
	t.Parallel()

	const (
		maxSize    = 3
		workers    = 16
		iterations = 50
	)
	p, _ := newPool(t, newBucket(1, maxSize))

	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := p.Stats()
			if s.Idle+s.CheckedOut+s.Pending > maxSize {
				t.Errorf("size invariant broken: %+v", s)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				c, err := p.Acquire(context.Background(), 5*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if !c.Conn().inUse.CompareAndSwap(false, true) {
					t.Errorf("connection %d handed to two holders", c.ID())
				}
				time.Sleep(50 * time.Microsecond)
				c.Conn().inUse.Store(false)
				if err := p.Release(c); err != nil {
					t.Errorf("release: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	sampler.Wait()

	stats := p.Stats()
	require.Equal(t, 0, stats.CheckedOut)
	require.Equal(t, 0, stats.Waiters)
	require.LessOrEqual(t, stats.Idle, maxSize)
	require.LessOrEqual(t, stats.Created, uint64(maxSize))
}
