// Package service wires configuration into running pools, executors and
// fallback policies, one set per bucket.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/backend/sqldb"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/executor"
	"github.com/joao-brasil/connpool/internal/fallback"
	"github.com/joao-brasil/connpool/internal/health"
	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/pool"
	"github.com/joao-brasil/connpool/pkg/bucket"
)

// Option configures a Service.
type Option func(*Service)

// WithFactory replaces the database/sql connection factory.
func WithFactory(f pool.FactoryFor[*sqldb.Conn]) Option {
	return func(s *Service) {
		s.factoryFor = f
	}
}

// WithSleeper replaces the executors' backoff sleep.
func WithSleeper(sl executor.Sleeper) Option {
	return func(s *Service) {
		s.sleeper = sl
	}
}

// Service holds everything built from one Config.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	factoryFor pool.FactoryFor[*sqldb.Conn]
	sleeper    executor.Sleeper

	manager   *pool.Manager[*sqldb.Conn]
	redis     redis.UniversalClient
	executors map[string]*executor.Executor[*sqldb.Conn]
	fallbacks map[string]executor.FallbackPolicy[string]

	closeOnce sync.Once
	closeErr  error
}

// New opens every bucket's pool and builds its executor and fallback.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		log:        log,
		factoryFor: sqldb.Factory,
		executors:  make(map[string]*executor.Executor[*sqldb.Conn], len(cfg.Buckets)),
		fallbacks:  make(map[string]executor.FallbackPolicy[string], len(cfg.Buckets)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Nop()
	}

	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}

	mgr, err := pool.NewManager(ctx, cfg.Buckets, s.factoryFor, pool.WithLogger(s.log))
	if err != nil {
		_ = s.closeRedis()
		return nil, fmt.Errorf("creating pool manager: %w", err)
	}
	s.manager = mgr

	for _, id := range mgr.BucketIDs() {
		p, _ := mgr.Pool(id)

		execOpts := []executor.Option{executor.WithLogger(s.log)}
		if s.sleeper != nil {
			execOpts = append(execOpts, executor.WithSleeper(s.sleeper))
		}
		s.executors[id] = executor.New(p, execOpts...)

		fb, err := s.newFallback(p.Bucket())
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.fallbacks[id] = fb
	}

	return s, nil
}

func (s *Service) newFallback(b *bucket.Bucket) (executor.FallbackPolicy[string], error) {
	fc := s.cfg.Fallback
	switch fc.Mode {
	case config.FallbackStatic:
		return fallback.Static(fc.StaticValue), nil
	case config.FallbackStale:
		stale, err := fallback.NewStale[string](fc.StaleEntries, fc.StaleMaxAge)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.ID, err)
		}
		return stale, nil
	case config.FallbackRedis:
		if s.redis == nil {
			return nil, fmt.Errorf("bucket %s: redis fallback without a redis client", b.ID)
		}
		return fallback.NewRedis[string](s.redis, b.ID, fc.RedisTTL, s.log), nil
	case config.FallbackChain:
		stale, err := fallback.NewStale[string](fc.StaleEntries, fc.StaleMaxAge)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.ID, err)
		}
		policies := []executor.FallbackPolicy[string]{stale}
		if s.redis != nil {
			policies = append(policies, fallback.NewRedis[string](s.redis, b.ID, fc.RedisTTL, s.log))
		}
		policies = append(policies, fallback.Static(fc.StaticValue))
		return fallback.NewChain(policies...), nil
	default:
		return fallback.Propagate[string](), nil
	}
}

// Manager returns the pool manager.
func (s *Service) Manager() *pool.Manager[*sqldb.Conn] {
	return s.manager
}

// Redis returns the shared Redis client, or nil when none is configured.
func (s *Service) Redis() redis.UniversalClient {
	return s.redis
}

// Executor returns the executor of a bucket.
func (s *Service) Executor(bucketID string) (*executor.Executor[*sqldb.Conn], bool) {
	e, ok := s.executors[bucketID]
	return e, ok
}

// Query runs work on bucketID with retries and the configured fallback.
// Successful results are remembered under key for stale fallbacks.
func (s *Service) Query(ctx context.Context, bucketID, key string, work executor.Work[*sqldb.Conn, string]) (string, error) {
	e, ok := s.executors[bucketID]
	if !ok {
		return "", fmt.Errorf("%w: %s", pool.ErrUnknownBucket, bucketID)
	}
	return executor.RunWithFallback(ctx, e, key, s.fallbacks[bucketID], work)
}

// Probes returns a health probe per bucket plus Redis when configured.
func (s *Service) Probes() []health.Probe {
	probes := make([]health.Probe, 0, len(s.executors)+1)
	for _, id := range s.manager.BucketIDs() {
		probes = append(probes, health.PoolProbe(s.executors[id], func(ctx context.Context, c *sqldb.Conn) error {
			return c.Ping(ctx)
		}))
	}
	if s.redis != nil {
		probes = append(probes, health.RedisProbe(s.redis))
	}
	return probes
}

// Stats returns pool statistics for every bucket.
func (s *Service) Stats() []pool.Stats {
	return s.manager.Stats()
}

// Close shuts the pools down, then the Redis client. It is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.manager != nil {
			if err := s.manager.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing pools: %w", err))
			}
		}
		if err := s.closeRedis(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) closeRedis() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}
