// Package health runs named probes against the pools and their supporting
// infrastructure and serves the results over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/executor"
	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/pool"
)

// Status is the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const defaultProbeTimeout = 5 * time.Second

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport is the overall health report.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Probe checks one component. Check returns a short status message on success.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// StatsFunc reports pool statistics for /health/pools.
type StatsFunc func() []pool.Stats

// InstancesFunc reports every running instance for /health/instances.
type InstancesFunc func(ctx context.Context) (any, error)

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each probe. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithStats exposes pool statistics on /health/pools.
func WithStats(fn StatsFunc) Option {
	return func(c *Checker) {
		c.stats = fn
	}
}

// WithInstances exposes the cluster view on /health/instances.
func WithInstances(fn InstancesFunc) Option {
	return func(c *Checker) {
		c.instances = fn
	}
}

// WithLogger sets the checker's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Checker) {
		c.log = log
	}
}

// Checker runs health probes.
type Checker struct {
	instanceID string
	timeout    time.Duration
	stats      StatsFunc
	instances  InstancesFunc
	log        *slog.Logger

	mu     sync.RWMutex
	probes []Probe
}

// NewChecker creates a health checker for the given instance.
func NewChecker(instanceID string, opts ...Option) *Checker {
	c := &Checker{
		instanceID: instanceID,
		timeout:    defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.log, "health")
	return c
}

// Add registers probes.
func (c *Checker) Add(probes ...Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probes...)
}

// Check runs every probe concurrently and returns a report. The report is
// unhealthy if any component is.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	c.mu.RLock()
	probes := append([]Probe(nil), c.probes...)
	c.mu.RUnlock()

	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	components := make([]ComponentHealth, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

func (c *Checker) run(ctx context.Context, p Probe) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := p.Check(ctx)
	latency := time.Since(start)

	if err != nil {
		c.log.Warn("probe failed", "probe", p.Name, "error", err)
		return ComponentHealth{
			Name:    p.Name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    p.Name,
		Status:  StatusHealthy,
		Message: msg,
		Latency: latency.String(),
	}
}

// RedisProbe checks Redis with PING.
func RedisProbe(client redis.UniversalClient) Probe {
	return Probe{
		Name: "redis",
		Check: func(ctx context.Context) (string, error) {
			if err := client.Ping(ctx).Err(); err != nil {
				return "", fmt.Errorf("PING failed: %w", err)
			}
			return "PONG", nil
		},
	}
}

// PoolProbe checks a bucket end to end: acquire a connection through the
// executor without retries, ping it and release it.
func PoolProbe[C pool.Conn](e *executor.Executor[C], ping func(ctx context.Context, conn C) error) Probe {
	e = e.WithPolicy(executor.Policy{})
	p := e.Pool()

	return Probe{
		Name: "pool-" + p.Bucket().ID,
		Check: func(ctx context.Context) (string, error) {
			_, err := executor.Run(ctx, e, func(ctx context.Context, conn C) (struct{}, error) {
				return struct{}{}, ping(ctx, conn)
			})
			if err != nil {
				return "", err
			}
			st := p.Stats()
			return fmt.Sprintf("%d/%d checked out, %d idle, %d waiting", st.CheckedOut, st.Max, st.Idle, st.Waiters), nil
		},
	}
}

// Handler returns the health HTTP routes.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		status := http.StatusOK
		if rep.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/health/pools", func(w http.ResponseWriter, _ *http.Request) {
		if c.stats == nil {
			writeJSON(w, http.StatusOK, []pool.Stats{})
			return
		}
		writeJSON(w, http.StatusOK, c.stats())
	})

	mux.HandleFunc("/health/instances", func(w http.ResponseWriter, r *http.Request) {
		if c.instances == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance registry not configured"})
			return
		}
		v, err := c.instances(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	return mux
}

// Serve starts the health HTTP server on addr in the background.
func (c *Checker) Serve(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.log.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("HTTP server error", "error", err)
		}
	}()

	return server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
