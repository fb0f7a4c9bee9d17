// Package main is the entrypoint for the connection pool service.
// It loads configuration, opens a pool per bucket, exposes health checks
// and metrics, and sets up graceful shutdown handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/coordinator"
	"github.com/joao-brasil/connpool/internal/health"
	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/internal/service"
)

func main() {
	// Values in .env never override the real environment.
	_ = godotenv.Load()

	serviceConfigPath := flag.String("config", envOr("CONNPOOL_CONFIG", "configs/connpool.yaml"), "Path to service configuration file")
	bucketsConfigPath := flag.String("buckets", envOr("CONNPOOL_BUCKETS", "configs/buckets.yaml"), "Path to buckets configuration file")
	flag.Parse()

	if err := run(*serviceConfigPath, *bucketsConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "poolsrv: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceConfigPath, bucketsConfigPath string) error {
	cfg, err := config.Load(serviceConfigPath, bucketsConfigPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	base := logging.New(cfg.Service.LogLevel).With("instance_id", cfg.Service.InstanceID)
	log := logging.Component(base, "main")
	log.Info("starting connection pool service", "buckets", len(cfg.Buckets), "fallback", cfg.Fallback.Mode)

	for _, b := range cfg.Buckets {
		log.Info("bucket configured",
			"bucket_id", b.ID, "driver", b.DriverName(), "addr", b.Addr(),
			"min_size", b.MinSize, "max_size", b.MaxSize,
			"max_retries", b.Retry.MaxRetries, "base_delay", b.Retry.BaseDelay)
	}

	// Pre-register metric labels for each bucket so dashboards show them immediately.
	for _, b := range cfg.Buckets {
		metrics.ConnectionsCheckedOut.WithLabelValues(b.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(b.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(b.ID).Set(float64(b.MaxSize))
		metrics.QueueLength.WithLabelValues(b.ID).Set(0)
	}
	metrics.InstanceUp.WithLabelValues(cfg.Service.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	svc, err := service.New(context.Background(), cfg, base)
	if err != nil {
		return fmt.Errorf("initializing pools: %w", err)
	}
	for _, s := range svc.Stats() {
		log.Info("pool ready", "bucket_id", s.BucketID, "idle", s.Idle, "max", s.Max)
	}

	checkerOpts := []health.Option{
		health.WithTimeout(cfg.Service.HealthCheckTimeout),
		health.WithStats(svc.Stats),
		health.WithLogger(base),
	}

	var hb *coordinator.Heartbeat
	if rdb := svc.Redis(); rdb != nil {
		hb = coordinator.NewHeartbeat(rdb, cfg.Service.InstanceID,
			cfg.Redis.HeartbeatInterval, cfg.Redis.HeartbeatTTL, svc.Stats, base)
		hb.Start(context.Background())
		checkerOpts = append(checkerOpts, health.WithInstances(func(ctx context.Context) (any, error) {
			return coordinator.Instances(ctx, rdb)
		}))
	}

	checker := health.NewChecker(cfg.Service.InstanceID, checkerOpts...)
	checker.Add(svc.Probes()...)
	healthServer := checker.Serve(fmt.Sprintf(":%d", cfg.Service.HealthCheckPort))

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Info("initial health", "component", comp.Name, "status", comp.Status, "message", comp.Message, "latency", comp.Latency)
	}
	log.Info("overall health", "status", report.Status)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchHealth(ctx, log, checker, cfg.Service.HealthCheckInterval)

	log.Info("service is ready, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	// Shutdown in reverse order.
	metrics.InstanceUp.WithLabelValues(cfg.Service.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown error", "error", err)
	}
	if hb != nil {
		if err := hb.Stop(shutdownCtx); err != nil {
			log.Error("heartbeat stop error", "error", err)
		}
	}
	if err := svc.Close(); err != nil {
		log.Error("pool shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}

// watchHealth runs the probes periodically so failures show up in the logs
// and pool metrics even when nobody polls the HTTP endpoints.
func watchHealth(ctx context.Context, log *slog.Logger, checker *health.Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rep := checker.Check(ctx); rep.Status == health.StatusUnhealthy {
				log.Warn("health check failed", "components", len(rep.Components))
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
