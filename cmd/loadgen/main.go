// Package main is the entrypoint for the load generator.
// It opens the configured pools in-process and drives concurrent workers
// against every bucket, holding each connection for a while so the pools
// saturate. A per-bucket outcome summary is printed at the end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/connpool/internal/backend/sqldb"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/executor"
	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/service"
)

const outcomeFallback = "fallback"

type options struct {
	servicePath string
	bucketsPath string
	workers     int
	duration    time.Duration
	requests    int
	hold        time.Duration
	keys        int
}

func main() {
	_ = godotenv.Load()

	var o options
	flag.StringVar(&o.servicePath, "config", envOr("CONNPOOL_CONFIG", "configs/connpool.yaml"), "Path to service configuration file")
	flag.StringVar(&o.bucketsPath, "buckets", envOr("CONNPOOL_BUCKETS", "configs/buckets.yaml"), "Path to buckets configuration file")
	flag.IntVar(&o.workers, "workers", 10, "Concurrent workers per bucket")
	flag.DurationVar(&o.duration, "duration", 30*time.Second, "How long to generate load (ignored when -requests is set)")
	flag.IntVar(&o.requests, "requests", 0, "Requests per worker (0 = run for -duration)")
	flag.DurationVar(&o.hold, "hold", 50*time.Millisecond, "How long each request holds its connection")
	flag.IntVar(&o.keys, "keys", 16, "Distinct request keys per bucket")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	if o.workers <= 0 {
		return errors.New("-workers must be > 0")
	}
	if o.keys <= 0 {
		o.keys = 1
	}

	cfg, err := config.Load(o.servicePath, o.bucketsPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	runID := uuid.NewString()
	base := logging.New(cfg.Service.LogLevel).With("run_id", runID)
	log := logging.Component(base, "loadgen")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, base)
	if err != nil {
		return fmt.Errorf("initializing pools: %w", err)
	}
	defer svc.Close()

	if o.requests == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	log.Info("generating load",
		"buckets", len(cfg.Buckets), "workers", o.workers,
		"duration", o.duration, "requests", o.requests, "hold", o.hold)

	tally := newTally()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range cfg.Buckets {
		for w := range o.workers {
			g.Go(func() error {
				worker(gctx, svc, b.ID, w, o, tally)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tally.print(os.Stdout, runID, time.Since(start))
	return nil
}

func worker(ctx context.Context, svc *service.Service, bucketID string, id int, o options, t *tally) {
	for i := 0; o.requests == 0 || i < o.requests; i++ {
		if ctx.Err() != nil {
			return
		}

		key := fmt.Sprintf("req-%d", (id+i)%o.keys)
		fresh := false
		begin := time.Now()

		_, err := svc.Query(ctx, bucketID, key, func(ctx context.Context, c *sqldb.Conn) (string, error) {
			if err := c.Ping(ctx); err != nil {
				return "", err
			}
			if err := executor.SleepContext(ctx, o.hold); err != nil {
				return "", err
			}
			fresh = true
			return fmt.Sprintf("%s@%s", key, time.Now().UTC().Format(time.RFC3339Nano)), nil
		})

		outcome := executor.Classify(err).String()
		if err == nil && !fresh {
			outcome = outcomeFallback
		}
		// Requests cut short by the end of the run are not results.
		if outcome == executor.OutcomeCanceled.String() && ctx.Err() != nil {
			return
		}
		t.add(bucketID, outcome, time.Since(begin))
	}
}

type bucketTally struct {
	outcomes map[string]int
	total    int
	latency  time.Duration
	maxLat   time.Duration
}

type tally struct {
	mu      sync.Mutex
	buckets map[string]*bucketTally
}

func newTally() *tally {
	return &tally{buckets: make(map[string]*bucketTally)}
}

func (t *tally) add(bucketID, outcome string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bt, ok := t.buckets[bucketID]
	if !ok {
		bt = &bucketTally{outcomes: make(map[string]int)}
		t.buckets[bucketID] = bt
	}
	bt.outcomes[outcome]++
	bt.total++
	bt.latency += d
	bt.maxLat = max(bt.maxLat, d)
}

func (t *tally) print(f io.Writer, runID string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(f, "run %s finished in %s\n\n", runID, elapsed.Round(time.Millisecond))

	tw := tabwriter.NewWriter(f, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tREQUESTS\tOUTCOME\tCOUNT\tAVG LATENCY\tMAX LATENCY")

	ids := make([]string, 0, len(t.buckets))
	for id := range t.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		bt := t.buckets[id]
		outcomes := make([]string, 0, len(bt.outcomes))
		for o := range bt.outcomes {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)

		avg := bt.latency / time.Duration(bt.total)
		for i, o := range outcomes {
			if i == 0 {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n", id, bt.total, o, bt.outcomes[o],
					avg.Round(time.Microsecond), bt.maxLat.Round(time.Microsecond))
				continue
			}
			fmt.Fprintf(tw, "\t\t%s\t%d\t\t\n", o, bt.outcomes[o])
		}
	}
	_ = tw.Flush()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
