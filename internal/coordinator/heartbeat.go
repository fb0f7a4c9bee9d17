// Package coordinator publishes this instance's pool state to Redis so
// operators can see every running instance from any one of them.
//
// Each instance refreshes a heartbeat key holding its pool statistics with
// a TTL and registers itself in a shared set. Instances whose heartbeat has
// expired are pruned from the set.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/logging"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/internal/pool"
)

// ── Redis key patterns ──────────────────────────────────────────────────
const (
	keyInstanceHB   = "connpool:instance:%s:heartbeat" // JSON InstanceReport with TTL
	keyInstanceList = "connpool:instances"             // set of registered instance IDs
)

const (
	defaultInterval = 10 * time.Second
	defaultTTL      = 30 * time.Second
)

// InstanceReport is what an instance publishes on every beat.
type InstanceReport struct {
	InstanceID string       `json:"instance_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Pools      []pool.Stats `json:"pools"`
}

// Heartbeat periodically refreshes this instance's presence in Redis
// and prunes instances whose heartbeat expired.
type Heartbeat struct {
	client     redis.UniversalClient
	instanceID string
	interval   time.Duration
	ttl        time.Duration
	stats      func() []pool.Stats
	log        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeat creates a heartbeat worker. Zero interval or ttl use 10s and 30s.
func NewHeartbeat(client redis.UniversalClient, instanceID string, interval, ttl time.Duration, stats func() []pool.Stats, log *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = defaultInterval
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Heartbeat{
		client:     client,
		instanceID: instanceID,
		interval:   interval,
		ttl:        ttl,
		stats:      stats,
		log:        logging.Component(log, "heartbeat"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.wg.Add(1)
	go hb.loop(ctx)
	hb.log.Info("started", "interval", hb.interval, "ttl", hb.ttl)
}

// Stop ends the loop, waits for it and deregisters the instance.
func (hb *Heartbeat) Stop(ctx context.Context) error {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
	hb.wg.Wait()

	pipe := hb.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, hb.instanceID))
	pipe.SRem(ctx, keyInstanceList, hb.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregistering instance %s: %w", hb.instanceID, err)
	}
	return nil
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.wg.Done()

	// Send the first heartbeat immediately.
	_ = hb.Beat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Prune less frequently (every 3 intervals).
	beats := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hb.Beat(ctx); err != nil {
				continue
			}
			beats++
			if beats%3 == 0 {
				if _, err := hb.Prune(ctx); err != nil {
					hb.log.Warn("pruning dead instances failed", "error", err)
				}
			}
		}
	}
}

// Beat publishes the current pool statistics with the heartbeat TTL.
func (hb *Heartbeat) Beat(ctx context.Context) error {
	data, err := hb.report()
	if err != nil {
		return err
	}

	pipe := hb.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyInstanceHB, hb.instanceID), data, hb.ttl)
	pipe.SAdd(ctx, keyInstanceList, hb.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		hb.log.Warn("sending heartbeat failed", "error", err)
		metrics.InstanceUp.WithLabelValues(hb.instanceID).Set(0)
		return fmt.Errorf("sending heartbeat: %w", err)
	}

	metrics.InstanceUp.WithLabelValues(hb.instanceID).Set(1)
	return nil
}

func (hb *Heartbeat) report() ([]byte, error) {
	r := InstanceReport{
		InstanceID: hb.instanceID,
		Timestamp:  time.Now().UTC(),
	}
	if hb.stats != nil {
		r.Pools = hb.stats()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding heartbeat: %w", err)
	}
	return data, nil
}

// Prune removes registered instances whose heartbeat key expired and
// returns how many were removed.
func (hb *Heartbeat) Prune(ctx context.Context) (int, error) {
	instances, err := hb.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return 0, fmt.Errorf("listing instances: %w", err)
	}

	removed := 0
	for _, id := range instances {
		if id == hb.instanceID {
			continue
		}
		exists, err := hb.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
		if err != nil || exists > 0 {
			continue
		}
		if err := hb.client.SRem(ctx, keyInstanceList, id).Err(); err != nil {
			return removed, fmt.Errorf("removing instance %s: %w", id, err)
		}
		hb.log.Info("pruned dead instance", "dead_instance_id", id)
		removed++
	}
	return removed, nil
}

// Instances returns the reports of every instance with a live heartbeat,
// sorted by instance ID.
func Instances(ctx context.Context, client redis.UniversalClient) ([]InstanceReport, error) {
	ids, err := client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	sort.Strings(ids)

	reports := make([]InstanceReport, 0, len(ids))
	for _, id := range ids {
		data, err := client.Get(ctx, fmt.Sprintf(keyInstanceHB, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading heartbeat of %s: %w", id, err)
		}
		var r InstanceReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decoding heartbeat of %s: %w", id, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
