package pool

import (
	"context"
	"time"
)

// maintenanceLoop runs periodic eviction and replenishment.
func (p *Pool[C]) maintenanceLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.ensureMinSize()
		}
	}
}

// evictStale closes idle connections that exceeded max_idle_time, never
// shrinking the pool below min_size.
func (p *Pool[C]) evictStale() int {
	if p.bucket.MaxIdleTime <= 0 {
		return 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	budget := p.liveLocked() - p.bucket.MinSize
	remaining := make([]*PooledConn[C], 0, len(p.idle))
	var stale []*PooledConn[C]
	for _, conn := range p.idle {
		if budget > 0 && conn.idleDuration() > p.bucket.MaxIdleTime {
			stale = append(stale, conn)
			budget--
			continue
		}
		remaining = append(remaining, conn)
	}
	p.idle = remaining
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, conn := range stale {
		p.destroy(conn, "evicted")
	}
	if len(stale) > 0 {
		p.log.Info("evicted stale connections", "evicted", len(stale))
	}
	return len(stale)
}

// ensureMinSize opens connections until the pool holds at least min_size
// live connections. New connections go to waiters first.
func (p *Pool[C]) ensureMinSize() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	deficit := min(p.bucket.MinSize-p.liveLocked(), p.bucket.MaxSize-p.liveLocked())
	if deficit <= 0 {
		p.mu.Unlock()
		return 0
	}
	p.pending += deficit
	p.updateMetricsLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
	defer cancel()

	created := 0
	for i := range deficit {
		conn, err := p.createConn(ctx)
		if err != nil {
			p.log.Warn("failed to create min_size connection", "error", err)
			p.mu.Lock()
			p.createErrs++
			p.pending -= deficit - i
			p.grantSlotLocked()
			p.updateMetricsLocked()
			p.mu.Unlock()
			break
		}

		p.mu.Lock()
		p.pending--
		if p.closed {
			p.pending -= deficit - i - 1
			p.mu.Unlock()
			p.destroy(conn, "closed")
			break
		}
		p.returnLocked(conn)
		p.updateMetricsLocked()
		p.mu.Unlock()
		created++
	}

	if created > 0 {
		p.log.Info("replenished connections", "created", created)
	}
	return created
}
