// Package metrics keeps process-wide counters describing cache effectiveness
// and transaction latency.
package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultLockTimeout bounds how long an update waits for the collector.
const DefaultLockTimeout = time.Second

// Stats is a snapshot of the collector.
type Stats struct {
	// PointReads counts every point-read, served from cache or not.
	PointReads uint64
	CacheHits  uint64
	// LiveReads are point-reads that fell through to a transaction.
	LiveReads   uint64
	WindowFills uint64
	Errors      uint64
	// Transactions is LiveReads + WindowFills + writes.
	Transactions uint64

	CacheHitPercent     float64
	PhysicalReadPercent float64

	LatencyMin   time.Duration
	LatencyMax   time.Duration
	LatencyMean  time.Duration
	latencyTotal time.Duration
}

// Collector is safe for use by every poll loop. Updates never block for
// longer than the lock timeout; a late update is dropped.
type Collector struct {
	sem     chan struct{}
	timeout time.Duration
	log     zerolog.Logger
	stats   Stats
}

func NewCollector(timeout time.Duration, log zerolog.Logger) *Collector {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Collector{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
		log:     log.With().Str("component", "metrics").Logger(),
	}
}

func (c *Collector) acquire(op string) bool {
	select {
	case c.sem <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case c.sem <- struct{}{}:
		return true
	case <-t.C:
		c.log.Debug().Str("op", op).Dur("timeout", c.timeout).Msg("metrics lock timeout, update dropped")
		return false
	}
}

func (c *Collector) release() { <-c.sem }

func (c *Collector) update(op string, fn func(s *Stats)) {
	if !c.acquire(op) {
		return
	}
	defer c.release()
	fn(&c.stats)
	c.stats.recompute()
}

// CacheHit records a point-read served from the window cache.
func (c *Collector) CacheHit() {
	c.update("cache_hit", func(s *Stats) {
		s.PointReads++
		s.CacheHits++
	})
}

// LiveRead records a point-read that issued its own transaction.
func (c *Collector) LiveRead(latency time.Duration) {
	c.update("live_read", func(s *Stats) {
		s.PointReads++
		s.LiveReads++
		s.observe(latency)
	})
}

// WindowFill records a successful window transaction.
func (c *Collector) WindowFill(latency time.Duration) {
	c.update("window_fill", func(s *Stats) {
		s.WindowFills++
		s.observe(latency)
	})
}

// Write records a successful write transaction.
func (c *Collector) Write(latency time.Duration) {
	c.update("write", func(s *Stats) { s.observe(latency) })
}

// Error records a failed transaction.
func (c *Collector) Error() {
	c.update("error", func(s *Stats) { s.Errors++ })
}

// Snapshot returns a copy of the current stats. ok is false when the
// collector could not be locked in time.
func (c *Collector) Snapshot() (Stats, bool) {
	if !c.acquire("snapshot") {
		return Stats{}, false
	}
	defer c.release()
	return c.stats, true
}

func (s *Stats) observe(latency time.Duration) {
	s.Transactions++
	s.latencyTotal += latency
	if s.LatencyMin == 0 || latency < s.LatencyMin {
		s.LatencyMin = latency
	}
	if latency > s.LatencyMax {
		s.LatencyMax = latency
	}
}

func (s *Stats) recompute() {
	if s.PointReads > 0 {
		s.CacheHitPercent = float64(s.CacheHits) / float64(s.PointReads) * 100
		s.PhysicalReadPercent = float64(s.WindowFills) / float64(s.PointReads) * 100
	}
	if s.Transactions > 0 {
		s.LatencyMean = s.latencyTotal / time.Duration(s.Transactions)
	}
}
