package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modbus_gateway"

// WaiterSource reports lock waiters per connection key.
type WaiterSource interface {
	Waiters() map[string]int
}

// Register exposes the collector (and optional lock waiters) on reg.
func Register(reg prometheus.Registerer, c *Collector, waiters WaiterSource) error {
	stat := func(fn func(Stats) float64) func() float64 {
		return func() float64 {
			s, ok := c.Snapshot()
			if !ok {
				return 0
			}
			return fn(s)
		}
	}
	cs := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "point_reads_total", Help: "Point-reads served from cache or wire.",
		}, stat(func(s Stats) float64 { return float64(s.PointReads) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Point-reads served from the window cache.",
		}, stat(func(s Stats) float64 { return float64(s.CacheHits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "window_fills_total", Help: "Window transactions that populated the cache.",
		}, stat(func(s Stats) float64 { return float64(s.WindowFills) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "transaction_errors_total", Help: "Failed wire transactions.",
		}, stat(func(s Stats) float64 { return float64(s.Errors) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_hit_percent", Help: "Share of point-reads served from cache.",
		}, stat(func(s Stats) float64 { return s.CacheHitPercent })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "physical_read_percent", Help: "Window fills per point-read.",
		}, stat(func(s Stats) float64 { return s.PhysicalReadPercent })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transaction_latency_min_seconds", Help: "Fastest transaction.",
		}, stat(func(s Stats) float64 { return s.LatencyMin.Seconds() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transaction_latency_max_seconds", Help: "Slowest transaction.",
		}, stat(func(s Stats) float64 { return s.LatencyMax.Seconds() })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transaction_latency_mean_seconds", Help: "Mean transaction latency.",
		}, stat(func(s Stats) float64 { return s.LatencyMean.Seconds() })),
	}
	if waiters != nil {
		cs = append(cs, &waiterCollector{src: waiters, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connection_lock_waiters"),
			"Callers waiting on a connection lock.", []string{"connection"}, nil)})
	}
	var errs []error
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type waiterCollector struct {
	src  WaiterSource
	desc *prometheus.Desc
}

func (w *waiterCollector) Describe(ch chan<- *prometheus.Desc) { ch <- w.desc }

func (w *waiterCollector) Collect(ch chan<- prometheus.Metric) {
	for key, n := range w.src.Waiters() {
		ch <- prometheus.MustNewConstMetric(w.desc, prometheus.GaugeValue, float64(n), key)
	}
}
