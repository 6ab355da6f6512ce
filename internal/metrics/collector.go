package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and every gcsf metric. A nil
// *Collector is valid and records nothing, so callers never need to guard.
type Collector struct {
	registry *prometheus.Registry

	fuseOps       *prometheus.CounterVec
	cacheEvents   *prometheus.CounterVec
	syncCycles    prometheus.Counter
	syncChanges   prometheus.Counter
	adapterCalls  *prometheus.CounterVec
	adapterTiming *prometheus.HistogramVec

	server *http.Server
}

// NewCollector builds and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fuseOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsf",
			Subsystem: "fuse",
			Name:      "operations_total",
			Help:      "Kernel operations by name and result.",
		}, []string{"op", "result"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsf",
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Content cache hits, misses and evictions.",
		}, []string{"event"}),
		syncCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcsf",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Delta synchroniser ticks.",
		}),
		syncChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcsf",
			Subsystem: "sync",
			Name:      "changes_applied_total",
			Help:      "Remote changes applied to the local tree.",
		}),
		adapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsf",
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Drive adapter calls by operation and result.",
		}, []string{"op", "result"}),
		adapterTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gcsf",
			Subsystem: "adapter",
			Name:      "call_seconds",
			Help:      "Drive adapter call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
	}

	c.registry.MustRegister(
		c.fuseOps, c.cacheEvents,
		c.syncCycles, c.syncChanges,
		c.adapterCalls, c.adapterTiming,
	)
	return c
}

// RecordFuseOp counts one kernel operation.
func (c *Collector) RecordFuseOp(op string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.fuseOps.WithLabelValues(op, result).Inc()
}

// RecordCacheEvent counts a content-cache hit, miss or eviction.
func (c *Collector) RecordCacheEvent(event string, n uint64) {
	if c == nil {
		return
	}
	c.cacheEvents.WithLabelValues(event).Add(float64(n))
}

// RecordSyncCycle counts one synchroniser tick and the changes it applied.
func (c *Collector) RecordSyncCycle(applied int) {
	if c == nil {
		return
	}
	c.syncCycles.Inc()
	c.syncChanges.Add(float64(applied))
}

// RecordAdapterCall observes one Drive adapter call.
func (c *Collector) RecordAdapterCall(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.adapterCalls.WithLabelValues(op, result).Inc()
	c.adapterTiming.WithLabelValues(op).Observe(d.Seconds())
}

// Serve exposes /metrics on the given port. Used only in debug mode.
func (c *Collector) Serve(port int) error {
	if c == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = c.server.ListenAndServe() }()
	return nil
}

// Close shuts the metrics endpoint down.
func (c *Collector) Close() error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Close()
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
