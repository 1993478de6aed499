// Package metrics exposes Prometheus collectors for the log dispatcher and
// the chart server.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors tracks what the dispatcher forwards, skips and loses.
type Collectors struct {
	entries      *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	initFailures *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors against reg (the default registerer when nil).
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainlog_entries_total",
			Help: "Entries forwarded to a sink, labeled by sink slot.",
		}, []string{"sink"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainlog_entries_skipped_total",
			Help: "Entries withheld from a sink by a routing rule.",
		}, []string{"sink", "reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainlog_sink_failures_total",
			Help: "Sink log calls that returned an error or panicked.",
		}, []string{"sink"}),
		initFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainlog_sink_init_failures_total",
			Help: "External sinks that failed to initialise, labeled by sink name.",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trainlog_http_requests_total",
			Help: "Chart server requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trainlog_http_request_duration_seconds",
			Help:    "Chart server latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	collectors := []prometheus.Collector{
		c.entries, c.skipped, c.failures, c.initFailures, c.httpRequests, c.httpDuration,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register trainlog collector: %w", err)
		}
	}
	return c, nil
}

// ObserveEntry counts a forwarded entry. Safe on a nil receiver.
func (c *Collectors) ObserveEntry(sink string) {
	if c == nil {
		return
	}
	c.entries.WithLabelValues(sink).Inc()
}

// ObserveSkip counts an entry withheld from sink.
func (c *Collectors) ObserveSkip(sink, reason string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(sink, reason).Inc()
}

// ObserveFailure counts a failed log call.
func (c *Collectors) ObserveFailure(sink string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(sink).Inc()
}

// ObserveInitFailure counts an external sink that could not be built.
func (c *Collectors) ObserveInitFailure(name string) {
	if c == nil {
		return
	}
	c.initFailures.WithLabelValues(name).Inc()
}

// ObserveHTTPRequest records one served request.
func (c *Collectors) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
