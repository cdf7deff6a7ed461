package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mholetzko/permetix/internal/domain"
)

// Collector manages all Prometheus metrics for the license server on
// a private registry. Metric names are the established dashboard
// contract; renaming them breaks existing Grafana panels.
type Collector struct {
	borrowAttempts   *prometheus.CounterVec
	borrowSuccesses  *prometheus.CounterVec
	borrowFailures   *prometheus.CounterVec
	overageCheckouts *prometheus.CounterVec
	borrowDuration   *prometheus.HistogramVec

	borrowedGauge   *prometheus.GaugeVec
	totalGauge      *prometheus.GaugeVec
	overageGauge    *prometheus.GaugeVec
	commitGauge     *prometheus.GaugeVec
	maxOverageGauge *prometheus.GaugeVec
	atMaxOverage    *prometheus.GaugeVec

	streamSessions prometheus.Gauge
	bufferedEvents prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		borrowAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_borrow_attempts_total",
				Help: "Total borrow attempts",
			},
			[]string{"tool", "user"},
		),
		borrowSuccesses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_borrow_success_total",
				Help: "Total successful borrows",
			},
			[]string{"tool", "user"},
		),
		borrowFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_borrow_failure_total",
				Help: "Total failed borrow attempts",
			},
			[]string{"tool", "reason"},
		),
		overageCheckouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_overage_checkouts_total",
				Help: "Total overage checkouts",
			},
			[]string{"tool", "user"},
		),
		borrowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "license_borrow_duration_seconds",
				Help:    "Borrow operation duration",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"tool"},
		),
		borrowedGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_borrowed",
				Help: "Currently borrowed licenses per tool",
			},
			[]string{"tool"},
		),
		totalGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_total",
				Help: "Total licenses available per tool",
			},
			[]string{"tool"},
		),
		overageGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_overage",
				Help: "Current overage count per tool",
			},
			[]string{"tool"},
		),
		commitGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_commit",
				Help: "Commit quantity per tool",
			},
			[]string{"tool"},
		),
		maxOverageGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_max_overage",
				Help: "Max overage allowed per tool",
			},
			[]string{"tool"},
		),
		atMaxOverage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "licenses_at_max_overage",
				Help: "Whether tool is at max overage (1) or not (0)",
			},
			[]string{"tool"},
		),
		streamSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "license_stream_sessions",
				Help: "Currently connected snapshot stream sessions",
			},
		),
		bufferedEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "license_events_buffered",
				Help: "Events currently retained in the telemetry buffer",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		c.borrowAttempts,
		c.borrowSuccesses,
		c.borrowFailures,
		c.overageCheckouts,
		c.borrowDuration,
		c.borrowedGauge,
		c.totalGauge,
		c.overageGauge,
		c.commitGauge,
		c.maxOverageGauge,
		c.atMaxOverage,
		c.streamSessions,
		c.bufferedEvents,
	)

	return c
}

// ObserveBorrowAttempt counts one borrow attempt.
func (c *Collector) ObserveBorrowAttempt(tool, user string) {
	c.borrowAttempts.WithLabelValues(tool, user).Inc()
}

// ObserveBorrowSuccess counts a successful borrow and its duration.
func (c *Collector) ObserveBorrowSuccess(tool, user string, isOverage bool, duration time.Duration) {
	c.borrowSuccesses.WithLabelValues(tool, user).Inc()
	c.borrowDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if isOverage {
		c.overageCheckouts.WithLabelValues(tool, user).Inc()
	}
}

// ObserveBorrowFailure counts a failed borrow by reason.
func (c *Collector) ObserveBorrowFailure(tool, reason string) {
	c.borrowFailures.WithLabelValues(tool, reason).Inc()
}

// SetPoolGauges refreshes the per-tool occupancy gauges from a status
// read.
func (c *Collector) SetPoolGauges(status domain.PoolStatus) {
	c.borrowedGauge.WithLabelValues(status.Tool).Set(float64(status.Borrowed))
	c.totalGauge.WithLabelValues(status.Tool).Set(float64(status.Total))
	c.overageGauge.WithLabelValues(status.Tool).Set(float64(status.Overage))
	c.commitGauge.WithLabelValues(status.Tool).Set(float64(status.Commit))
	c.maxOverageGauge.WithLabelValues(status.Tool).Set(float64(status.MaxOverage))
	atMax := 0.0
	if status.Overage >= status.MaxOverage {
		atMax = 1.0
	}
	c.atMaxOverage.WithLabelValues(status.Tool).Set(atMax)
}

// SetStreamSessions reports current stream session count.
func (c *Collector) SetStreamSessions(count int) {
	c.streamSessions.Set(float64(count))
}

// SetBufferedEvents reports telemetry buffer occupancy.
func (c *Collector) SetBufferedEvents(count int) {
	c.bufferedEvents.Set(float64(count))
}

// Handler returns the /metrics HTTP handler for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
