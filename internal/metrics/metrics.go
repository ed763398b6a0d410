// Package metrics counts task outcomes and fetch attempts with Prometheus
// collectors. The pipeline is a batch job, so the registry is exported to a
// node_exporter textfile rather than served.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brensch/era5parquet/internal/report"
)

// Collector is a report.Observer that updates Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// outcomes counts terminal task results by stage and status
	outcomes *prometheus.CounterVec
	// attempts counts individual fetch attempts by result
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "era5_task_outcomes_total",
			Help: "Terminal task outcomes by stage and status.",
		},
		[]string{"stage", "status"},
	)
	c.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "era5_fetch_attempts_total",
			Help: "Archive fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	// Daily archives take from seconds to hours to be produced.
	c.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "era5_task_duration_seconds",
			Help:    "Wall time of completed tasks by stage.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"stage"},
	)

	c.registry.MustRegister(c.outcomes, c.attempts, c.duration)
	return c
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe implements report.Observer.
func (c *Collector) Observe(e report.Event) {
	stage := string(e.Stage)
	switch e.Status {
	case report.StatusRetrying:
		c.attempts.WithLabelValues("failed").Inc()
	case report.StatusSkipped:
		c.outcomes.WithLabelValues(stage, string(e.Status)).Inc()
	case report.StatusSucceeded, report.StatusFailed:
		c.outcomes.WithLabelValues(stage, string(e.Status)).Inc()
		if e.Elapsed > 0 {
			c.duration.WithLabelValues(stage).Observe(e.Elapsed.Seconds())
		}
		// The terminal event carries the last attempt; earlier ones arrived as retries.
		if e.Stage == report.StageDownload && e.Attempt > 0 {
			c.attempts.WithLabelValues(attemptOutcome(e.Status)).Inc()
		}
	}
}

func attemptOutcome(s report.Status) string {
	if s == report.StatusSucceeded {
		return "succeeded"
	}
	return "failed"
}

// WriteTextfile writes the current metric values in the text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
