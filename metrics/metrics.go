// Package metrics exposes Prometheus counters for the retrain workflow.
//
// Metrics:
//   - retrain_jobs_submitted_total: jobs accepted by the training gateway
//   - retrain_jobs_completed_total / retrain_jobs_failed_total: terminal transitions observed locally
//   - retrain_promotions_total{mode,outcome}: save/overwrite attempts
//   - retrain_archive_failures_total: manifest uploads that failed after commit
//   - retrain_gateway_request_seconds{operation,outcome}: gateway call latency
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service records.
type Collector struct {
	jobsSubmitted   prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	promotions      *prometheus.CounterVec
	archiveFailures prometheus.Counter
	gatewayLatency  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it on reg. A nil reg uses a
// fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_jobs_submitted_total",
			Help: "Total number of training jobs accepted by the training gateway",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_jobs_completed_total",
			Help: "Total number of training jobs observed as completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_jobs_failed_total",
			Help: "Total number of training jobs moved to failed",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrain_promotions_total",
			Help: "Total number of promotion attempts by mode and outcome",
		}, []string{"mode", "outcome"}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrain_archive_failures_total",
			Help: "Total number of promotion manifests that could not be archived",
		}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrain_gateway_request_seconds",
			Help:    "Training gateway request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.promotions,
		c.archiveFailures,
		c.gatewayLatency,
	)
	return c
}

func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordTerminal counts a job that reached completed or failed.
func (c *Collector) RecordTerminal(status string) {
	switch status {
	case "completed":
		c.jobsCompleted.Inc()
	case "failed":
		c.jobsFailed.Inc()
	}
}

// RecordPromotion counts a save ("new") or overwrite attempt.
func (c *Collector) RecordPromotion(mode string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.promotions.WithLabelValues(mode, outcome).Inc()
}

func (c *Collector) RecordArchiveFailure() {
	c.archiveFailures.Inc()
}

// ObserveGateway records the latency of one gateway call.
func (c *Collector) ObserveGateway(operation string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.gatewayLatency.WithLabelValues(operation, outcome).Observe(time.Since(started).Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
