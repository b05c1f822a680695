// Package metrics provides Prometheus metrics for batch polling and runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll attempt outcomes.
const (
	PollOK             = "ok"
	PollTransportError = "transport_error"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PollAttempts    *prometheus.CounterVec
	ResultFetches   *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
	RecordsKept     prometheus.Counter
	RecordsFiltered prometheus.Counter
	RunDuration     prometheus.Histogram
	ArchiveFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors with reg. A nil reg uses a fresh registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "caseboard"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		PollAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Job status queries by outcome",
			},
			[]string{"outcome"},
		),
		ResultFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_fetches_total",
				Help:      "Result payload fetches by outcome",
			},
			[]string{"outcome"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Batch runs finished, by final status and failure kind",
			},
			[]string{"status", "kind"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Batch runs currently submitted or polling",
			},
		),
		RecordsKept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_kept_total",
				Help:      "Records surviving reconciliation",
			},
		),
		RecordsFiltered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_filtered_total",
				Help:      "Records removed by reconciliation",
			},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time from submission to final outcome",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		ArchiveFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_failures_total",
				Help:      "Result payloads that could not be archived",
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncPollAttempt counts one status query.
func (m *Metrics) IncPollAttempt(outcome string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(outcome).Inc()
}

// IncResultFetch counts one result fetch.
func (m *Metrics) IncResultFetch(outcome string) {
	if m == nil {
		return
	}
	m.ResultFetches.WithLabelValues(outcome).Inc()
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records the end of an active run.
func (m *Metrics) RunFinished(status, kind string, started time.Time) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsFinished.WithLabelValues(status, kind).Inc()
	m.RunDuration.Observe(time.Since(started).Seconds())
}

// AddReconciled records kept and filtered counts of one reconciliation.
func (m *Metrics) AddReconciled(kept, filtered int) {
	if m == nil {
		return
	}
	m.RecordsKept.Add(float64(kept))
	m.RecordsFiltered.Add(float64(filtered))
}

// IncArchiveFailure counts a payload that could not be archived.
func (m *Metrics) IncArchiveFailure() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}
