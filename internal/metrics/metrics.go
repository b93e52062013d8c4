// Package metrics exposes Prometheus collectors for the frontier scheduler
// and the triage cascade.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	frontierAdmissionsTotal    *prometheus.CounterVec
	frontierQueueDepth         prometheus.Gauge
	frontierLeasesTotal        prometheus.Counter
	frontierLeaseEmptyTotal    prometheus.Counter
	frontierLeasesReapedTotal  prometheus.Counter
	frontierCompletionsTotal   *prometheus.CounterVec
	frontierDeadLettersTotal   prometheus.Counter
	cascadeStageVerdictsTotal  *prometheus.CounterVec
	cascadeDecisionsTotal      *prometheus.CounterVec
	fusionScoreHistogram       prometheus.Histogram
	snapshotOperationsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frontierAdmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_admissions_total",
				Help: "Candidate admissions, labeled by result (admitted, seen, malformed, blocked).",
			},
			[]string{"result"},
		)

		frontierQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_queue_depth",
				Help: "Number of jobs currently queued or leased.",
			},
		)

		frontierLeasesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_leases_total",
				Help: "Total leases granted to workers.",
			},
		)

		frontierLeaseEmptyTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_lease_empty_total",
				Help: "Lease attempts that found no eligible job.",
			},
		)

		frontierLeasesReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_leases_reaped_total",
				Help: "Expired leases reclaimed by the reaper.",
			},
		)

		frontierCompletionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_completions_total",
				Help: "Job completions, labeled by outcome (success, retry, dead_letter).",
			},
			[]string{"outcome"},
		)

		frontierDeadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_dead_letters_total",
				Help: "Jobs dropped after exhausting their retry budget.",
			},
		)

		cascadeStageVerdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_stage_verdicts_total",
				Help: "Stage evaluations, labeled by stage and verdict.",
			},
			[]string{"stage", "verdict"},
		)

		cascadeDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_decisions_total",
				Help: "Terminal cascade decisions, labeled by action.",
			},
			[]string{"action"},
		)

		fusionScoreHistogram = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fusion_score",
				Help:    "Distribution of fused oddness scores.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		)

		snapshotOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_operations_total",
				Help: "Snapshot saves and loads, labeled by operation and status.",
			},
			[]string{"operation", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission increments the admission counter for the given result.
func ObserveAdmission(result string) {
	frontierAdmissionsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(depth int) {
	frontierQueueDepth.Set(float64(depth))
}

// ObserveLease records a granted lease.
func ObserveLease() {
	frontierLeasesTotal.Inc()
}

// ObserveLeaseEmpty records a lease attempt that found nothing eligible.
func ObserveLeaseEmpty() {
	frontierLeaseEmptyTotal.Inc()
}

// ObserveReapedLease records one lease reclaimed by the reaper.
func ObserveReapedLease() {
	frontierLeasesReapedTotal.Inc()
}

// ObserveCompletion records a job completion outcome.
func ObserveCompletion(outcome string) {
	frontierCompletionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDeadLetter records a job dropped after max retries.
func ObserveDeadLetter() {
	frontierDeadLettersTotal.Inc()
}

// ObserveStageVerdict records one cascade stage evaluation.
func ObserveStageVerdict(stage, verdict string) {
	cascadeStageVerdictsTotal.WithLabelValues(stage, verdict).Inc()
}

// ObserveDecision records a terminal cascade decision and its fused score.
func ObserveDecision(action string, score float64) {
	cascadeDecisionsTotal.WithLabelValues(action).Inc()
	fusionScoreHistogram.Observe(score)
}

// ObserveSnapshot records a snapshot save or load.
func ObserveSnapshot(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	snapshotOperationsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
