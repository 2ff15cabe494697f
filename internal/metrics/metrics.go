// ============================================================================
// ttq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose runtime metrics of the task service.
//
// Metric families:
//
//   1. Counters:
//      - ttq_jobs_submitted_total{job}          accepted by the gateway
//      - ttq_jobs_started_total{job}            handler invocations
//      - ttq_jobs_finished_total{job,state}     SUCCESS / FAILURE / REVOKED
//      - ttq_revoke_requests_total{accepted}    revoke calls
//      - ttq_lease_redeliveries_total           leases reaped and requeued
//      - ttq_jobs_expired_total                 records purged by retention
//      - ttq_jobs_recovered_total               republished at startup
//
//   2. Histogram:
//      - ttq_job_duration_seconds{job}          handler wall time
//
//   3. Gauges:
//      - ttq_queue_pending / ttq_queue_leased   broker depth
//      - ttq_workers_busy                       executions in flight
//      - ttq_jobs_by_state{state}               result store census
//      - ttq_recovery_time_seconds              last startup recovery
//
// Example queries:
//
//   # failure ratio per job
//   rate(ttq_jobs_finished_total{state="FAILURE"}[5m])
//     / ignoring(state) sum without(state) (rate(ttq_jobs_finished_total[5m]))
//
//   # p95 handler time
//   histogram_quantile(0.95, sum by (le, job) (rate(ttq_job_duration_seconds_bucket[5m])))
//
// Registration:
//   Collectors register on the Registerer they are given instead of the
//   global one, so tests and embedded uses can build as many as they like.
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

const namespace = "ttq"

// Collector Prometheus 指標收集器
type Collector struct {
	submitted    *prometheus.CounterVec
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	revokes      *prometheus.CounterVec
	redeliveries prometheus.Counter
	expired      prometheus.Counter
	recovered    prometheus.Counter

	duration *prometheus.HistogramVec

	queuePending prometheus.Gauge
	queueLeased  prometheus.Gauge
	workersBusy  prometheus.Gauge
	byState      *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted for execution",
		}, []string{"job"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of handler invocations",
		}, []string{"job"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"job", "state"}),
		revokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revoke_requests_total",
			Help:      "Total number of revoke requests by outcome",
		}, []string{"accepted"}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_redeliveries_total",
			Help:      "Total number of expired leases returned to the queue",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_expired_total",
			Help:      "Total number of terminal records removed by retention",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Total number of unfinished jobs republished at startup",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Jobs waiting in the broker",
		}),
		queueLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_leased",
			Help:      "Jobs leased to a worker and not yet acknowledged",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Executions currently running",
		}),
		byState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_by_state",
			Help:      "Records held by the result store per state",
		}, []string{"state"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.submitted, c.started, c.finished, c.revokes,
		c.redeliveries, c.expired, c.recovered,
		c.duration,
		c.queuePending, c.queueLeased, c.workersBusy, c.byState, c.recoveryTime,
	)
	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit(job string) {
	c.submitted.WithLabelValues(job).Inc()
}

// JobStarted counts a handler invocation.
func (c *Collector) JobStarted(job string) {
	c.started.WithLabelValues(job).Inc()
	c.workersBusy.Inc()
}

// JobFinished counts a terminal outcome and observes its duration.
func (c *Collector) JobFinished(job string, state types.State, elapsed time.Duration) {
	c.finished.WithLabelValues(job, string(state)).Inc()
	c.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	c.workersBusy.Dec()
}

// RecordRevoke 記錄撤銷請求
func (c *Collector) RecordRevoke(accepted bool) {
	c.revokes.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

// RecordRedeliveries adds n reaped leases.
func (c *Collector) RecordRedeliveries(n int) {
	c.redeliveries.Add(float64(n))
}

// RecordExpired adds n purged records.
func (c *Collector) RecordExpired(n int) {
	c.expired.Add(float64(n))
}

// RecordRecovery 記錄啟動恢復
func (c *Collector) RecordRecovery(jobs int, took time.Duration) {
	c.recovered.Add(float64(jobs))
	c.recoveryTime.Set(took.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, leased int) {
	c.queuePending.Set(float64(pending))
	c.queueLeased.Set(float64(leased))
}

// UpdateStateCounts replaces the per-state census. States missing from
// counts are reported as zero.
func (c *Collector) UpdateStateCounts(counts map[types.State]int) {
	for _, st := range []types.State{
		types.StatePending, types.StateStarted, types.StateProgress,
		types.StateSuccess, types.StateFailure, types.StateRevoked,
	} {
		c.byState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
