// Package metrics provides Prometheus metrics for staffd.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for staffd. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobRunsTotal    *prometheus.CounterVec
	JobRunDuration  *prometheus.HistogramVec
	JobsInFlight    prometheus.Gauge
	JobsScheduled   prometheus.Gauge
	OverlapsSkipped prometheus.Counter

	// Briefing metrics
	BriefingOutcomesTotal *prometheus.CounterVec
	BriefingsCreatedTotal *prometheus.CounterVec
	ImportanceScore       prometheus.Histogram

	// Chat metrics
	ChatMessagesTotal *prometheus.CounterVec
	StreamsActive     prometheus.Gauge

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates all metrics on a private registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.JobRunsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_job_runs_total",
			Help: "Total number of scheduled job runs by status",
		},
		[]string{"agent", "status"},
	)

	m.JobRunDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staffd_job_run_duration_seconds",
			Help:    "Duration of scheduled job runs in seconds",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)

	m.JobsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "staffd_jobs_in_flight",
			Help: "Number of job executions currently running",
		},
	)

	m.JobsScheduled = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "staffd_jobs_scheduled",
			Help: "Number of jobs with an armed timer",
		},
	)

	m.OverlapsSkipped = f.NewCounter(
		prometheus.CounterOpts{
			Name: "staffd_job_overlaps_skipped_total",
			Help: "Firings skipped because the previous run was still executing",
		},
	)

	m.BriefingOutcomesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_briefing_generations_total",
			Help: "Briefing generation attempts by outcome reason",
		},
		[]string{"agent", "outcome"},
	)

	m.BriefingsCreatedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_briefings_created_total",
			Help: "Briefings persisted by priority",
		},
		[]string{"priority"},
	)

	m.ImportanceScore = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staffd_importance_score",
			Help:    "Distribution of computed importance scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	m.ChatMessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_chat_messages_total",
			Help: "Chat messages handled by recognized intent",
		},
		[]string{"intent"},
	)

	m.StreamsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "staffd_streams_active",
			Help: "Number of open SSE or WebSocket reply streams",
		},
	)

	m.NotificationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_notifications_total",
			Help: "Briefing notification deliveries by status",
		},
		[]string{"status"},
	)

	m.ErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staffd_errors_total",
			Help: "Errors recorded by the error tracker, by kind",
		},
		[]string{"kind"},
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordJobRun records one finished job run.
func (m *Metrics) RecordJobRun(agent, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(agent, status).Inc()
	m.JobRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// JobStarted and JobFinished track executions in flight.
func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsInFlight.Inc()
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.JobsInFlight.Dec()
	}
}

func (m *Metrics) SetScheduled(n int) {
	if m != nil {
		m.JobsScheduled.Set(float64(n))
	}
}

func (m *Metrics) RecordOverlap() {
	if m != nil {
		m.OverlapsSkipped.Inc()
	}
}

// RecordBriefingOutcome records a generation attempt. outcome is
// "generated" or the policy reason.
func (m *Metrics) RecordBriefingOutcome(agent, outcome string, score float64) {
	if m == nil {
		return
	}
	m.BriefingOutcomesTotal.WithLabelValues(agent, outcome).Inc()
	m.ImportanceScore.Observe(score)
}

func (m *Metrics) RecordBriefingsCreated(priority string, n int) {
	if m != nil {
		m.BriefingsCreatedTotal.WithLabelValues(priority).Add(float64(n))
	}
}

func (m *Metrics) RecordChatMessage(intent string) {
	if m != nil {
		m.ChatMessagesTotal.WithLabelValues(intent).Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.StreamsActive.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.StreamsActive.Dec()
	}
}

func (m *Metrics) RecordNotification(status string) {
	if m != nil {
		m.NotificationsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) RecordError(kind string) {
	if m != nil {
		m.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}
