// Package metrics provides Prometheus metrics for the MTR service.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	SessionsCreated       prometheus.Counter
	SessionsCompleted     prometheus.Counter
	SessionsCancelled     prometheus.Counter
	StepsCompleted        *prometheus.CounterVec
	ValidationFailures    *prometheus.CounterVec
	ProblemsIdentified    *prometheus.CounterVec
	InteractionChecks     *prometheus.CounterVec
	ConcurrencyConflicts  prometheus.Counter
	OperationDuration     *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	AuditEventsArchived   prometheus.Counter
	KnowledgeBaseRefresh  *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtr_sessions_created_total",
			Help: "Total MTR sessions created",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtr_sessions_completed_total",
			Help: "Total MTR sessions completed",
		}),
		SessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtr_sessions_cancelled_total",
			Help: "Total MTR sessions cancelled",
		}),
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtr_steps_completed_total",
			Help: "Workflow steps completed",
		}, []string{"step"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtr_validation_failures_total",
			Help: "Requests rejected by validation",
		}, []string{"operation"}),
		ProblemsIdentified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtr_problems_identified_total",
			Help: "Drug therapy problems recorded",
		}, []string{"type", "severity"}),
		InteractionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtr_interaction_checks_total",
			Help: "Interaction assessments by overall severity",
		}, []string{"severity"}),
		ConcurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtr_concurrency_conflicts_total",
			Help: "Session updates rejected by version check or lock",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtr_operation_duration_seconds",
			Help:    "Use case duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		AuditEventsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtr_audit_events_archived_total",
			Help: "Audit events written to the archive",
		}),
		KnowledgeBaseRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drugdb_refresh_total",
			Help: "Drug knowledge base refresh attempts by result",
		}, []string{"result"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsCompleted,
		m.SessionsCancelled,
		m.StepsCompleted,
		m.ValidationFailures,
		m.ProblemsIdentified,
		m.InteractionChecks,
		m.ConcurrencyConflicts,
		m.OperationDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.AuditEventsArchived,
		m.KnowledgeBaseRefresh,
		m.HTTPRequestDuration,
	)

	return m
}

// HandlerFor returns an HTTP handler for a specific registry
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer exposes g on /metrics with a liveness probe on /health, for
// the binaries that serve no other HTTP.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", HandlerFor(g))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
