// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessageTransitions counts lifecycle transitions by target status.
	MessageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "messages",
			Name:      "transitions_total",
			Help:      "Message status transitions",
		},
		[]string{"status"},
	)

	// BeginRejections counts refused Begin calls by the status that refused them.
	BeginRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "messages",
			Name:      "begin_rejections_total",
			Help:      "Begin calls refused because the message was not pending",
		},
		[]string{"status"},
	)

	BudgetDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Budget checks by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	TokensDebited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "budget",
			Name:      "tokens_debited_total",
			Help:      "Completion tokens debited",
		},
		[]string{"tier"},
	)

	RetrievalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "retrieval",
			Name:      "errors_total",
			Help:      "Entity class retrievals that failed",
		},
		[]string{"kind"},
	)

	OrchestrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quadsearch",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Search run duration from Begin to terminal status",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	StaleReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quadsearch",
			Subsystem: "reaper",
			Name:      "reaped_total",
			Help:      "Messages failed by the stale-processing sweep",
		},
	)
)
