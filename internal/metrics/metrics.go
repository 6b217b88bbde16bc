// Package metrics declares the orchestrator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_commands_submitted_total",
		Help: "Total number of commands accepted via POST /commands.",
	})
	CommandsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_commands_by_status",
		Help: "Current number of commands in each status.",
	}, []string{"status"})
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_assignments_total",
		Help: "Total number of successful assign_next_to calls.",
	})
	AssignmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_assignment_duration_seconds",
		Help:    "Duration of the assign_next_to store transaction.",
		Buckets: prometheus.DefBuckets,
	})
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_completions_total",
		Help: "Total number of result reports by terminal status, or \"requeued\" for crash-recovery reports.",
	}, []string{"status"})
	ReclaimedStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reclaimed_stale_total",
		Help: "Total number of commands reclaimed from dead agents.",
	})
	ReclaimedOnStartup = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reclaimed_on_startup_total",
		Help: "Total number of Running commands reset to Pending on server startup.",
	})
	ExecutorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_executor_duration_seconds",
		Help:    "Duration of an executor's execute() call, by command kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
