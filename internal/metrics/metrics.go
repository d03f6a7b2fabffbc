// Package metrics exposes Prometheus collectors for the run coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveRuns tracks runs currently holding a session's live slot
	LiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gogo_live_runs",
			Help: "Number of live runs",
		},
	)

	// RunsStarted counts accepted run starts
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gogo_runs_started_total",
			Help: "Total number of runs started",
		},
	)

	// RunsFinished counts runs by terminal outcome
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gogo_runs_finished_total",
			Help: "Total number of runs finished, by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks wall time from start to terminal event
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gogo_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// EventsAppended counts events written to the event log
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gogo_events_appended_total",
			Help: "Total number of run events appended to the log",
		},
		[]string{"type"},
	)

	// DeliveryFailures counts failed pushes to a session channel
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gogo_delivery_failures_total",
			Help: "Total number of failed deliveries to a session channel",
		},
	)

	// ConnectedSessions tracks sessions with an attached channel
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gogo_connected_sessions",
			Help: "Number of sessions with an attached channel",
		},
	)

	// HardKills counts runs forcibly terminated after the grace period
	HardKills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gogo_hard_kills_total",
			Help: "Total number of runs hard-killed after the cancel grace period",
		},
	)

	// ControlCommands counts control command acknowledgments
	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gogo_control_commands_total",
			Help: "Total number of control commands, by type and ack status",
		},
		[]string{"type", "status"},
	)

	// ResumeOutcomes counts resume requests by status
	ResumeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gogo_resume_total",
			Help: "Total number of resume requests, by status",
		},
		[]string{"status"},
	)

	// RecoveredRuns counts runs marked interrupted at startup
	RecoveredRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gogo_recovered_runs_total",
			Help: "Total number of runs marked interrupted by the recovery bootstrap",
		},
	)

	// RetentionPruned counts rows removed by the retention job
	RetentionPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gogo_retention_pruned_total",
			Help: "Total number of rows removed by retention, by table",
		},
		[]string{"table"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunFinished records a run reaching a terminal outcome.
func RecordRunFinished(outcome string, seconds float64) {
	RunsFinished.WithLabelValues(outcome).Inc()
	RunDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordControl records a control command acknowledgment.
func RecordControl(commandType, status string) {
	ControlCommands.WithLabelValues(commandType, status).Inc()
}

// RecordResume records a resume outcome.
func RecordResume(status string) {
	ResumeOutcomes.WithLabelValues(status).Inc()
}
