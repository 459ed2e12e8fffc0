package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// Metrics records pipeline measurements as Prometheus series. It satisfies both
// orchestration.Metrics and retention.Recorder.
type Metrics struct {
	stageAttempts      *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageRetries       *prometheus.CounterVec
	recoveryActions    *prometheus.CounterVec
	checkpointsWritten *prometheus.CounterVec
	runs               *prometheus.CounterVec
	checkpointsPruned  prometheus.Counter
}

// NewMetrics registers the pipeline series with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_stage_attempts_total",
				Help: "Total number of stage worker invocations",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "content_stage_duration_seconds",
				Help:    "Stage worker latency in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		stageRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_stage_retries_total",
				Help: "Total number of stage retries by error type",
			},
			[]string{"stage", "error_type"},
		),
		recoveryActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_recovery_actions_total",
				Help: "Total number of recovery actions taken",
			},
			[]string{"action"},
		),
		checkpointsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_checkpoints_written_total",
				Help: "Total number of checkpoint writes",
			},
			[]string{"outcome"},
		),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_runs_total",
				Help: "Total number of finished runs by final status",
			},
			[]string{"status"},
		),
		checkpointsPruned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "content_checkpoints_pruned_total",
				Help: "Total number of checkpoints deleted by retention",
			},
		),
	}
}

func (m *Metrics) StageAttempt(stage orchestration.Stage, outcome string, d time.Duration) {
	m.stageAttempts.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) StageRetry(stage orchestration.Stage, errType orchestration.ErrorType) {
	m.stageRetries.WithLabelValues(string(stage), string(errType)).Inc()
}

func (m *Metrics) RecoveryAction(action orchestration.RecoveryAction) {
	m.recoveryActions.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) CheckpointWritten(ok bool) {
	outcome := orchestration.OutcomeSuccess
	if !ok {
		outcome = orchestration.OutcomeFailure
	}
	m.checkpointsWritten.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RunFinished(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// CheckpointsPruned adds n to the pruned counter.
func (m *Metrics) CheckpointsPruned(n int64) {
	if n > 0 {
		m.checkpointsPruned.Add(float64(n))
	}
}
