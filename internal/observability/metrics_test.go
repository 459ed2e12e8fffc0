package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/retention"
)

var (
	_ orchestration.Metrics = (*Metrics)(nil)
	_ retention.Recorder    = (*Metrics)(nil)
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.StageAttempt(orchestration.StageResearch, orchestration.OutcomeSuccess, 2*time.Second)
	m.StageAttempt(orchestration.StageResearch, orchestration.OutcomeFailure, time.Second)
	m.StageAttempt(orchestration.StageWriting, orchestration.OutcomeSuccess, time.Second)
	m.StageRetry(orchestration.StageResearch, orchestration.ErrorNetwork)
	m.RecoveryAction(orchestration.ActionSavePartial)
	m.CheckpointWritten(true)
	m.CheckpointWritten(true)
	m.CheckpointWritten(false)
	m.RunFinished("completed")
	m.CheckpointsPruned(4)
	m.CheckpointsPruned(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageAttempts.WithLabelValues("research", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageAttempts.WithLabelValues("research", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageRetries.WithLabelValues("research", "NETWORK_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveryActions.WithLabelValues("SAVE_PARTIAL")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.checkpointsWritten.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointsWritten.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.checkpointsPruned))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
