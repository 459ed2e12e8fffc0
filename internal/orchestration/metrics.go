package orchestration

import "time"

// Stage attempt outcomes reported to Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Metrics receives execution measurements. Implementations must be safe for
// concurrent use since several runs may share one.
type Metrics interface {
	StageAttempt(stage Stage, outcome string, duration time.Duration)
	StageRetry(stage Stage, errType ErrorType)
	RecoveryAction(action RecoveryAction)
	CheckpointWritten(ok bool)
	RunFinished(status string)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) StageAttempt(Stage, string, time.Duration) {}
func (NopMetrics) StageRetry(Stage, ErrorType)               {}
func (NopMetrics) RecoveryAction(RecoveryAction)             {}
func (NopMetrics) CheckpointWritten(bool)                    {}
func (NopMetrics) RunFinished(string)                        {}
