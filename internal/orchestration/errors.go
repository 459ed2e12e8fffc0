package orchestration

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownStage is returned when a stage name is not one of the five pipeline stages.
var ErrUnknownStage = errors.New("unknown stage")

// ErrorType is the closed set of failure categories.
type ErrorType string

// ErrorType constants.
const (
	ErrorNetwork    ErrorType = "NETWORK_ERROR"
	ErrorTimeout    ErrorType = "TIMEOUT"
	ErrorRateLimit  ErrorType = "RATE_LIMIT"
	ErrorValidation ErrorType = "VALIDATION_ERROR"
	ErrorDatabase   ErrorType = "DATABASE_ERROR"
	ErrorAgent      ErrorType = "AGENT_FAILURE"
	ErrorCheckpoint ErrorType = "CHECKPOINT_ERROR"
	ErrorUnknown    ErrorType = "UNKNOWN"
)

// RecoveryAction is what the recovery strategy does with a classified failure.
type RecoveryAction string

// RecoveryAction constants.
const (
	ActionRetry       RecoveryAction = "RETRY"
	ActionResume      RecoveryAction = "RESUME_FROM_CHECKPOINT"
	ActionSkipAgent   RecoveryAction = "SKIP_AGENT"
	ActionSavePartial RecoveryAction = "SAVE_PARTIAL"
	ActionAbort       RecoveryAction = "ABORT"
)

// Policy is the static retry/recovery behaviour of an error category.
type Policy struct {
	Retryable bool
	Actions   []RecoveryAction
}

// policies is the single source of truth for retryability and recovery candidates.
var policies = map[ErrorType]Policy{
	ErrorAgent:      {Retryable: true, Actions: []RecoveryAction{ActionRetry, ActionResume, ActionSavePartial}},
	ErrorTimeout:    {Retryable: true, Actions: []RecoveryAction{ActionRetry, ActionResume}},
	ErrorNetwork:    {Retryable: true, Actions: []RecoveryAction{ActionRetry, ActionResume}},
	ErrorRateLimit:  {Retryable: true, Actions: []RecoveryAction{ActionRetry}},
	ErrorDatabase:   {Retryable: true, Actions: []RecoveryAction{ActionRetry}},
	ErrorValidation: {Retryable: false, Actions: []RecoveryAction{ActionAbort, ActionSavePartial}},
	ErrorCheckpoint: {Retryable: false, Actions: []RecoveryAction{ActionSkipAgent, ActionAbort}},
	ErrorUnknown:    {Retryable: false, Actions: []RecoveryAction{ActionAbort, ActionSavePartial}},
}

// PolicyFor returns the policy of an error type; unknown types get the UNKNOWN policy.
func PolicyFor(t ErrorType) Policy {
	p, ok := policies[t]
	if !ok {
		p = policies[ErrorUnknown]
	}
	actions := make([]RecoveryAction, len(p.Actions))
	copy(actions, p.Actions)
	return Policy{Retryable: p.Retryable, Actions: actions}
}

// OrchestrationError is a classified failure. It is built once and never mutated.
type OrchestrationError struct {
	Type            ErrorType
	Message         string
	Agent           string
	Retryable       bool
	RecoveryActions []RecoveryAction
	Timestamp       time.Time
	Details         map[string]any
	RetryAfter      time.Duration
	Cause           error
}

func (e *OrchestrationError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Type, e.Agent, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Cause
}

// HasAction reports whether action is among the error's recovery candidates.
func (e *OrchestrationError) HasAction(action RecoveryAction) bool {
	for _, a := range e.RecoveryActions {
		if a == action {
			return true
		}
	}
	return false
}

// StageFailureError is produced when a worker reports success=false.
type StageFailureError struct {
	Stage   Stage
	Message string
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

// StageTimeoutError is produced when a worker call outlives its deadline.
type StageTimeoutError struct {
	Stage   Stage
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// RateLimitError carries a provider-declared retry-after hint.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit: %s", e.Message)
}

// InputValidationError reports missing or malformed upstream data, or a malformed stage output.
type InputValidationError struct {
	Stage  Stage
	Errors []string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("validation failed for stage %s: %v", e.Stage, e.Errors)
}

// CheckpointError wraps a failed checkpoint write or read.
type CheckpointError struct {
	Message string
	Cause   error
}

func (e *CheckpointError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("checkpoint error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("checkpoint error: %s", e.Message)
}

func (e *CheckpointError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking worker.
type PanicError struct {
	Stage Stage
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Value)
}
