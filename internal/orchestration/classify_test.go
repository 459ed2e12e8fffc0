package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorUnknown},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrorNetwork},
		{"dns error", &net.DNSError{Err: "no such host", Name: "api"}, ErrorNetwork},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ErrorNetwork},
		{"network keyword", errors.New("fetch failed: socket hang up"), ErrorNetwork},
		{"stage timeout", &StageTimeoutError{Stage: StageResearch, Timeout: time.Second}, ErrorTimeout},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorTimeout},
		{"timeout keyword", errors.New("request timed out"), ErrorTimeout},
		{"rate limit typed", &RateLimitError{Message: "slow down"}, ErrorRateLimit},
		{"rate limit 429", errors.New("HTTP 429 Too Many Requests"), ErrorRateLimit},
		{"quota", errors.New("quota exceeded for model"), ErrorRateLimit},
		{"input validation", &InputValidationError{Stage: StageIdeation, Errors: []string{"x"}}, ErrorValidation},
		{"validation keyword", errors.New("invalid JSON in response"), ErrorValidation},
		{"database", errors.New("database is locked"), ErrorDatabase},
		{"stage failure", &StageFailureError{Stage: StageWriting, Message: "no draft produced"}, ErrorAgent},
		{"llm keyword", errors.New("LLM returned nothing"), ErrorAgent},
		{"checkpoint typed", &CheckpointError{Message: "write failed"}, ErrorCheckpoint},
		{"checkpoint over database cause", &CheckpointError{Message: "failed to write checkpoint", Cause: errors.New("database is locked")}, ErrorCheckpoint},
		{"checkpoint over network cause", &CheckpointError{Message: "failed to write checkpoint", Cause: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, ErrorCheckpoint},
		{"panic", &PanicError{Stage: StageResearch, Value: "network down"}, ErrorUnknown},
		{"unknown", errors.New("something odd"), ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err))
		})
	}
}

func TestClassifier_Priority(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		msg  string
		want ErrorType
	}{
		{"timeout while waiting for rate limit window", ErrorTimeout},
		{"rate limit hit after network reset", ErrorNetwork},
		{"validation failed: database unavailable", ErrorValidation},
		{"agent crashed writing checkpoint", ErrorAgent},
		{"database checkpoint table missing", ErrorDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				assert.Equal(t, tt.want, c.Classify(errors.New(tt.msg)))
			}
		})
	}
}

func TestClassifier_ExistingOrchestrationError(t *testing.T) {
	c := NewClassifier()
	oe := &OrchestrationError{Type: ErrorDatabase, Message: "timeout"}
	wrapped := fmt.Errorf("outer: %w", oe)

	assert.Equal(t, ErrorDatabase, c.Classify(wrapped))
	assert.Same(t, oe, c.Build(wrapped, "critic", time.Second))
}

func TestClassifier_BuildPolicy(t *testing.T) {
	c := NewClassifier()

	for _, tt := range []struct {
		err       error
		retryable bool
		first     RecoveryAction
	}{
		{&StageFailureError{Stage: StageCritique, Message: "boom"}, true, ActionRetry},
		{&InputValidationError{Stage: StageCritique}, false, ActionAbort},
		{&CheckpointError{Message: "write"}, false, ActionSkipAgent},
		{errors.New("mystery"), false, ActionAbort},
	} {
		oe := c.Build(tt.err, "critic", 30*time.Second)
		assert.Equal(t, tt.retryable, oe.Retryable, oe.Type)
		require.NotEmpty(t, oe.RecoveryActions)
		assert.Equal(t, tt.first, oe.RecoveryActions[0])
		assert.Equal(t, "critic", oe.Agent)
		assert.ErrorIs(t, oe, tt.err)
		assert.False(t, oe.Timestamp.IsZero())
	}
}

func TestClassifier_RateLimitRetryAfter(t *testing.T) {
	c := NewClassifier()

	within := c.Build(&RateLimitError{Message: "slow", RetryAfter: 10 * time.Second}, "ideator", 30*time.Second)
	assert.Equal(t, ErrorRateLimit, within.Type)
	assert.True(t, within.Retryable)
	assert.Equal(t, 10*time.Second, within.RetryAfter)
	assert.Equal(t, int64(10000), within.Details["retry_after_ms"])

	beyond := c.Build(&RateLimitError{Message: "slow", RetryAfter: time.Minute}, "ideator", 30*time.Second)
	assert.False(t, beyond.Retryable)
	assert.Contains(t, beyond.Details, "reason")
}

func TestPolicyFor_Table(t *testing.T) {
	tests := []struct {
		typ       ErrorType
		retryable bool
		actions   []RecoveryAction
	}{
		{ErrorAgent, true, []RecoveryAction{ActionRetry, ActionResume, ActionSavePartial}},
		{ErrorTimeout, true, []RecoveryAction{ActionRetry, ActionResume}},
		{ErrorNetwork, true, []RecoveryAction{ActionRetry, ActionResume}},
		{ErrorRateLimit, true, []RecoveryAction{ActionRetry}},
		{ErrorDatabase, true, []RecoveryAction{ActionRetry}},
		{ErrorValidation, false, []RecoveryAction{ActionAbort, ActionSavePartial}},
		{ErrorCheckpoint, false, []RecoveryAction{ActionSkipAgent, ActionAbort}},
		{ErrorUnknown, false, []RecoveryAction{ActionAbort, ActionSavePartial}},
		{ErrorType("BOGUS"), false, []RecoveryAction{ActionAbort, ActionSavePartial}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			p := PolicyFor(tt.typ)
			assert.Equal(t, tt.retryable, p.Retryable)
			assert.Equal(t, tt.actions, p.Actions)
		})
	}

	// Callers cannot corrupt the shared table.
	p := PolicyFor(ErrorAgent)
	p.Actions[0] = ActionAbort
	assert.Equal(t, ActionRetry, PolicyFor(ErrorAgent).Actions[0])
}

func TestOrchestrationError_Error(t *testing.T) {
	oe := &OrchestrationError{Type: ErrorTimeout, Agent: "critic", Message: "too slow"}
	assert.Equal(t, "TIMEOUT [critic]: too slow", oe.Error())
	assert.False(t, oe.HasAction(ActionRetry))

	oe.RecoveryActions = []RecoveryAction{ActionRetry}
	assert.True(t, oe.HasAction(ActionRetry))
}
