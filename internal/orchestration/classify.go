package orchestration

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

type classifyRule struct {
	errType  ErrorType
	match    func(error) bool
	keywords []string
}

// Classifier maps raw failures to an ErrorType. Rules are evaluated in a fixed
// priority order and the first match wins.
type Classifier struct {
	rules []classifyRule
	now   func() time.Time
}

// NewClassifier returns a classifier with the standard rule set.
func NewClassifier() *Classifier {
	return &Classifier{
		rules: []classifyRule{
			{
				errType: ErrorNetwork,
				match: func(err error) bool {
					var opErr *net.OpError
					var dnsErr *net.DNSError
					return errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
						errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
				},
				keywords: []string{
					"network", "econnrefused", "econnreset", "connection refused",
					"connection reset", "no such host", "enotfound", "socket hang up",
					"fetch failed", "broken pipe",
				},
			},
			{
				errType: ErrorTimeout,
				match: func(err error) bool {
					var te *StageTimeoutError
					return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
				},
				keywords: []string{"timeout", "timed out", "deadline exceeded", "etimedout"},
			},
			{
				errType: ErrorRateLimit,
				match: func(err error) bool {
					var rl *RateLimitError
					return errors.As(err, &rl)
				},
				keywords: []string{"rate limit", "ratelimit", "too many requests", "429", "quota", "resource exhausted"},
			},
			{
				errType: ErrorValidation,
				match: func(err error) bool {
					var ve *InputValidationError
					return errors.As(err, &ve)
				},
				keywords: []string{"validation", "invalid input", "invalid json", "schema", "malformed", "missing required"},
			},
			{
				errType:  ErrorDatabase,
				keywords: []string{"database", "sql", "deadlock", "connection pool", "constraint violation"},
			},
			{
				errType: ErrorAgent,
				match: func(err error) bool {
					var sf *StageFailureError
					return errors.As(err, &sf)
				},
				keywords: []string{"agent", "llm", "generation failed", "empty response", "no candidates"},
			},
			{
				errType: ErrorCheckpoint,
				match: func(err error) bool {
					var ce *CheckpointError
					return errors.As(err, &ce)
				},
				keywords: []string{"checkpoint"},
			},
		},
		now: time.Now,
	}
}

// Classify returns the category of err. A nil error is UNKNOWN; a recovered worker
// panic is always UNKNOWN and a checkpoint failure always CHECKPOINT.
func (c *Classifier) Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Type
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return ErrorUnknown
	}
	// A failed checkpoint write is a checkpoint failure whatever its cause.
	var ce *CheckpointError
	if errors.As(err, &ce) {
		return ErrorCheckpoint
	}

	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		if r.match != nil && r.match(err) {
			return r.errType
		}
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.errType
			}
		}
	}
	return ErrorUnknown
}

// Build classifies err and constructs the OrchestrationError for it. maxDelay is the
// longest backoff the run tolerates: a provider retry-after beyond it makes a
// RATE_LIMIT failure non-retryable.
func (c *Classifier) Build(err error, agent string, maxDelay time.Duration) *OrchestrationError {
	var existing *OrchestrationError
	if errors.As(err, &existing) {
		return existing
	}

	t := c.Classify(err)
	policy := PolicyFor(t)
	oe := &OrchestrationError{
		Type:            t,
		Agent:           agent,
		Retryable:       policy.Retryable,
		RecoveryActions: policy.Actions,
		Timestamp:       c.now().UTC(),
		Details:         map[string]any{},
		Cause:           err,
	}
	if err != nil {
		oe.Message = err.Error()
	} else {
		oe.Message = "unknown failure"
	}

	var rl *RateLimitError
	if t == ErrorRateLimit && errors.As(err, &rl) && rl.RetryAfter > 0 {
		oe.RetryAfter = rl.RetryAfter
		oe.Details["retry_after_ms"] = rl.RetryAfter.Milliseconds()
		if maxDelay > 0 && rl.RetryAfter > maxDelay {
			oe.Retryable = false
			oe.Details["reason"] = "retry-after exceeds max delay"
		}
	}
	return oe
}
