package orchestration

import (
	"context"
	"encoding/json"
	"time"
)

// StageInput is what a worker receives: the run identity plus every output merged so far.
type StageInput struct {
	SessionID string
	UserID    string
	Theme     string
	Stage     Stage
	Attempt   int
	Upstream  map[Stage]json.RawMessage
}

// Result is the outcome of one worker call. Expected failures are reported with
// Success=false and an Error message rather than a Go error.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   string
	// RetryAfter is a provider-declared wait before the next attempt, if any.
	RetryAfter time.Duration
}

// Worker executes one pipeline stage. The context is cancelled when the stage
// deadline passes or the run stops; workers should return promptly when it is.
type Worker interface {
	Execute(ctx context.Context, input StageInput) Result
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, input StageInput) Result

func (f WorkerFunc) Execute(ctx context.Context, input StageInput) Result {
	return f(ctx, input)
}
