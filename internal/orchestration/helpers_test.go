package orchestration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

var fixtureOutputs = map[Stage]json.RawMessage{
	StageResearch: json.RawMessage(`{"summary":"Go adoption is growing","findings":[{"topic":"tooling","insight":"fast builds"}]}`),
	StageIdeation: json.RawMessage(`{"ideas":[{"id":"i1","title":"Why Go builds fast"}]}`),
	StageCritique: json.RawMessage(`{"critiques":[{"idea_id":"i1","score":8}]}`),
	StageAnalysis: json.RawMessage(`{"selected_idea_id":"i1","outline":["intro","body","outro"]}`),
	StageWriting:  json.RawMessage(`{"title":"Why Go builds fast","content":"Because."}`),
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() *Backoff {
	return (&Backoff{
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}).WithJitterSource(func() float64 { return 0 })
}

// scriptedWorker returns scripted results in order, then succeeds with the fixture.
type scriptedWorker struct {
	stage  Stage
	mu     sync.Mutex
	calls  int
	script []Result
	inputs []StageInput
}

func (w *scriptedWorker) Execute(ctx context.Context, in StageInput) Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.inputs = append(w.inputs, in)
	if w.calls <= len(w.script) {
		return w.script[w.calls-1]
	}
	return Result{Success: true, Data: fixtureOutputs[w.stage]}
}

func (w *scriptedWorker) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func newWorkers() map[Stage]*scriptedWorker {
	out := make(map[Stage]*scriptedWorker, len(Stages))
	for _, st := range Stages {
		out[st] = &scriptedWorker{stage: st}
	}
	return out
}

func asWorkers(ws map[Stage]*scriptedWorker) map[Stage]Worker {
	out := make(map[Stage]Worker, len(ws))
	for st, w := range ws {
		out[st] = w
	}
	return out
}

func failing(msg string, n int) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{Success: false, Error: msg}
	}
	return out
}

// recordingSink captures every notification.
type recordingSink struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingSink) callback(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) sink(sessionID string) ProgressSink {
	return CallbackSink{SessionID: sessionID, Callback: r.callback}
}

func (r *recordingSink) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, ev := range r.events {
		if ev.Kind == EventPhaseChange {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func (r *recordingSink) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// countingMetrics records recovery actions and retries.
type countingMetrics struct {
	NopMetrics
	mu      sync.Mutex
	actions []RecoveryAction
	retries int
}

func (m *countingMetrics) RecoveryAction(a RecoveryAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
}

func (m *countingMetrics) StageRetry(Stage, ErrorType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
