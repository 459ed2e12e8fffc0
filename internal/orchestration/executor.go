package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/schemas"
)

// DefaultStageTimeout bounds a single worker call.
const DefaultStageTimeout = 5 * time.Minute

// Options tunes an Executor. Zero values take the defaults; a negative MaxResumes
// disables automatic checkpoint resumes.
type Options struct {
	MaxRetries   int
	StageTimeout time.Duration
	MaxResumes   int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	switch {
	case o.MaxResumes == 0:
		o.MaxResumes = DefaultMaxResumes
	case o.MaxResumes < 0:
		o.MaxResumes = 0
	}
	return o
}

// Deps are the collaborators of an Executor. Workers, Checkpoints and Sessions are
// required; the rest have defaults.
type Deps struct {
	Workers     map[Stage]Worker
	Checkpoints checkpoint.Store
	Sessions    checkpoint.SessionStore
	Classifier  *Classifier
	Backoff     *Backoff
	Recovery    *Recovery
	Sink        ProgressSink
	Logger      *slog.Logger
	Metrics     Metrics
}

// RunRequest starts a fresh run. An empty SessionID gets a generated one.
type RunRequest struct {
	SessionID string
	UserID    string
	Theme     string
}

// RunResult is what a run produced, successful or not.
type RunResult struct {
	SessionID string
	Status    checkpoint.Status
	State     RunState
	Outputs   map[Stage]json.RawMessage
	Elapsed   time.Duration
	// Action is the recovery action that ended the run, if any.
	Action RecoveryAction
	Error  *OrchestrationError
}

// Executor drives one session through the five stages. It runs stages strictly in
// sequence, retries transient failures, checkpoints after every completed stage
// and hands unrecoverable failures to its Recovery.
type Executor struct {
	workers     map[Stage]Worker
	checkpoints checkpoint.Store
	sessions    checkpoint.SessionStore
	classifier  *Classifier
	backoff     *Backoff
	recovery    *Recovery
	notify      notifier
	logger      *slog.Logger
	metrics     Metrics
	opts        Options
	now         func() time.Time
}

// NewExecutor validates deps and builds an Executor.
func NewExecutor(deps Deps, opts Options) (*Executor, error) {
	for _, st := range Stages {
		if deps.Workers[st] == nil {
			return nil, fmt.Errorf("no worker registered for stage %s", st)
		}
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session store is required")
	}

	opts = opts.withDefaults()
	e := &Executor{
		workers:     deps.Workers,
		checkpoints: deps.Checkpoints,
		sessions:    deps.Sessions,
		classifier:  deps.Classifier,
		backoff:     deps.Backoff,
		recovery:    deps.Recovery,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		opts:        opts,
		now:         time.Now,
	}
	if e.classifier == nil {
		e.classifier = NewClassifier()
	}
	if e.backoff == nil {
		e.backoff = DefaultBackoff()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.recovery == nil {
		e.recovery = &Recovery{
			Checkpoints: deps.Checkpoints,
			Sessions:    deps.Sessions,
			MaxRetries:  opts.MaxRetries,
			MaxResumes:  opts.MaxResumes,
			Logger:      e.logger,
			Metrics:     e.metrics,
		}
	}
	sink := deps.Sink
	if sink == nil {
		sink = NopSink{}
	}
	e.notify = notifier{sink: sink, logger: e.logger}
	return e, nil
}

// ExecuteFull runs all five stages for a new session.
func (e *Executor) ExecuteFull(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := e.sessions.CreateSession(ctx, checkpoint.Session{
		ID:     req.SessionID,
		UserID: req.UserID,
		Theme:  req.Theme,
		Status: checkpoint.StatusProcessing,
	}); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	store := NewStateStore(NewRunState(req.SessionID, req.UserID, req.Theme, e.now()))
	e.logger.Info("starting run", "session_id", req.SessionID, "theme", req.Theme)
	e.notify.phaseChange(PhaseInitializing, "")
	e.notify.progress(0, "Starting pipeline")
	return e.run(ctx, store)
}

// ResumeFromCheckpoint continues a session from its latest checkpoint. Stages whose
// output is already present are not re-run. Without a checkpoint the session starts
// over from its status row.
func (e *Executor) ResumeFromCheckpoint(ctx context.Context, sessionID string) (*RunResult, error) {
	cp, err := e.checkpoints.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var store *StateStore
	if cp == nil {
		sess, err := e.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if sess == nil {
			return nil, fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, sessionID)
		}
		e.logger.Info("no checkpoint found, starting fresh", "session_id", sessionID)
		store = NewStateStore(NewRunState(sess.ID, sess.UserID, sess.Theme, e.now()))
	} else {
		store, err = Deserialize(cp.State)
		if err != nil {
			return nil, &CheckpointError{Message: "failed to decode checkpoint " + cp.ID.String(), Cause: err}
		}
		if store.Snapshot().SessionID != sessionID {
			return nil, &CheckpointError{Message: fmt.Sprintf("checkpoint %s belongs to session %s", cp.ID, store.Snapshot().SessionID)}
		}
	}

	if store.IsCompleted() {
		e.logger.Info("session already completed", "session_id", sessionID)
		return e.result(store, checkpoint.StatusCompleted, "", nil, 0), nil
	}

	st := store.Snapshot()
	if err := e.sessions.UpdateSessionStatus(ctx, sessionID, checkpoint.StatusUpdate{Status: checkpoint.StatusProcessing}); err != nil {
		if !errors.Is(err, checkpoint.ErrSessionNotFound) {
			return nil, fmt.Errorf("failed to update session status: %w", err)
		}
		if err := e.sessions.CreateSession(ctx, checkpoint.Session{
			ID: st.SessionID, UserID: st.UserID, Theme: st.Theme, Status: checkpoint.StatusProcessing,
		}); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	store.ClearError()
	e.logger.Info("resuming run", "session_id", sessionID, "phase", st.CurrentPhase, "completed_stages", len(st.CompletedStages()))
	return e.run(ctx, store)
}

type stageOutcome int

const (
	stageDone stageOutcome = iota
	stageRestart
	stageStop
)

func (e *Executor) run(ctx context.Context, store *StateStore) (*RunResult, error) {
	start := e.now()
	sessionID := store.Snapshot().SessionID

	for {
		stage, ok := store.Snapshot().FirstIncompleteStage()
		if !ok {
			break
		}
		outcome, oerr, action, err := e.runStage(ctx, store, stage)
		if err != nil {
			return e.result(store, checkpoint.StatusProcessing, action, oerr, e.now().Sub(start)), err
		}
		if outcome == stageStop {
			e.metrics.RunFinished(string(checkpoint.StatusError))
			e.logger.Error("run stopped", "session_id", sessionID, "action", action, "error", oerr)
			res := e.result(store, checkpoint.StatusError, action, oerr, e.now().Sub(start))
			if oerr == nil {
				return res, errors.New("run stopped")
			}
			return res, oerr
		}
	}

	if !store.IsCompleted() {
		if err := store.UpdatePhase(PhaseCompleted, ""); err != nil {
			return nil, err
		}
		e.notify.phaseChange(PhaseCompleted, "")
	}
	if err := e.sessions.UpdateSessionStatus(ctx, sessionID, checkpoint.StatusUpdate{Status: checkpoint.StatusCompleted}); err != nil {
		e.logger.Warn("failed to mark session completed", "session_id", sessionID, "error", err)
	}

	elapsed := e.now().Sub(start)
	e.notify.progress(100, "Pipeline completed")
	e.metrics.RunFinished(string(checkpoint.StatusCompleted))
	e.logger.Info("run completed", "session_id", sessionID, "elapsed", elapsed)
	return e.result(store, checkpoint.StatusCompleted, "", nil, elapsed), nil
}

// runStage executes one stage until it completes, the run must restart at another
// stage, or recovery ends the run. A non-nil error means the parent context ended.
func (e *Executor) runStage(ctx context.Context, store *StateStore, stage Stage) (stageOutcome, *OrchestrationError, RecoveryAction, error) {
	agent := stage.Agent()
	sessionID := store.Snapshot().SessionID
	log := e.logger.With("session_id", sessionID, "stage", stage)

	e.notify.agentStart(agent)
	if err := store.UpdatePhase(stage.Phase(), agent); err != nil {
		return stageStop, nil, "", err
	}
	e.notify.phaseChange(stage.Phase(), agent)
	progress, _ := stage.Phase().Progress()
	e.notify.progress(progress, fmt.Sprintf("Running %s (%s)", stage, agent))

	if v := store.ValidateInput(stage); !v.Valid {
		oerr := e.classifier.Build(&InputValidationError{Stage: stage, Errors: v.Errors}, agent, e.backoff.MaxDelay)
		return e.fail(ctx, store, stage, oerr, log)
	}

	for attempt := 1; ; attempt++ {
		snap := store.Snapshot()
		input := StageInput{
			SessionID: snap.SessionID,
			UserID:    snap.UserID,
			Theme:     snap.Theme,
			Stage:     stage,
			Attempt:   attempt,
			Upstream:  snap.Outputs(),
		}

		log.Debug("invoking worker", "attempt", attempt)
		data, err := e.invoke(ctx, stage, input)
		if err == nil {
			// An output that arrived as the run was cancelled is still kept.
			outcome, stopErr, action, runErr := e.complete(ctx, store, stage, data, log)
			if runErr == nil && outcome == stageDone && ctx.Err() != nil {
				log.Warn("run interrupted after stage completed", "attempt", attempt)
				return stageStop, nil, "", ctx.Err()
			}
			return outcome, stopErr, action, runErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("run interrupted", "attempt", attempt)
			return stageStop, nil, "", ctxErr
		}

		oerr := e.classifier.Build(err, agent, e.backoff.MaxDelay)
		log.Warn("stage attempt failed", "attempt", attempt, "error_type", oerr.Type, "error", oerr.Message)

		outcome, stopErr, action, runErr := e.fail(ctx, store, stage, oerr, log)
		if runErr != nil || action != ActionRetry {
			return outcome, stopErr, action, runErr
		}

		retry := store.Snapshot().Error.RetryCount
		e.metrics.StageRetry(stage, oerr.Type)
		delay := e.backoff.Delay(retry)
		if oerr.RetryAfter > delay {
			delay = oerr.RetryAfter
		}
		log.Info("retrying stage", "attempt", attempt+1, "retry_count", retry, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return stageStop, nil, "", err
		}
	}
}

// fail notes the error on the state and asks Recovery what to do with it.
func (e *Executor) fail(ctx context.Context, store *StateStore, stage Stage, oerr *OrchestrationError, log *slog.Logger) (stageOutcome, *OrchestrationError, RecoveryAction, error) {
	store.NoteRetryError(errorRecordFrom(oerr, store))
	e.notify.error(oerr)

	d, err := e.recovery.Recover(ctx, oerr, store, store.Snapshot().SessionID)
	if err != nil {
		log.Error("recovery side effect failed", "action", d.Action, "error", err)
	}

	switch d.Action {
	case ActionRetry:
		return stageDone, nil, ActionRetry, nil
	case ActionResume:
		log.Info("resuming from checkpoint", "resume_stage", d.ResumeStage)
		return stageRestart, nil, ActionResume, nil
	case ActionSkipAgent:
		log.Warn("skipping failed checkpoint write", "error", oerr.Message)
		return stageDone, nil, ActionSkipAgent, nil
	default:
		e.notify.phaseChange(PhaseError, oerr.Agent)
		return stageStop, oerr, d.Action, nil
	}
}

// complete merges a successful output, advances the phase and checkpoints.
func (e *Executor) complete(ctx context.Context, store *StateStore, stage Stage, data json.RawMessage, log *slog.Logger) (stageOutcome, *OrchestrationError, RecoveryAction, error) {
	agent := stage.Agent()
	store.ClearError()
	if err := store.MergeOutput(stage, data); err != nil {
		oerr := e.classifier.Build(&StageFailureError{Stage: stage, Message: err.Error()}, agent, e.backoff.MaxDelay)
		return e.fail(ctx, store, stage, oerr, log)
	}
	if err := store.UpdatePhase(stage.NextPhase(), ""); err != nil {
		return stageStop, nil, "", err
	}
	e.notify.phaseChange(stage.NextPhase(), "")

	var action RecoveryAction
	if cpErr := e.writeCheckpoint(ctx, store.Snapshot(), stage, log); cpErr != nil {
		if ctx.Err() != nil {
			return stageStop, nil, "", ctx.Err()
		}
		oerr := e.classifier.Build(cpErr, agent, e.backoff.MaxDelay)
		outcome, stopErr, a, err := e.fail(ctx, store, stage, oerr, log)
		if outcome == stageStop || err != nil {
			return outcome, stopErr, a, err
		}
		action = a
	}
	// The stage is done: its checkpoint failures never count against the next stage.
	store.ClearError()

	e.notify.agentComplete(agent, store.Snapshot().Output(stage))
	progress, _ := stage.NextPhase().Progress()
	e.notify.progress(progress, fmt.Sprintf("Completed %s", stage))
	log.Info("stage completed", "next_phase", stage.NextPhase())
	return stageDone, nil, action, nil
}

// writeCheckpoint saves the post-stage checkpoint, retrying failed writes with the
// backoff policy up to MaxRetries times. Once the parent context has ended the write
// is attempted once, detached from the cancellation, so a finished stage is kept.
func (e *Executor) writeCheckpoint(ctx context.Context, st RunState, stage Stage, log *slog.Logger) error {
	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.WithoutCancel(ctx)
	}
	for retry := 0; ; retry++ {
		_, err := saveCheckpoint(writeCtx, e.checkpoints, st, stage, "stage_completed")
		e.metrics.CheckpointWritten(err == nil)
		if err == nil {
			return nil
		}
		if retry >= e.opts.MaxRetries || ctx.Err() != nil {
			return err
		}
		log.Warn("checkpoint write failed, retrying", "retry", retry+1, "error", err)
		if werr := e.backoff.Wait(ctx, retry+1); werr != nil {
			return err
		}
	}
}

type invokeOutcome struct {
	res Result
	err error
}

// invoke calls the stage worker under the stage deadline. The worker gets a context
// that is cancelled when the deadline passes, and panics become *PanicError.
func (e *Executor) invoke(ctx context.Context, stage Stage, input StageInput) (json.RawMessage, error) {
	worker := e.workers[stage]
	sctx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
	defer cancel()

	started := e.now()
	ch := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeOutcome{err: &PanicError{Stage: stage, Value: r}}
			}
		}()
		ch <- invokeOutcome{res: worker.Execute(sctx, input)}
	}()

	select {
	case out := <-ch:
		data, err := checkResult(stage, out)
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeFailure
		}
		e.metrics.StageAttempt(stage, outcome, e.now().Sub(started))
		return data, err
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.StageAttempt(stage, OutcomeTimeout, e.now().Sub(started))
		return nil, &StageTimeoutError{Stage: stage, Timeout: e.opts.StageTimeout}
	}
}

func checkResult(stage Stage, out invokeOutcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, out.err
	}
	res := out.res
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		if res.RetryAfter > 0 {
			return nil, &RateLimitError{Message: msg, RetryAfter: res.RetryAfter}
		}
		return nil, &StageFailureError{Stage: stage, Message: msg}
	}
	if len(res.Data) == 0 {
		return nil, &StageFailureError{Stage: stage, Message: "empty output"}
	}
	if !json.Valid(res.Data) {
		return nil, &StageFailureError{Stage: stage, Message: "output is not a JSON document"}
	}
	if err := schemas.ValidateStage(string(stage), res.Data); err != nil {
		n := 1
		if ve, ok := err.(*schemas.ValidationError); ok {
			n = len(ve.Errors)
		}
		return nil, &StageFailureError{Stage: stage, Message: fmt.Sprintf("output rejected with %d problem(s)", n)}
	}
	return res.Data, nil
}

func (e *Executor) result(store *StateStore, status checkpoint.Status, action RecoveryAction, oerr *OrchestrationError, elapsed time.Duration) *RunResult {
	st := store.Snapshot()
	return &RunResult{
		SessionID: st.SessionID,
		Status:    status,
		State:     st,
		Outputs:   st.Outputs(),
		Elapsed:   elapsed,
		Action:    action,
		Error:     oerr,
	}
}
