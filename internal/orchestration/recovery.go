package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

// DefaultMaxRetries is the retry budget of a single stage.
const DefaultMaxRetries = 3

// DefaultMaxResumes bounds how many automatic checkpoint resumes one run may consume.
const DefaultMaxResumes = 1

// Decision is the outcome of a recovery.
type Decision struct {
	Action RecoveryAction
	// ResumeStage is the stage execution restarts at after RESUME_FROM_CHECKPOINT.
	ResumeStage Stage
	// CheckpointID is set when SAVE_PARTIAL persisted the state.
	CheckpointID uuid.UUID
}

// Recovery selects and applies a recovery action for a classified failure.
type Recovery struct {
	Checkpoints checkpoint.Store
	Sessions    checkpoint.SessionStore
	MaxRetries  int
	MaxResumes  int
	Logger      *slog.Logger
	Metrics     Metrics
}

// NewRecovery returns a strategy with the default retry and resume budgets.
func NewRecovery(cps checkpoint.Store, sessions checkpoint.SessionStore, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		Checkpoints: cps,
		Sessions:    sessions,
		MaxRetries:  DefaultMaxRetries,
		MaxResumes:  DefaultMaxResumes,
		Logger:      logger,
		Metrics:     NopMetrics{},
	}
}

// Recover applies the first action that fits, in this order: validation errors abort;
// retryable errors within budget retry; resumable errors reload the latest checkpoint
// once; errors allowing partial results persist them; checkpoint errors skip the
// failed write; everything else aborts.
//
// The returned error reports a persistence failure while applying the action. The
// in-memory state has still been moved to the decision's outcome.
func (r *Recovery) Recover(ctx context.Context, oerr *OrchestrationError, store *StateStore, sessionID string) (Decision, error) {
	st := store.Snapshot()
	retries := 0
	if st.Error != nil {
		retries = st.Error.RetryCount
	}
	log := r.logger().With("session_id", sessionID, "error_type", oerr.Type, "agent", oerr.Agent)

	var (
		d   Decision
		err error
	)
	switch {
	case oerr.Type == ErrorValidation:
		d, err = r.abort(ctx, oerr, store, sessionID)

	case oerr.Retryable && retries < r.maxRetries():
		store.IncrementRetryCount()
		d = Decision{Action: ActionRetry}

	case oerr.HasAction(ActionResume) && st.CurrentPhase.Rank() > 0 && st.ResumeCount < r.maxResumes():
		d, err = r.resume(ctx, store, sessionID, log)

	case oerr.HasAction(ActionSavePartial) && len(st.CompletedStages()) > 0:
		d, err = r.savePartial(ctx, oerr, store, sessionID)

	case oerr.HasAction(ActionSkipAgent):
		store.ClearError()
		d = Decision{Action: ActionSkipAgent}

	default:
		d, err = r.abort(ctx, oerr, store, sessionID)
	}

	r.metrics().RecoveryAction(d.Action)
	log.Info("recovery action selected", "action", d.Action, "retry_count", retries)
	return d, err
}

func (r *Recovery) resume(ctx context.Context, store *StateStore, sessionID string, log *slog.Logger) (Decision, error) {
	cp, err := r.Checkpoints.GetLatest(ctx, sessionID)
	if err != nil {
		// The in-memory state is never older than the latest checkpoint.
		log.Warn("failed to load checkpoint for resume, resuming from memory", "error", err)
	} else if cp != nil {
		saved, err := DeserializeState(cp.State)
		if err != nil {
			log.Warn("failed to decode checkpoint for resume, resuming from memory", "checkpoint_id", cp.ID, "error", err)
		} else {
			store.MergeFrom(saved)
		}
	}

	store.ClearError()
	store.IncrementResumeCount()

	stage, ok := store.Snapshot().FirstIncompleteStage()
	if !ok {
		if err := store.UpdatePhase(PhaseCompleted, ""); err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionResume}, nil
	}
	if err := store.UpdatePhase(stage.Phase(), stage.Agent()); err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionResume, ResumeStage: stage}, nil
}

func (r *Recovery) savePartial(ctx context.Context, oerr *OrchestrationError, store *StateStore, sessionID string) (Decision, error) {
	store.RecordError(errorRecordFrom(oerr, store))

	id, cpErr := saveCheckpoint(ctx, r.Checkpoints, store.Snapshot(), "", "save_partial")
	r.metrics().CheckpointWritten(cpErr == nil)
	if cpErr != nil {
		// Nothing durable was saved: fall back to a plain abort.
		d, err := r.abort(ctx, oerr, store, sessionID)
		return d, errors.Join(cpErr, err)
	}

	done := store.Snapshot().CompletedStages()
	msg := fmt.Sprintf("partial results saved (%d of %d stages): %s", len(done), len(Stages), oerr.Message)
	err := r.setStatus(ctx, sessionID, checkpoint.StatusUpdate{
		Status:       checkpoint.StatusError,
		ErrorMessage: msg,
		Retryable:    oerr.Retryable,
	})
	return Decision{Action: ActionSavePartial, CheckpointID: id}, err
}

func (r *Recovery) abort(ctx context.Context, oerr *OrchestrationError, store *StateStore, sessionID string) (Decision, error) {
	store.RecordError(errorRecordFrom(oerr, store))
	err := r.setStatus(ctx, sessionID, checkpoint.StatusUpdate{
		Status:       checkpoint.StatusError,
		ErrorMessage: oerr.Message,
		Retryable:    oerr.Retryable,
	})
	return Decision{Action: ActionAbort}, err
}

func (r *Recovery) setStatus(ctx context.Context, sessionID string, update checkpoint.StatusUpdate) error {
	if r.Sessions == nil {
		return nil
	}
	if err := r.Sessions.UpdateSessionStatus(ctx, sessionID, update); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

func (r *Recovery) maxRetries() int {
	if r.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return r.MaxRetries
}

func (r *Recovery) maxResumes() int {
	if r.MaxResumes < 0 {
		return 0
	}
	return r.MaxResumes
}

func (r *Recovery) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Recovery) metrics() Metrics {
	if r.Metrics == nil {
		return NopMetrics{}
	}
	return r.Metrics
}

// errorRecordFrom keeps the retry count already accumulated by the run.
func errorRecordFrom(oerr *OrchestrationError, store *StateStore) ErrorRecord {
	rec := ErrorRecord{
		Message:   oerr.Message,
		Agent:     oerr.Agent,
		Type:      oerr.Type,
		Timestamp: oerr.Timestamp,
	}
	if prev := store.Snapshot().Error; prev != nil {
		rec.RetryCount = prev.RetryCount
	}
	return rec
}

// saveCheckpoint serializes st and appends it. Failures come back as *CheckpointError.
func saveCheckpoint(ctx context.Context, cps checkpoint.Store, st RunState, stage Stage, reason string) (uuid.UUID, error) {
	blob, err := SerializeState(st)
	if err != nil {
		return uuid.Nil, &CheckpointError{Message: "failed to serialize state", Cause: err}
	}
	id, err := cps.Put(ctx, st.SessionID, blob, checkpoint.Metadata{
		GeneratedAt: time.Now().UTC(),
		Version:     checkpoint.MetadataVersion,
		Phase:       string(st.CurrentPhase),
		Stage:       string(stage),
		Reason:      reason,
	})
	if err != nil {
		return uuid.Nil, &CheckpointError{Message: "failed to write checkpoint", Cause: err}
	}
	return id, nil
}
