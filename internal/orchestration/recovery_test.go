package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

type recoveryFixture struct {
	mem      *checkpoint.MemoryStore
	recovery *Recovery
	store    *StateStore
}

func newRecoveryFixture(t *testing.T, phase Phase, done ...Stage) *recoveryFixture {
	t.Helper()
	ctx := context.Background()
	mem := checkpoint.NewMemoryStore()
	require.NoError(t, mem.CreateSession(ctx, checkpoint.Session{ID: "sess-1", UserID: "u", Theme: "t"}))

	store := NewStateStore(NewRunState("sess-1", "u", "t", time.Now()))
	for _, st := range done {
		require.NoError(t, store.MergeOutput(st, fixtureOutputs[st]))
	}
	require.NoError(t, store.UpdatePhase(phase, ""))

	return &recoveryFixture{
		mem:      mem,
		recovery: NewRecovery(mem, mem, discardLogger()),
		store:    store,
	}
}

func (f *recoveryFixture) session(t *testing.T) *checkpoint.Session {
	t.Helper()
	s, err := f.mem.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func buildErr(err error, agent string) *OrchestrationError {
	return NewClassifier().Build(err, agent, DefaultMaxDelay)
}

func TestRecovery_ValidationAlwaysAborts(t *testing.T) {
	f := newRecoveryFixture(t, PhaseIdeating, StageResearch)
	oerr := buildErr(&InputValidationError{Stage: StageIdeation, Errors: []string{"bad"}}, "ideator")
	oerr.Retryable = true

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, PhaseError, f.store.Snapshot().CurrentPhase)

	s := f.session(t)
	assert.Equal(t, checkpoint.StatusError, s.Status)
	assert.Contains(t, s.ErrorMessage, "validation failed")
}

func TestRecovery_RetryWithinBudget(t *testing.T) {
	f := newRecoveryFixture(t, PhaseCritiquing, StageResearch, StageIdeation)
	oerr := buildErr(errors.New("connection reset by peer"), "critic")
	f.store.NoteRetryError(errorRecordFrom(oerr, f.store))

	for want := 1; want <= 3; want++ {
		d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, want, f.store.Snapshot().Error.RetryCount)
	}
	assert.Equal(t, PhaseCritiquing, f.store.Snapshot().CurrentPhase)
}

func TestRecovery_ResumeAfterRetriesExhausted(t *testing.T) {
	f := newRecoveryFixture(t, PhaseCritiquing, StageResearch)
	ctx := context.Background()

	// The checkpoint knows about ideation even though memory lost it.
	saved := NewStateStore(NewRunState("sess-1", "u", "t", time.Now()))
	require.NoError(t, saved.MergeOutput(StageResearch, fixtureOutputs[StageResearch]))
	require.NoError(t, saved.MergeOutput(StageIdeation, fixtureOutputs[StageIdeation]))
	blob, err := saved.Serialize()
	require.NoError(t, err)
	_, err = f.mem.Put(ctx, "sess-1", blob, checkpoint.Metadata{})
	require.NoError(t, err)

	oerr := buildErr(errors.New("network unreachable"), "critic")
	f.store.NoteRetryError(ErrorRecord{Message: oerr.Message, RetryCount: 3})

	d, err := f.recovery.Recover(ctx, oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionResume, d.Action)
	assert.Equal(t, StageCritique, d.ResumeStage)

	st := f.store.Snapshot()
	assert.Nil(t, st.Error)
	assert.Equal(t, 1, st.ResumeCount)
	assert.Equal(t, PhaseCritiquing, st.CurrentPhase)
	assert.NotNil(t, st.IdeatorOutput)

	// The resume budget is spent: the next exhausted failure aborts.
	f.store.NoteRetryError(ErrorRecord{Message: oerr.Message, RetryCount: 3})
	d, err = f.recovery.Recover(ctx, oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, checkpoint.StatusError, f.session(t).Status)
	assert.True(t, f.session(t).Retryable)
}

func TestRecovery_NoResumeWhileInitializing(t *testing.T) {
	f := newRecoveryFixture(t, PhaseInitializing)
	oerr := buildErr(errors.New("network unreachable"), "researcher")
	f.store.NoteRetryError(ErrorRecord{Message: oerr.Message, RetryCount: 3})

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestRecovery_SavePartial(t *testing.T) {
	f := newRecoveryFixture(t, PhaseCritiquing, StageResearch, StageIdeation)
	ctx := context.Background()
	oerr := buildErr(errors.New("something odd"), "critic")

	d, err := f.recovery.Recover(ctx, oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionSavePartial, d.Action)
	assert.NotEqual(t, uuid.Nil, d.CheckpointID)

	assert.Equal(t, PhaseError, f.store.Snapshot().CurrentPhase)
	s := f.session(t)
	assert.Equal(t, checkpoint.StatusError, s.Status)
	assert.Contains(t, s.ErrorMessage, "partial results saved (2 of 5 stages)")

	latest, err := f.mem.GetLatest(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, d.CheckpointID, latest.ID)
	assert.Equal(t, "save_partial", latest.Metadata.Reason)

	restored, err := DeserializeState(latest.State)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, restored.CurrentPhase)
	assert.NotNil(t, restored.IdeatorOutput)
}

func TestRecovery_SavePartialWithoutOutputsAborts(t *testing.T) {
	f := newRecoveryFixture(t, PhaseResearching)
	oerr := buildErr(errors.New("something odd"), "researcher")

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, 0, f.mem.Count("sess-1"))
}

func TestRecovery_SavePartialCheckpointFailureAborts(t *testing.T) {
	f := newRecoveryFixture(t, PhaseCritiquing, StageResearch)
	f.mem.FailPut = func(string) error { return errors.New("disk full") }
	oerr := buildErr(errors.New("something odd"), "critic")

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
	require.Error(t, err)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, PhaseError, f.store.Snapshot().CurrentPhase)
	assert.Equal(t, checkpoint.StatusError, f.session(t).Status)
}

func TestRecovery_CheckpointErrorSkips(t *testing.T) {
	f := newRecoveryFixture(t, PhaseCritiquing, StageResearch, StageIdeation)
	oerr := buildErr(&CheckpointError{Message: "write failed"}, "ideator")
	f.store.NoteRetryError(errorRecordFrom(oerr, f.store))

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipAgent, d.Action)
	assert.Nil(t, f.store.Snapshot().Error)
	assert.Equal(t, PhaseCritiquing, f.store.Snapshot().CurrentPhase)
	assert.Equal(t, checkpoint.StatusProcessing, f.session(t).Status)
}

func TestRecovery_SessionUpdateFailureSurfaces(t *testing.T) {
	f := newRecoveryFixture(t, PhaseResearching)
	oerr := buildErr(errors.New("something odd"), "researcher")

	d, err := f.recovery.Recover(context.Background(), oerr, f.store, "unknown-session")
	assert.ErrorIs(t, err, checkpoint.ErrSessionNotFound)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, PhaseError, f.store.Snapshot().CurrentPhase)
}
