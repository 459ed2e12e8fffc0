package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonathan/content-pipeline/internal/schemas"
)

// StateVersion is written into every serialized RunState.
const StateVersion = 1

// ErrorRecord is the error carried by a run while it is failed or mid-retry.
type ErrorRecord struct {
	Message    string
	Agent      string
	Type       ErrorType
	Timestamp  time.Time
	RetryCount int
}

// RunState is an immutable snapshot of one pipeline execution. Values are replaced,
// never modified: every StateStore mutation produces a new RunState.
type RunState struct {
	SessionID string
	UserID    string
	Theme     string

	CurrentPhase Phase
	CurrentAgent string
	Progress     int

	ResearcherOutput json.RawMessage
	IdeatorOutput    json.RawMessage
	CriticOutput     json.RawMessage
	AnalystOutput    json.RawMessage
	WriterOutput     json.RawMessage

	Error       *ErrorRecord
	ResumeCount int

	StartTime      time.Time
	LastUpdateTime time.Time
}

// NewRunState returns the initial state of a run.
func NewRunState(sessionID, userID, theme string, now time.Time) RunState {
	now = now.UTC().Round(0)
	return RunState{
		SessionID:      sessionID,
		UserID:         userID,
		Theme:          theme,
		CurrentPhase:   PhaseInitializing,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Output returns the output slot of a stage, or nil.
func (s RunState) Output(stage Stage) json.RawMessage {
	switch stage {
	case StageResearch:
		return s.ResearcherOutput
	case StageIdeation:
		return s.IdeatorOutput
	case StageCritique:
		return s.CriticOutput
	case StageAnalysis:
		return s.AnalystOutput
	case StageWriting:
		return s.WriterOutput
	}
	return nil
}

// Outputs returns the populated output slots keyed by stage.
func (s RunState) Outputs() map[Stage]json.RawMessage {
	out := make(map[Stage]json.RawMessage, len(Stages))
	for _, st := range Stages {
		if o := s.Output(st); o != nil {
			out[st] = o
		}
	}
	return out
}

// CompletedStages lists the stages whose output is present, in order.
func (s RunState) CompletedStages() []Stage {
	var done []Stage
	for _, st := range Stages {
		if s.Output(st) != nil {
			done = append(done, st)
		}
	}
	return done
}

// FirstIncompleteStage returns the first stage, in pipeline order, whose output slot
// is empty. The second return value is false when every stage has output.
func (s RunState) FirstIncompleteStage() (Stage, bool) {
	for _, st := range Stages {
		if s.Output(st) == nil {
			return st, true
		}
	}
	return "", false
}

func (s RunState) withOutput(stage Stage, out json.RawMessage) RunState {
	switch stage {
	case StageResearch:
		s.ResearcherOutput = out
	case StageIdeation:
		s.IdeatorOutput = out
	case StageCritique:
		s.CriticOutput = out
	case StageAnalysis:
		s.AnalystOutput = out
	case StageWriting:
		s.WriterOutput = out
	}
	return s
}

// ValidationResult is the outcome of an input check. It never carries a Go error.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// StateStore owns the current RunState of one run. It is not safe for concurrent use;
// a single Executor drives it.
type StateStore struct {
	state RunState
	now   func() time.Time
}

// NewStateStore wraps an initial state.
func NewStateStore(initial RunState) *StateStore {
	return &StateStore{state: initial, now: time.Now}
}

// SetClock replaces the time source used to stamp mutations.
func (s *StateStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Snapshot returns the current state.
func (s *StateStore) Snapshot() RunState {
	return s.state
}

func (s *StateStore) stamp() time.Time {
	return s.now().UTC().Round(0)
}

// ValidateInput checks that the upstream output a stage consumes is present and
// conforms to the upstream stage schema. The first stage only needs a theme.
func (s *StateStore) ValidateInput(stage Stage) ValidationResult {
	if !stage.Valid() {
		return ValidationResult{Errors: []string{fmt.Sprintf("unknown stage %q", stage)}}
	}

	up, ok := stage.Upstream()
	if !ok {
		if s.state.Theme == "" {
			return ValidationResult{Errors: []string{"theme is required"}}
		}
		return ValidationResult{Valid: true}
	}

	data := s.state.Output(up)
	if data == nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("%s output is required by %s", up, stage)}}
	}
	if err := schemas.ValidateStage(string(up), data); err != nil {
		if ve, ok := err.(*schemas.ValidationError); ok {
			errs := make([]string, 0, len(ve.Errors))
			for _, m := range ve.Messages() {
				errs = append(errs, fmt.Sprintf("%s output: %s", up, m))
			}
			return ValidationResult{Errors: errs}
		}
		return ValidationResult{Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true}
}

// MergeOutput writes a stage output slot. The output is stored compacted.
func (s *StateStore) MergeOutput(stage Stage, output json.RawMessage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if len(output) == 0 {
		return fmt.Errorf("empty output for stage %s", stage)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, output); err != nil {
		return fmt.Errorf("output for stage %s is not valid JSON: %w", stage, err)
	}

	next := s.state.withOutput(stage, json.RawMessage(buf.Bytes()))
	next.LastUpdateTime = s.stamp()
	s.state = next
	return nil
}

// UpdatePhase moves the run to phase and sets the active agent. Entering PhaseError
// keeps the previous progress value.
func (s *StateStore) UpdatePhase(phase Phase, agent string) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}
	next := s.state
	next.CurrentPhase = phase
	next.CurrentAgent = agent
	if p, ok := phase.Progress(); ok {
		next.Progress = p
	}
	next.LastUpdateTime = s.stamp()
	s.state = next
	return nil
}

// RecordError stores rec and forces the run into PhaseError.
func (s *StateStore) RecordError(rec ErrorRecord) {
	next := s.state
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.stamp()
	}
	rec.Timestamp = rec.Timestamp.UTC().Round(0)
	next.Error = &rec
	next.CurrentPhase = PhaseError
	next.CurrentAgent = ""
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// NoteRetryError stores rec while a stage is being retried. The phase is left alone.
func (s *StateStore) NoteRetryError(rec ErrorRecord) {
	next := s.state
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.stamp()
	}
	rec.Timestamp = rec.Timestamp.UTC().Round(0)
	next.Error = &rec
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// IncrementRetryCount bumps the retry counter of the current error. No-op without one.
func (s *StateStore) IncrementRetryCount() {
	if s.state.Error == nil {
		return
	}
	rec := *s.state.Error
	rec.RetryCount++
	next := s.state
	next.Error = &rec
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// ClearError drops the current error record.
func (s *StateStore) ClearError() {
	if s.state.Error == nil {
		return
	}
	next := s.state
	next.Error = nil
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// IncrementResumeCount records one consumed resume recovery.
func (s *StateStore) IncrementResumeCount() {
	next := s.state
	next.ResumeCount++
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// MergeFrom fills every empty output slot from other. Populated slots are kept.
func (s *StateStore) MergeFrom(other RunState) {
	next := s.state
	for _, st := range Stages {
		if next.Output(st) == nil && other.Output(st) != nil {
			next = next.withOutput(st, other.Output(st))
		}
	}
	if other.ResumeCount > next.ResumeCount {
		next.ResumeCount = other.ResumeCount
	}
	next.LastUpdateTime = s.stamp()
	s.state = next
}

// HasAllOutputs reports whether every stage has produced output.
func (s *StateStore) HasAllOutputs() bool {
	_, missing := s.state.FirstIncompleteStage()
	return !missing
}

// IsCompleted reports whether the run reached PhaseCompleted.
func (s *StateStore) IsCompleted() bool {
	return s.state.CurrentPhase == PhaseCompleted
}

// HasError reports whether an error record is present.
func (s *StateStore) HasError() bool {
	return s.state.Error != nil
}

type errorWire struct {
	Message    string    `json:"message"`
	Agent      string    `json:"agent,omitempty"`
	Type       ErrorType `json:"type,omitempty"`
	Timestamp  string    `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

type stateWire struct {
	Version          int             `json:"version"`
	SessionID        string          `json:"session_id"`
	UserID           string          `json:"user_id"`
	Theme            string          `json:"theme"`
	CurrentPhase     Phase           `json:"current_phase"`
	CurrentAgent     string          `json:"current_agent,omitempty"`
	Progress         int             `json:"progress"`
	ResearcherOutput json.RawMessage `json:"researcher_output,omitempty"`
	IdeatorOutput    json.RawMessage `json:"ideator_output,omitempty"`
	CriticOutput     json.RawMessage `json:"critic_output,omitempty"`
	AnalystOutput    json.RawMessage `json:"analyst_output,omitempty"`
	WriterOutput     json.RawMessage `json:"writer_output,omitempty"`
	Error            *errorWire      `json:"error,omitempty"`
	ResumeCount      int             `json:"resume_count,omitempty"`
	StartTime        string          `json:"start_time"`
	LastUpdateTime   string          `json:"last_update_time"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return t.UTC(), nil
}

// Serialize encodes the current state. Timestamps become RFC 3339 UTC strings.
func (s *StateStore) Serialize() ([]byte, error) {
	return SerializeState(s.state)
}

// SerializeState encodes a RunState.
func SerializeState(st RunState) ([]byte, error) {
	w := stateWire{
		Version:          StateVersion,
		SessionID:        st.SessionID,
		UserID:           st.UserID,
		Theme:            st.Theme,
		CurrentPhase:     st.CurrentPhase,
		CurrentAgent:     st.CurrentAgent,
		Progress:         st.Progress,
		ResearcherOutput: st.ResearcherOutput,
		IdeatorOutput:    st.IdeatorOutput,
		CriticOutput:     st.CriticOutput,
		AnalystOutput:    st.AnalystOutput,
		WriterOutput:     st.WriterOutput,
		ResumeCount:      st.ResumeCount,
		StartTime:        formatTime(st.StartTime),
		LastUpdateTime:   formatTime(st.LastUpdateTime),
	}
	if st.Error != nil {
		w.Error = &errorWire{
			Message:    st.Error.Message,
			Agent:      st.Error.Agent,
			Type:       st.Error.Type,
			Timestamp:  formatTime(st.Error.Timestamp),
			RetryCount: st.Error.RetryCount,
		}
	}
	// Stage outputs are stored byte for byte; json.Marshal would HTML-escape them.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("failed to serialize run state: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Deserialize rebuilds a StateStore from a serialized state.
func Deserialize(blob []byte) (*StateStore, error) {
	st, err := DeserializeState(blob)
	if err != nil {
		return nil, err
	}
	return NewStateStore(st), nil
}

// DeserializeState decodes a serialized RunState.
func DeserializeState(blob []byte) (RunState, error) {
	var w stateWire
	if err := json.Unmarshal(blob, &w); err != nil {
		return RunState{}, fmt.Errorf("failed to deserialize run state: %w", err)
	}
	if w.SessionID == "" {
		return RunState{}, fmt.Errorf("failed to deserialize run state: missing session_id")
	}
	if !w.CurrentPhase.Valid() {
		return RunState{}, fmt.Errorf("failed to deserialize run state: unknown phase %q", w.CurrentPhase)
	}

	start, err := parseTime("start_time", w.StartTime)
	if err != nil {
		return RunState{}, err
	}
	updated, err := parseTime("last_update_time", w.LastUpdateTime)
	if err != nil {
		return RunState{}, err
	}

	st := RunState{
		SessionID:        w.SessionID,
		UserID:           w.UserID,
		Theme:            w.Theme,
		CurrentPhase:     w.CurrentPhase,
		CurrentAgent:     w.CurrentAgent,
		Progress:         w.Progress,
		ResearcherOutput: nullToNil(w.ResearcherOutput),
		IdeatorOutput:    nullToNil(w.IdeatorOutput),
		CriticOutput:     nullToNil(w.CriticOutput),
		AnalystOutput:    nullToNil(w.AnalystOutput),
		WriterOutput:     nullToNil(w.WriterOutput),
		ResumeCount:      w.ResumeCount,
		StartTime:        start,
		LastUpdateTime:   updated,
	}
	if w.Error != nil {
		ts, err := parseTime("error.timestamp", w.Error.Timestamp)
		if err != nil {
			return RunState{}, err
		}
		st.Error = &ErrorRecord{
			Message:    w.Error.Message,
			Agent:      w.Error.Agent,
			Type:       w.Error.Type,
			Timestamp:  ts,
			RetryCount: w.Error.RetryCount,
		}
	}
	return st, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
