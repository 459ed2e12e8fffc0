package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/supervisor"
)

// Checkpoint listing bounds.
const (
	defaultCheckpointLimit = 50
	maxCheckpointLimit     = 500
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	Theme     string `json:"theme" validate:"required,max=2000"`
}

// CleanupRequest is the body of POST /admin/cleanup.
type CleanupRequest struct {
	RetentionDays int `json:"retention_days" validate:"required,min=1"`
}

// RunResponse acknowledges a started or resumed run.
type RunResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// CheckpointSummary is checkpoint metadata without the serialized state.
type CheckpointSummary struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	ParentID  string    `json:"parent_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// LatestCheckpoint adds the decoded run position to a summary.
type LatestCheckpoint struct {
	CheckpointSummary
	Progress        int      `json:"progress"`
	CurrentPhase    string   `json:"current_phase"`
	CompletedStages []string `json:"completed_stages"`
	ResumeCount     int      `json:"resume_count"`
}

// SessionResponse is returned by GET /sessions/{id}.
type SessionResponse struct {
	Session *checkpoint.Session `json:"session"`
	Active  bool                `json:"active"`
	Latest  *LatestCheckpoint   `json:"latest_checkpoint,omitempty"`
}

func summarize(cp *checkpoint.Checkpoint) CheckpointSummary {
	sum := CheckpointSummary{
		ID:        cp.ID.String(),
		Seq:       cp.Seq,
		Stage:     cp.Metadata.Stage,
		Phase:     cp.Metadata.Phase,
		Reason:    cp.Metadata.Reason,
		Version:   cp.Metadata.Version,
		CreatedAt: cp.CreatedAt,
	}
	if cp.ParentID != nil {
		sum.ParentID = cp.ParentID.String()
	}
	return sum
}

// decodeBody decodes and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ErrValidation{Field: jsonFieldName(fe.Field()), Message: fmt.Sprintf("failed %q", fe.Tag())}
		}
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

var jsonFieldNames = map[string]string{
	"SessionID":     "session_id",
	"UserID":        "user_id",
	"Theme":         "theme",
	"RetentionDays": "retention_days",
}

func jsonFieldName(field string) string {
	if name, ok := jsonFieldNames[field]; ok {
		return name
	}
	return strings.ToLower(field)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	run, err := s.sup.Start(r.Context(), orchestration.RunRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Theme:     req.Theme,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("session started", "session_id", run.SessionID)
	s.jsonResponse(w, http.StatusAccepted, RunResponse{
		SessionID: run.SessionID,
		Status:    string(checkpoint.StatusProcessing),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100, maxCheckpointLimit)
	if err != nil {
		s.fail(w, err)
		return
	}
	sessions, err := s.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sessions == nil {
		sessions = []checkpoint.Session{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	_, active := s.sup.Get(id)
	if sess == nil {
		if !active {
			s.fail(w, fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, id))
			return
		}
		// The run has started but not yet written its status row.
		sess = &checkpoint.Session{ID: id, Status: checkpoint.StatusProcessing}
	}

	resp := SessionResponse{Session: sess, Active: active}

	cp, err := s.checkpoints.GetLatest(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if cp != nil {
		latest := &LatestCheckpoint{CheckpointSummary: summarize(cp)}
		if st, err := orchestration.DeserializeState(cp.State); err != nil {
			s.logger.Warn("failed to decode checkpoint state", "session_id", id, "checkpoint_id", cp.ID, "error", err)
		} else {
			latest.Progress = st.Progress
			latest.CurrentPhase = string(st.CurrentPhase)
			latest.ResumeCount = st.ResumeCount
			latest.CompletedStages = []string{}
			for _, stage := range st.CompletedStages() {
				latest.CompletedStages = append(latest.CompletedStages, string(stage))
			}
		}
		resp.Latest = latest
	}

	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, active := s.sup.Get(id); active {
		s.fail(w, fmt.Errorf("%w: %s", supervisor.ErrAlreadyRunning, id))
		return
	}

	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sess == nil {
		cp, err := s.checkpoints.GetLatest(ctx, id)
		if err != nil {
			s.fail(w, err)
			return
		}
		if cp == nil {
			s.fail(w, fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, id))
			return
		}
	}

	run, err := s.sup.Resume(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.logger.Info("session resumed", "session_id", run.SessionID)
	s.jsonResponse(w, http.StatusAccepted, RunResponse{
		SessionID: run.SessionID,
		Status:    string(checkpoint.StatusProcessing),
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit, err := queryLimit(r, defaultCheckpointLimit, maxCheckpointLimit)
	if err != nil {
		s.fail(w, err)
		return
	}
	opts := checkpoint.ListOptions{Limit: limit}
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.fail(w, &ErrValidation{Field: "before", Message: "must be an RFC 3339 timestamp"})
			return
		}
		opts.Before = before
	}

	out := make([]CheckpointSummary, 0, limit)
	for cp, err := range s.checkpoints.List(r.Context(), id, opts) {
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, summarize(cp))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"checkpoints": out,
	})
}

func (s *Server) handleDeleteCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, active := s.sup.Get(id); active {
		s.errorResponse(w, http.StatusConflict, "session is running; cancel it first")
		return
	}
	if err := s.checkpoints.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	deleted, err := s.checkpoints.Cleanup(r.Context(), req.RetentionDays)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.recorder != nil {
		s.recorder.CheckpointsPruned(deleted)
	}
	s.logger.Info("checkpoint cleanup", "retention_days", req.RetentionDays, "deleted", deleted)
	s.jsonResponse(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// queryLimit parses ?limit=, applying def when absent and rejecting values outside
// [1, maxLimit].
func queryLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, &ErrValidation{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", maxLimit)}
	}
	return n, nil
}
