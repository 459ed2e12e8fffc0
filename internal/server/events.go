package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/supervisor"
)

// pingInterval spaces keep-alive comments on idle event streams.
const pingInterval = 15 * time.Second

// handleSessionEvents streams a session's progress events. The first event is always
// "status" with the session row; the stream ends with "complete" once the run stops.
// A session with no run in this process gets its status followed by "complete".
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	run, active := s.sup.Get(id)
	if sess == nil && !active {
		s.fail(w, fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, id))
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !active {
		if err := sse.WriteEvent("status", sess); err != nil {
			return
		}
		sse.WriteComplete(id, string(sess.Status))
		return
	}

	events, unsubscribe := run.Subscribe()
	defer unsubscribe()

	status := map[string]any{"session_id": id, "status": checkpoint.StatusProcessing, "active": true}
	if last, ok := run.Last(); ok {
		status["last_event"] = last
	}
	if err := sse.WriteEvent("status", status); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.Ping(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				s.finishStream(sse, id, run)
				return
			}
			if err := sse.WriteEvent(string(ev.Kind), ev); err != nil {
				s.logger.Debug("event stream closed", "session_id", id, "error", err)
				return
			}
		}
	}
}

// finishStream reports how the run ended. A cancelled run still carries a result.
func (s *Server) finishStream(sse *SSEWriter, id string, run *supervisor.Run) {
	res, err := run.Result()
	if err != nil {
		sse.WriteError(err.Error())
	}
	status := checkpoint.StatusProcessing
	if res != nil {
		status = res.Status
	}
	sse.WriteComplete(id, string(status))
}
