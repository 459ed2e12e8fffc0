// Package checkpoint defines the persistence contracts for run checkpoints and
// session status rows, plus an in-memory implementation of both.
package checkpoint

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
)

// MetadataVersion is stamped into every checkpoint's metadata.
const MetadataVersion = "1.0"

var (
	// ErrSessionNotFound is returned when a session row does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSequenceConsumed is yielded when a List sequence is ranged over a second time.
	ErrSequenceConsumed = errors.New("checkpoint sequence already consumed")
	// ErrInvalidRetention is returned by Cleanup for a non-positive retention window.
	ErrInvalidRetention = errors.New("retention days must be positive")
)

// Metadata describes the point in the run at which a checkpoint was taken.
type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	Version     string    `json:"version"`
	Phase       string    `json:"phase,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Checkpoint is an immutable serialized run state.
type Checkpoint struct {
	ID        uuid.UUID
	SessionID string
	State     []byte
	Metadata  Metadata
	ParentID  *uuid.UUID
	CreatedAt time.Time
	// Seq totally orders the checkpoints of all sessions in one store.
	Seq int64
}

// ListOptions bounds a List call. Zero values mean no limit and no cursor.
type ListOptions struct {
	Limit  int
	Before time.Time
}

// Store persists checkpoints. Writes are append-only; the latest checkpoint of a
// session is the one with the highest Seq.
type Store interface {
	// Put appends a checkpoint and returns its id. The previous latest checkpoint of
	// the session becomes its parent.
	Put(ctx context.Context, sessionID string, state []byte, meta Metadata) (uuid.UUID, error)
	// GetLatest returns nil, nil when the session has no checkpoints.
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)
	// List yields checkpoints newest-first. The sequence is lazy and single-use.
	List(ctx context.Context, sessionID string, opts ListOptions) iter.Seq2[*Checkpoint, error]
	Delete(ctx context.Context, sessionID string) error
	// Cleanup deletes checkpoints older than retentionDays and returns how many went.
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Status is the coarse, user-visible state of a session.
type Status string

// Status constants.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Session is the status row of one pipeline session.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Theme        string    `json:"theme"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Retryable    bool      `json:"retryable"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusUpdate is applied by UpdateSessionStatus.
type StatusUpdate struct {
	Status       Status
	ErrorMessage string
	Retryable    bool
}

// SessionStore persists session status rows keyed by session id.
type SessionStore interface {
	// CreateSession inserts the row, or resets it to processing if it exists.
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSessionStatus returns ErrSessionNotFound for an unknown id.
	UpdateSessionStatus(ctx context.Context, id string, update StatusUpdate) error
	ListSessions(ctx context.Context, limit int) ([]Session, error)
}

// Cutoff returns the instant before which checkpoints fall outside the retention window.
func Cutoff(now time.Time, retentionDays int) (time.Time, error) {
	if retentionDays < 1 {
		return time.Time{}, ErrInvalidRetention
	}
	return now.Add(-time.Duration(retentionDays) * 24 * time.Hour), nil
}
