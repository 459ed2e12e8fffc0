package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

const sessionColumns = `id, user_id, theme, status, error_message, retryable, created_at, updated_at`

// CreateSession inserts a session row, or resets an existing one to processing
func (db *DB) CreateSession(ctx context.Context, s checkpoint.Session) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO content_sessions (id, user_id, theme, status)
		 VALUES ($1, $2, $3, 'processing')
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id, theme = EXCLUDED.theme,
		     status = 'processing', error_message = '', retryable = FALSE,
		     updated_at = NOW()`,
		s.ID, s.UserID, s.Theme,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (db *DB) GetSession(ctx context.Context, id string) (*checkpoint.Session, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM content_sessions WHERE id = $1`,
		id,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// UpdateSessionStatus sets the status, error message and retryable flag of a session
func (db *DB) UpdateSessionStatus(ctx context.Context, id string, update checkpoint.StatusUpdate) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE content_sessions
		 SET status = $2, error_message = $3, retryable = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, string(update.Status), update.ErrorMessage, update.Retryable,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions returns the most recently updated sessions. limit <= 0 returns all.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]checkpoint.Session, error) {
	var rowLimit *int
	if limit > 0 {
		rowLimit = &limit
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM content_sessions
		 ORDER BY updated_at DESC
		 LIMIT $1`,
		rowLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []checkpoint.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*checkpoint.Session, error) {
	var s checkpoint.Session
	var status string
	err := row.Scan(&s.ID, &s.UserID, &s.Theme, &status, &s.ErrorMessage, &s.Retryable, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = checkpoint.Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}
