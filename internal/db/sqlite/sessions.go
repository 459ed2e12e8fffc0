package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

const sessionColumns = `id, user_id, theme, status, error_message, retryable, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess checkpoint.Session) error {
	now := s.clock().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_sessions (id, user_id, theme, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'processing', ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = excluded.user_id, theme = excluded.theme,
		     status = 'processing', error_message = '', retryable = 0,
		     updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, sess.Theme, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*checkpoint.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM content_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, update checkpoint.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_sessions
		 SET status = ?, error_message = ?, retryable = ?, updated_at = ?
		 WHERE id = ?`,
		string(update.Status), update.ErrorMessage, update.Retryable, s.clock().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, id)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]checkpoint.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM content_sessions ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []checkpoint.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func scanSession(row scanner) (*checkpoint.Session, error) {
	var (
		sess                 checkpoint.Session
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Theme, &status, &sess.ErrorMessage, &sess.Retryable, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = checkpoint.Status(status)
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sess, nil
}
