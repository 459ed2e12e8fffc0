package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

var (
	_ checkpoint.Store        = (*DB)(nil)
	_ checkpoint.SessionStore = (*DB)(nil)
)

const checkpointColumns = `seq, id, session_id, state, metadata, parent_id, created_at`

// Put appends a checkpoint for the session. The session's previous latest
// checkpoint becomes the parent; concurrent writers for one session serialize on
// a transaction-scoped advisory lock.
func (db *DB) Put(ctx context.Context, sessionID string, state []byte, meta checkpoint.Metadata) (uuid.UUID, error) {
	if meta.Version == "" {
		meta.Version = checkpoint.MetadataVersion
	}
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now().UTC()
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to lock session checkpoints: %w", err)
	}

	var parentID *uuid.UUID
	var latest uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM session_checkpoints
		 WHERE session_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`,
		sessionID,
	).Scan(&latest)
	switch {
	case err == nil:
		parentID = &latest
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return uuid.Nil, fmt.Errorf("failed to find parent checkpoint: %w", err)
	}

	id := uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO session_checkpoints (id, session_id, state, metadata, parent_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, state, metadataJSON, parentID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id, nil
}

// GetLatest retrieves the newest checkpoint for a session
func (db *DB) GetLatest(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+`
		 FROM session_checkpoints
		 WHERE session_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

// List yields the session's checkpoints newest-first, one page per round trip.
func (db *DB) List(ctx context.Context, sessionID string, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Checkpoint, error] {
	var before *time.Time
	if !opts.Before.IsZero() {
		b := opts.Before.UTC()
		before = &b
	}

	fetch := func(ctx context.Context, cursor int64, size int) ([]*checkpoint.Checkpoint, error) {
		rows, err := db.pool.Query(ctx,
			`SELECT `+checkpointColumns+`
			 FROM session_checkpoints
			 WHERE session_id = $1
			   AND ($2::bigint = 0 OR seq < $2)
			   AND ($3::timestamptz IS NULL OR created_at < $3)
			 ORDER BY seq DESC
			 LIMIT $4`,
			sessionID, cursor, before, size,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		defer rows.Close()

		var page []*checkpoint.Checkpoint
		for rows.Next() {
			cp, err := scanCheckpoint(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
			}
			page = append(page, cp)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		return page, nil
	}

	return checkpoint.Paged(ctx, fetch, opts.Limit, checkpoint.DefaultPageSize)
}

// Delete removes every checkpoint of a session
func (db *DB) Delete(ctx context.Context, sessionID string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Cleanup deletes checkpoints created before the retention window.
func (db *DB) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := checkpoint.Cutoff(time.Now().UTC(), retentionDays)
	if err != nil {
		return 0, err
	}

	tag, err := db.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCheckpoint(row pgx.Row) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var metadataJSON []byte

	err := row.Scan(&cp.Seq, &cp.ID, &cp.SessionID, &cp.State, &metadataJSON, &cp.ParentID, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = cp.CreatedAt.UTC()

	if err := decodeMetadata(metadataJSON, &cp.Metadata); err != nil {
		return nil, err
	}
	return &cp, nil
}

func decodeMetadata(raw []byte, meta *checkpoint.Metadata) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("failed to decode checkpoint metadata: %w", err)
	}
	return nil
}
