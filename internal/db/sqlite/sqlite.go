// Package sqlite stores sessions and checkpoints in a local SQLite file. It serves
// single-node runs that have no PostgreSQL available.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ checkpoint.Store        = (*Store)(nil)
	_ checkpoint.SessionStore = (*Store)(nil)
)

// Store is a SQLite-backed checkpoint.Store and checkpoint.SessionStore.
type Store struct {
	db      *sql.DB
	applied []int64

	mu  sync.RWMutex
	now func() time.Time
}

// Open opens (creating if needed) the database at path, with foreign keys on, and
// applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	applied, err := db.ApplyMigrations(ctx, goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Store{db: conn, applied: applied, now: time.Now}, nil
}

// Applied lists the migration versions Open applied.
func (s *Store) Applied() []int64 {
	return s.applied
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().UTC()
}

func (s *Store) Put(ctx context.Context, sessionID string, state []byte, meta checkpoint.Metadata) (uuid.UUID, error) {
	now := s.clock()
	if meta.Version == "" {
		meta.Version = checkpoint.MetadataVersion
	}
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = now
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM session_checkpoints WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	).Scan(&parentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("failed to find parent checkpoint: %w", err)
	}

	id := uuid.New()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_checkpoints (id, session_id, state, metadata, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID, state, string(metadataJSON), parentID, now.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id, nil
}

const checkpointColumns = `seq, id, session_id, state, metadata, parent_id, created_at`

func (s *Store) GetLatest(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM session_checkpoints
		 WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) List(ctx context.Context, sessionID string, opts checkpoint.ListOptions) iter.Seq2[*checkpoint.Checkpoint, error] {
	var before sql.NullInt64
	if !opts.Before.IsZero() {
		before = sql.NullInt64{Int64: opts.Before.UnixNano(), Valid: true}
	}

	fetch := func(ctx context.Context, cursor int64, size int) ([]*checkpoint.Checkpoint, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+checkpointColumns+` FROM session_checkpoints
			 WHERE session_id = ?
			   AND (? = 0 OR seq < ?)
			   AND (? IS NULL OR created_at < ?)
			 ORDER BY seq DESC
			 LIMIT ?`,
			sessionID, cursor, cursor, before, before, size,
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
		return page, rows.Err()
	}

	return checkpoint.Paged(ctx, fetch, opts.Limit, checkpoint.DefaultPageSize)
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := checkpoint.Cutoff(s.clock(), retentionDays)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM session_checkpoints WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		id        string
		metadata  string
		parentID  sql.NullString
		createdAt int64
	)
	if err := row.Scan(&cp.Seq, &id, &cp.SessionID, &cp.State, &metadata, &parentID, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if cp.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid checkpoint id %q: %w", id, err)
	}
	if parentID.Valid {
		parent, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid parent id %q: %w", parentID.String, err)
		}
		cp.ParentID = &parent
	}
	if err := json.Unmarshal([]byte(metadata), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cp, nil
}
