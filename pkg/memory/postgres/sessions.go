package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earmark/pkg/memory"
)

const sessionColumns = "id, model_version_id, started_at, ended_at, status, notes"

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(ctx context.Context, versionID int64, notes string) (memory.Session, error) {
	const q = `
		INSERT INTO sessions (model_version_id, notes)
		VALUES ($1, $2)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, q, versionID, notes))
	if err != nil {
		return memory.Session{}, fmt.Errorf("session store: create: %w", mapErr(err))
	}
	return sess, nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(ctx context.Context, id int64) (memory.Session, error) {
	q := "SELECT " + sessionColumns + " FROM sessions WHERE id = $1"
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return memory.Session{}, fmt.Errorf("session store: get %d: %w", id, mapErr(err))
	}
	return sess, nil
}

// ListSessions implements [memory.SessionStore].
func (s *Store) ListSessions(ctx context.Context, filter memory.SessionFilter) ([]memory.Session, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Status != "" {
		conditions = append(conditions, "status = "+next(filter.Status))
	}

	q := "SELECT " + sessionColumns + "\nFROM   sessions"
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND  ")
	}
	q += "\nORDER  BY id DESC"
	if filter.Limit > 0 {
		q += "\nLIMIT  " + next(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	out, err := collect(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	return out, nil
}

// SetSessionStatus implements [memory.SessionStore].
func (s *Store) SetSessionStatus(ctx context.Context, id int64, status memory.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("session store: set status: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session store: set status %d: %w", id, memory.ErrNotFound)
	}
	return nil
}

// EndSession implements [memory.SessionStore].
func (s *Store) EndSession(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE sessions SET ended_at = COALESCE(ended_at, $2) WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("session store: end: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session store: end %d: %w", id, memory.ErrNotFound)
	}
	return nil
}

func scanSession(row pgx.Row) (memory.Session, error) {
	var (
		sess  memory.Session
		ended *time.Time
	)
	if err := row.Scan(&sess.ID, &sess.VersionID, &sess.StartedAt, &ended, &sess.Status, &sess.Notes); err != nil {
		return memory.Session{}, err
	}
	sess.EndedAt = deref(ended)
	return sess, nil
}
