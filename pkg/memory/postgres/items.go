package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earmark/pkg/memory"
)

const itemColumns = `id, session_id, source_event_id, model_version_id, action, text, tags,
	importance, predicted_intent, confidences, quality, status, reason, note,
	decided_at, replay_run_id, created_at`

const runColumns = `id, session_id, model_version_id, source_version_id, started_at,
	finished_at, event_count, item_count, failure_count`

// InsertItems implements [memory.ItemStore]. The batch is committed in one
// transaction; the composite foreign key on (source_event_id, session_id)
// rejects items whose event belongs to another session.
func (s *Store) InsertItems(ctx context.Context, items []memory.MemoryItem) ([]memory.MemoryItem, error) {
	if len(items) == 0 {
		return []memory.MemoryItem{}, nil
	}
	var out []memory.MemoryItem
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = insertItems(ctx, tx, items, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("item store: insert: %w", mapErr(err))
	}
	return out, nil
}

func insertItems(ctx context.Context, tx pgx.Tx, items []memory.MemoryItem, runID string) ([]memory.MemoryItem, error) {
	const q = `
		INSERT INTO memory_items
		    (session_id, source_event_id, model_version_id, action, text, tags,
		     importance, predicted_intent, confidences, quality, status, replay_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + itemColumns

	out := make([]memory.MemoryItem, 0, len(items))
	for _, it := range items {
		status := it.Status
		if status == "" {
			status = memory.ItemPending
		}
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		stored, err := scanItem(tx.QueryRow(ctx, q,
			it.SessionID,
			it.SourceEventID,
			it.VersionID,
			it.Action,
			it.Text,
			tags,
			it.Importance,
			it.PredictedIntent,
			it.Confidences,
			it.Quality,
			status,
			nullString(runID),
		))
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// GetItem implements [memory.ItemStore].
func (s *Store) GetItem(ctx context.Context, id int64) (memory.MemoryItem, error) {
	q := "SELECT " + itemColumns + " FROM memory_items WHERE id = $1"
	it, err := scanItem(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return memory.MemoryItem{}, fmt.Errorf("item store: get %d: %w", id, mapErr(err))
	}
	return it, nil
}

// ListItems implements [memory.ItemStore].
func (s *Store) ListItems(ctx context.Context, sessionID int64) ([]memory.MemoryItem, error) {
	q := "SELECT " + itemColumns + `
		FROM   memory_items
		WHERE  session_id = $1 AND replay_run_id IS NULL
		ORDER  BY id`
	return s.queryItems(ctx, q, sessionID)
}

// ListReplayItems implements [memory.ItemStore].
func (s *Store) ListReplayItems(ctx context.Context, runID string) ([]memory.MemoryItem, error) {
	q := "SELECT " + itemColumns + `
		FROM   memory_items
		WHERE  replay_run_id = $1
		ORDER  BY id`
	return s.queryItems(ctx, q, runID)
}

func (s *Store) queryItems(ctx context.Context, q string, arg any) ([]memory.MemoryItem, error) {
	rows, err := s.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("item store: list: %w", err)
	}
	out, err := collect(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("item store: scan rows: %w", err)
	}
	return out, nil
}

// CreateReplayRun implements [memory.ItemStore]. The run row and every
// labeled item are inserted in one transaction; nothing else is touched.
func (s *Store) CreateReplayRun(ctx context.Context, run memory.ReplayRun, items []memory.MemoryItem) (memory.ReplayRun, []memory.MemoryItem, error) {
	if run.ID == "" {
		return memory.ReplayRun{}, nil, errors.New("item store: replay run id must not be empty")
	}
	run.ItemCount = len(items)

	var out []memory.MemoryItem
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO replay_runs (` + runColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, q,
			run.ID, run.SessionID, run.VersionID, run.SourceVersionID, run.StartedAt,
			run.FinishedAt, run.EventCount, run.ItemCount, run.FailureCount,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		var err error
		out, err = insertItems(ctx, tx, items, run.ID)
		return err
	})
	if err != nil {
		return memory.ReplayRun{}, nil, fmt.Errorf("item store: create replay run: %w", mapErr(err))
	}
	return run, out, nil
}

// ListReplayRuns implements [memory.ItemStore].
func (s *Store) ListReplayRuns(ctx context.Context, sessionID int64) ([]memory.ReplayRun, error) {
	q := "SELECT " + runColumns + `
		FROM   replay_runs
		WHERE  session_id = $1
		ORDER  BY started_at DESC`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("item store: list replay runs: %w", err)
	}
	out, err := collect(rows, func(row pgx.Row) (memory.ReplayRun, error) {
		var r memory.ReplayRun
		err := row.Scan(&r.ID, &r.SessionID, &r.VersionID, &r.SourceVersionID, &r.StartedAt,
			&r.FinishedAt, &r.EventCount, &r.ItemCount, &r.FailureCount)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("item store: scan rows: %w", err)
	}
	return out, nil
}

// UpdateItemApproval implements [memory.ApprovalWriter] as a compare-and-set
// on the current status.
func (s *Store) UpdateItemApproval(ctx context.Context, u memory.ApprovalUpdate) (memory.MemoryItem, error) {
	q := `
		UPDATE memory_items
		SET    status = $2, reason = $3, note = $4, decided_at = $5
		WHERE  id = $1 AND status = $6
		RETURNING ` + itemColumns

	it, err := scanItem(s.pool.QueryRow(ctx, q, u.ItemID, u.To, u.Reason, u.Note, nullTime(u.DecidedAt), u.From))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return memory.MemoryItem{}, fmt.Errorf("item store: update approval: %w", mapErr(err))
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memory_items WHERE id = $1)`, u.ItemID).Scan(&exists); err != nil {
		return memory.MemoryItem{}, fmt.Errorf("item store: update approval: %w", err)
	}
	if !exists {
		return memory.MemoryItem{}, fmt.Errorf("item store: update approval %d: %w", u.ItemID, memory.ErrNotFound)
	}
	return memory.MemoryItem{}, fmt.Errorf("item store: update approval %d: %w", u.ItemID, memory.ErrConflict)
}

func scanItem(row pgx.Row) (memory.MemoryItem, error) {
	var (
		it      memory.MemoryItem
		decided *time.Time
		runID   *string
	)
	if err := row.Scan(
		&it.ID, &it.SessionID, &it.SourceEventID, &it.VersionID, &it.Action, &it.Text, &it.Tags,
		&it.Importance, &it.PredictedIntent, &it.Confidences, &it.Quality, &it.Status, &it.Reason, &it.Note,
		&decided, &runID, &it.CreatedAt,
	); err != nil {
		return memory.MemoryItem{}, err
	}
	it.DecidedAt = deref(decided)
	it.ReplayRunID = deref(runID)
	return it, nil
}
