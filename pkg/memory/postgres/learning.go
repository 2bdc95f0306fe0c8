package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earmark/pkg/memory"
)

const learningColumns = "id, category, session_id, event_id, item_id, artifact_path, metadata, reviewed, created_at"

// LogLearningEvent implements [memory.LearningStore].
func (s *Store) LogLearningEvent(ctx context.Context, e memory.LearningEvent) (memory.LearningEvent, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	q := `
		INSERT INTO supervised_learning_events
		    (category, session_id, event_id, item_id, artifact_path, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + learningColumns

	got, err := scanLearning(s.pool.QueryRow(ctx, q,
		e.Category, nullID(e.SessionID), nullID(e.EventID), nullID(e.ItemID), e.ArtifactPath, meta,
	))
	if err != nil {
		return memory.LearningEvent{}, fmt.Errorf("learning store: log: %w", mapErr(err))
	}
	return got, nil
}

// ListLearningEvents implements [memory.LearningStore].
func (s *Store) ListLearningEvents(ctx context.Context, f memory.LearningFilter) ([]memory.LearningEvent, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.Category != "" {
		conditions = append(conditions, "category = "+next(f.Category))
	}
	if f.SessionID != 0 {
		conditions = append(conditions, "session_id = "+next(f.SessionID))
	}
	if f.UnreviewedOnly {
		conditions = append(conditions, "NOT reviewed")
	}

	q := "SELECT " + learningColumns + "\nFROM   supervised_learning_events"
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND  ")
	}
	q += "\nORDER  BY id DESC"
	if f.Limit > 0 {
		q += "\nLIMIT  " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("learning store: list: %w", err)
	}
	out, err := collect(rows, scanLearning)
	if err != nil {
		return nil, fmt.Errorf("learning store: scan rows: %w", err)
	}
	return out, nil
}

// MarkReviewed implements [memory.LearningStore].
func (s *Store) MarkReviewed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE supervised_learning_events SET reviewed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("learning store: mark reviewed: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("learning store: mark reviewed %d: %w", id, memory.ErrNotFound)
	}
	return nil
}

func scanLearning(row pgx.Row) (memory.LearningEvent, error) {
	var (
		e                          memory.LearningEvent
		sessionID, eventID, itemID *int64
	)
	if err := row.Scan(&e.ID, &e.Category, &sessionID, &eventID, &itemID, &e.ArtifactPath, &e.Metadata, &e.Reviewed, &e.CreatedAt); err != nil {
		return memory.LearningEvent{}, err
	}
	e.SessionID = deref(sessionID)
	e.EventID = deref(eventID)
	e.ItemID = deref(itemID)
	return e, nil
}
