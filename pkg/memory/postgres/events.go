package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earmark/pkg/memory"
)

// Event-log writes only ever INSERT. raw_events and audio_segments carry
// triggers that reject UPDATE and DELETE outright.

const eventColumns = "id, session_id, event_type, occurred_at, payload, intent, segment_id"

const segmentColumns = "id, session_id, started_at, ended_at, duration_ms, path, sample_rate"

// AppendEvent implements [memory.EventStore]. The segment (when non-nil) and
// the event are committed in one transaction, so a crash loses at most the
// in-flight event.
func (s *Store) AppendEvent(ctx context.Context, ev memory.RawEvent, seg *memory.AudioSegment) (memory.RawEvent, error) {
	typ, payload, err := memory.EncodePayload(ev.Payload)
	if err != nil {
		return memory.RawEvent{}, fmt.Errorf("event store: append: %w", err)
	}
	ev.Type = typ
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if seg != nil {
			const qs = `
				INSERT INTO audio_segments
				    (session_id, started_at, ended_at, duration_ms, path, sample_rate)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`
			if err := tx.QueryRow(ctx, qs,
				ev.SessionID,
				seg.StartedAt,
				seg.EndedAt,
				seg.Duration.Milliseconds(),
				seg.Path,
				seg.SampleRate,
			).Scan(&ev.SegmentID); err != nil {
				return fmt.Errorf("insert segment: %w", err)
			}
		}

		const qe = `
			INSERT INTO raw_events
			    (session_id, event_type, occurred_at, payload, intent, segment_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`
		if err := tx.QueryRow(ctx, qe,
			ev.SessionID,
			ev.Type,
			ev.Timestamp,
			payload,
			ev.Intent,
			nullID(ev.SegmentID),
		).Scan(&ev.ID); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return memory.RawEvent{}, fmt.Errorf("event store: append: %w", mapErr(err))
	}
	return ev, nil
}

// GetEvent implements [memory.EventStore].
func (s *Store) GetEvent(ctx context.Context, id int64) (memory.RawEvent, error) {
	q := "SELECT " + eventColumns + " FROM raw_events WHERE id = $1"
	ev, err := scanEvent(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return memory.RawEvent{}, fmt.Errorf("event store: get %d: %w", id, mapErr(err))
	}
	return ev, nil
}

// ListEvents implements [memory.EventStore].
func (s *Store) ListEvents(ctx context.Context, sessionID int64) ([]memory.RawEvent, error) {
	q := "SELECT " + eventColumns + `
		FROM   raw_events
		WHERE  session_id = $1
		ORDER  BY occurred_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("event store: list events: %w", err)
	}
	out, err := collect(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("event store: scan rows: %w", err)
	}
	return out, nil
}

// ListSegments implements [memory.EventStore].
func (s *Store) ListSegments(ctx context.Context, sessionID int64) ([]memory.AudioSegment, error) {
	q := "SELECT " + segmentColumns + `
		FROM   audio_segments
		WHERE  session_id = $1
		ORDER  BY started_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("event store: list segments: %w", err)
	}
	out, err := collect(rows, func(row pgx.Row) (memory.AudioSegment, error) {
		var (
			seg memory.AudioSegment
			ms  int64
		)
		if err := row.Scan(&seg.ID, &seg.SessionID, &seg.StartedAt, &seg.EndedAt, &ms, &seg.Path, &seg.SampleRate); err != nil {
			return memory.AudioSegment{}, err
		}
		seg.Duration = time.Duration(ms) * time.Millisecond
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("event store: scan rows: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (memory.RawEvent, error) {
	var (
		ev      memory.RawEvent
		payload []byte
		segID   *int64
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Timestamp, &payload, &ev.Intent, &segID); err != nil {
		return memory.RawEvent{}, err
	}
	p, err := memory.DecodePayload(ev.Type, payload)
	if err != nil {
		return memory.RawEvent{}, err
	}
	ev.Payload = p
	ev.SegmentID = deref(segID)
	return ev, nil
}
