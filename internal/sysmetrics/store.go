// Package sysmetrics samples process and pipeline gauges on a cron schedule
// and keeps them in a small SQLite database separate from the event store.
package sysmetrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS system_metrics (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	at    INTEGER NOT NULL,
	name  TEXT    NOT NULL,
	value REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS system_metrics_at ON system_metrics (at);
`

// Sample is one observation of a named gauge.
type Sample struct {
	At    time.Time `json:"at"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
}

// Store persists samples.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sysmetrics: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("sysmetrics: open database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sysmetrics: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sysmetrics: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Insert writes samples in one transaction.
func (s *Store) Insert(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sysmetrics: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO system_metrics (at, name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sysmetrics: prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.At.UnixMilli(), smp.Name, smp.Value); err != nil {
			return fmt.Errorf("sysmetrics: insert %s: %w", smp.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sysmetrics: commit: %w", err)
	}
	return nil
}

// Since returns samples taken at or after from, oldest first.
func (s *Store) Since(ctx context.Context, from time.Time) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, name, value
		FROM system_metrics
		WHERE at >= ?
		ORDER BY at ASC, id ASC
	`, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sysmetrics: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			smp Sample
			at  int64
		)
		if err := rows.Scan(&at, &smp.Name, &smp.Value); err != nil {
			return nil, fmt.Errorf("sysmetrics: scan sample: %w", err)
		}
		smp.At = time.UnixMilli(at).UTC()
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Prune deletes samples older than before and reports how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_metrics WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sysmetrics: prune: %w", err)
	}
	return res.RowsAffected()
}
