package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/earmark/pkg/memory"
)

// Compile-time interface checks.
//
// The vector index is exposed through [Store.Index] so that the relational
// contracts and retrieval stay separately injectable.
var (
	_ memory.Store          = (*Store)(nil)
	_ memory.ApprovalWriter = (*Store)(nil)
	_ memory.SemanticIndex  = (*SemanticIndexImpl)(nil)
)

// Store is the PostgreSQL-backed implementation of [memory.Store] and
// [memory.ApprovalWriter]. All operations are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	index *SemanticIndexImpl
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, index: &SemanticIndexImpl{pool: pool}}, nil
}

// Index returns the approved-memory vector index.
func (s *Store) Index() *SemanticIndexImpl { return s.index }

// Pool exposes the connection pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ─────────────────────────────────────────────────────────────────────────────

// mapErr translates driver errors into memory sentinels.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.ConstraintName == "memory_items_event_session_fk":
			return fmt.Errorf("%w: %s", memory.ErrSessionMismatch, pgErr.Message)
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %s", memory.ErrNotFound, pgErr.Message)
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", memory.ErrConflict, pgErr.Message)
		}
	}
	return err
}

// nullID maps the zero id to SQL NULL.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// collect runs pgx.CollectRows and guarantees a non-nil slice.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) { return scan(row) })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
