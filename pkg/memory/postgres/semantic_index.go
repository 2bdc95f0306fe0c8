package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/earmark/pkg/memory"
)

// SemanticIndexImpl stores approved memories in the approved_memories table
// with a pgvector HNSW index for cosine nearest-neighbour search.
//
// Obtain one via [Store.Index] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticIndexImpl struct {
	pool *pgxpool.Pool
}

// IndexMemory implements [memory.SemanticIndex]. Re-indexing an item replaces
// its previous entry.
func (s *SemanticIndexImpl) IndexMemory(ctx context.Context, item memory.MemoryItem, embedding []float32) error {
	const q = `
		INSERT INTO approved_memories (item_id, session_id, text, tags, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id) DO UPDATE SET
		    text       = EXCLUDED.text,
		    tags       = EXCLUDED.tags,
		    embedding  = EXCLUDED.embedding,
		    indexed_at = now()`

	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	if _, err := s.pool.Exec(ctx, q, item.ID, item.SessionID, item.Text, tags, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("semantic index: index memory: %w", mapErr(err))
	}
	return nil
}

// RemoveMemory implements [memory.SemanticIndex].
func (s *SemanticIndexImpl) RemoveMemory(ctx context.Context, itemID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM approved_memories WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("semantic index: remove memory: %w", err)
	}
	return nil
}

// Search implements [memory.SemanticIndex]. Results are ordered by ascending
// cosine distance.
func (s *SemanticIndexImpl) Search(ctx context.Context, embedding []float32, topK int) ([]memory.MemoryResult, error) {
	if topK <= 0 {
		topK = 10
	}
	const q = `
		SELECT item_id, session_id, text, tags, embedding <=> $1 AS distance
		FROM   approved_memories
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}
	out, err := collect(rows, func(row pgx.Row) (memory.MemoryResult, error) {
		var r memory.MemoryResult
		err := row.Scan(&r.ItemID, &r.SessionID, &r.Text, &r.Tags, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	return out, nil
}
