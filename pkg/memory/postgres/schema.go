// Package postgres provides the PostgreSQL-backed implementation of the
// memory contracts: sessions, the append-only event log, model versions,
// memory items, replay runs, supervised-learning events and the pgvector
// index of approved memories.
//
// All sub-stores share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//
//	sess, _ := store.CreateSession(ctx, version.ID, "")
//	ev, _ := store.AppendEvent(ctx, ev, &segment)
//	_ = store.Index().IndexMemory(ctx, item, vec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Versions and audit trail
// ─────────────────────────────────────────────────────────────────────────────

const ddlVersions = `
CREATE TABLE IF NOT EXISTS model_versions (
    id                        BIGSERIAL         PRIMARY KEY,
    tag                       TEXT              NOT NULL UNIQUE,
    config_hash               TEXT              NOT NULL UNIQUE,
    llm_model                 TEXT              NOT NULL DEFAULT '',
    asr_model                 TEXT              NOT NULL DEFAULT '',
    asr_threshold             DOUBLE PRECISION  NOT NULL DEFAULT 0,
    speaker_model             TEXT              NOT NULL DEFAULT '',
    speaker_self_threshold    DOUBLE PRECISION  NOT NULL DEFAULT 0,
    speaker_unknown_threshold DOUBLE PRECISION  NOT NULL DEFAULT 0,
    prompt_name               TEXT              NOT NULL DEFAULT '',
    prompt_hash               TEXT              NOT NULL DEFAULT '',
    aggregation               TEXT              NOT NULL DEFAULT '',
    snapshot                  JSONB             NOT NULL DEFAULT '{}',
    created_at                TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS config_change_log (
    id        BIGSERIAL    PRIMARY KEY,
    at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    actor     TEXT         NOT NULL DEFAULT '',
    old_hash  TEXT         NOT NULL DEFAULT '',
    new_hash  TEXT         NOT NULL,
    summary   TEXT         NOT NULL DEFAULT ''
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Sessions, segments and the event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlEvents = `
CREATE TABLE IF NOT EXISTS sessions (
    id                BIGSERIAL    PRIMARY KEY,
    model_version_id  BIGINT       NOT NULL REFERENCES model_versions (id),
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    status            TEXT         NOT NULL DEFAULT 'active'
        CHECK (status IN ('active', 'pending_review', 'partially_approved',
                          'fully_approved', 'rejected', 'failed')),
    notes             TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);

CREATE TABLE IF NOT EXISTS audio_segments (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   BIGINT       NOT NULL REFERENCES sessions (id),
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ  NOT NULL,
    duration_ms  BIGINT       NOT NULL,
    path         TEXT         NOT NULL,
    sample_rate  INTEGER      NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audio_segments_session ON audio_segments (session_id);

CREATE TABLE IF NOT EXISTS raw_events (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   BIGINT       NOT NULL REFERENCES sessions (id),
    event_type   TEXT         NOT NULL CHECK (event_type IN ('transcript', 'location')),
    occurred_at  TIMESTAMPTZ  NOT NULL,
    payload      JSONB        NOT NULL,
    intent       TEXT         NOT NULL DEFAULT '',
    segment_id   BIGINT       REFERENCES audio_segments (id),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_raw_events_session_time ON raw_events (session_id, occurred_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Interpretation output
// ─────────────────────────────────────────────────────────────────────────────

const ddlItems = `
CREATE TABLE IF NOT EXISTS replay_runs (
    id                 TEXT         PRIMARY KEY,
    session_id         BIGINT       NOT NULL REFERENCES sessions (id),
    model_version_id   BIGINT       NOT NULL REFERENCES model_versions (id),
    source_version_id  BIGINT       NOT NULL REFERENCES model_versions (id),
    started_at         TIMESTAMPTZ  NOT NULL,
    finished_at        TIMESTAMPTZ  NOT NULL,
    event_count        INTEGER      NOT NULL DEFAULT 0,
    item_count         INTEGER      NOT NULL DEFAULT 0,
    failure_count      INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_replay_runs_session ON replay_runs (session_id);

CREATE TABLE IF NOT EXISTS memory_items (
    id                BIGSERIAL         PRIMARY KEY,
    session_id        BIGINT            NOT NULL REFERENCES sessions (id),
    source_event_id   BIGINT            NOT NULL,
    model_version_id  BIGINT            NOT NULL REFERENCES model_versions (id),
    action            TEXT              NOT NULL,
    text              TEXT              NOT NULL,
    tags              TEXT[]            NOT NULL DEFAULT '{}',
    importance        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    predicted_intent  TEXT              NOT NULL DEFAULT '',
    confidences       JSONB             NOT NULL DEFAULT '{}',
    quality           JSONB             NOT NULL DEFAULT '{}',
    status            TEXT              NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'approved', 'rejected', 'flagged')),
    reason            TEXT              NOT NULL DEFAULT '',
    note              TEXT              NOT NULL DEFAULT '',
    decided_at        TIMESTAMPTZ,
    replay_run_id     TEXT              REFERENCES replay_runs (id),
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    CONSTRAINT memory_items_event_session_fk
        FOREIGN KEY (source_event_id, session_id) REFERENCES raw_events (id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_items_session ON memory_items (session_id) WHERE replay_run_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_memory_items_replay ON memory_items (replay_run_id) WHERE replay_run_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS supervised_learning_events (
    id             BIGSERIAL    PRIMARY KEY,
    category       TEXT         NOT NULL,
    session_id     BIGINT       REFERENCES sessions (id),
    event_id       BIGINT       REFERENCES raw_events (id),
    item_id        BIGINT       REFERENCES memory_items (id),
    artifact_path  TEXT         NOT NULL DEFAULT '',
    metadata       JSONB        NOT NULL DEFAULT '{}',
    reviewed       BOOLEAN      NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_learning_category ON supervised_learning_events (category, reviewed);
`

// ─────────────────────────────────────────────────────────────────────────────
// Immutability guards
// ─────────────────────────────────────────────────────────────────────────────

const ddlGuards = `
CREATE OR REPLACE FUNCTION earmark_reject_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION '% rows are append-only', TG_TABLE_NAME
        USING ERRCODE = 'integrity_constraint_violation';
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER raw_events_append_only
    BEFORE UPDATE OR DELETE ON raw_events
    FOR EACH ROW EXECUTE FUNCTION earmark_reject_mutation();

CREATE OR REPLACE TRIGGER audio_segments_append_only
    BEFORE UPDATE OR DELETE ON audio_segments
    FOR EACH ROW EXECUTE FUNCTION earmark_reject_mutation();

CREATE OR REPLACE TRIGGER model_versions_append_only
    BEFORE UPDATE OR DELETE ON model_versions
    FOR EACH ROW EXECUTE FUNCTION earmark_reject_mutation();

CREATE OR REPLACE TRIGGER config_change_log_append_only
    BEFORE UPDATE OR DELETE ON config_change_log
    FOR EACH ROW EXECUTE FUNCTION earmark_reject_mutation();

CREATE OR REPLACE TRIGGER memory_items_no_delete
    BEFORE DELETE ON memory_items
    FOR EACH ROW EXECUTE FUNCTION earmark_reject_mutation();

CREATE OR REPLACE FUNCTION earmark_guard_session() RETURNS trigger AS $$
BEGIN
    IF NEW.model_version_id <> OLD.model_version_id THEN
        RAISE EXCEPTION 'sessions.model_version_id is immutable'
            USING ERRCODE = 'integrity_constraint_violation';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER sessions_version_binding
    BEFORE UPDATE ON sessions
    FOR EACH ROW EXECUTE FUNCTION earmark_guard_session();

CREATE OR REPLACE FUNCTION earmark_guard_item() RETURNS trigger AS $$
BEGIN
    IF NEW.session_id       IS DISTINCT FROM OLD.session_id
    OR NEW.source_event_id  IS DISTINCT FROM OLD.source_event_id
    OR NEW.model_version_id IS DISTINCT FROM OLD.model_version_id
    OR NEW.action           IS DISTINCT FROM OLD.action
    OR NEW.text             IS DISTINCT FROM OLD.text
    OR NEW.tags             IS DISTINCT FROM OLD.tags
    OR NEW.importance       IS DISTINCT FROM OLD.importance
    OR NEW.confidences      IS DISTINCT FROM OLD.confidences
    OR NEW.quality          IS DISTINCT FROM OLD.quality
    OR NEW.replay_run_id    IS DISTINCT FROM OLD.replay_run_id THEN
        RAISE EXCEPTION 'only approval fields of memory_items may change'
            USING ERRCODE = 'integrity_constraint_violation';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER memory_items_approval_only
    BEFORE UPDATE ON memory_items
    FOR EACH ROW EXECUTE FUNCTION earmark_guard_item();

CREATE OR REPLACE FUNCTION earmark_guard_learning() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        RAISE EXCEPTION 'supervised_learning_events rows are append-only'
            USING ERRCODE = 'integrity_constraint_violation';
    END IF;
    IF (NEW.category, NEW.session_id, NEW.event_id, NEW.item_id, NEW.artifact_path, NEW.metadata)
       IS DISTINCT FROM
       (OLD.category, OLD.session_id, OLD.event_id, OLD.item_id, OLD.artifact_path, OLD.metadata) THEN
        RAISE EXCEPTION 'only the reviewed flag of supervised_learning_events may change'
            USING ERRCODE = 'integrity_constraint_violation';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER supervised_learning_events_reviewed_only
    BEFORE UPDATE OR DELETE ON supervised_learning_events
    FOR EACH ROW EXECUTE FUNCTION earmark_guard_learning();
`

// ddlIndex returns the approved-memory vector table with the embedding
// dimension substituted. The dimension is baked into the column type.
func ddlIndex(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS approved_memories (
    item_id     BIGINT       PRIMARY KEY REFERENCES memory_items (id),
    session_id  BIGINT       NOT NULL REFERENCES sessions (id),
    text        TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    embedding   vector(%d)   NOT NULL,
    indexed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_approved_memories_embedding
    ON approved_memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, triggers and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g. 768 for nomic-embed-text). Changing it after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	statements := []string{
		ddlVersions,
		ddlEvents,
		ddlItems,
		ddlGuards,
		ddlIndex(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
