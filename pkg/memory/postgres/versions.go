package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/earmark/pkg/memory"
)

const versionColumns = `id, tag, config_hash, llm_model, asr_model, asr_threshold,
	speaker_model, speaker_self_threshold, speaker_unknown_threshold,
	prompt_name, prompt_hash, aggregation, snapshot, created_at`

// RegisterVersion implements [memory.VersionStore]. Registering a hash that
// already exists returns the stored row untouched.
func (s *Store) RegisterVersion(ctx context.Context, v memory.ModelVersion) (memory.ModelVersion, error) {
	snapshot := []byte(v.Snapshot)
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}

	const q = `
		INSERT INTO model_versions
		    (tag, config_hash, llm_model, asr_model, asr_threshold,
		     speaker_model, speaker_self_threshold, speaker_unknown_threshold,
		     prompt_name, prompt_hash, aggregation, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (config_hash) DO NOTHING
		RETURNING ` + versionColumns

	got, err := scanVersion(s.pool.QueryRow(ctx, q,
		v.Tag, v.ConfigHash, v.LLMModel, v.ASRModel, v.ASRThreshold,
		v.SpeakerModel, v.SpeakerSelfThreshold, v.SpeakerUnknownThreshold,
		v.PromptName, v.PromptHash, v.Aggregation, snapshot,
	))
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return memory.ModelVersion{}, fmt.Errorf("version store: register: %w", mapErr(err))
	}

	q2 := "SELECT " + versionColumns + " FROM model_versions WHERE config_hash = $1"
	got, err = scanVersion(s.pool.QueryRow(ctx, q2, v.ConfigHash))
	if err != nil {
		return memory.ModelVersion{}, fmt.Errorf("version store: register: %w", mapErr(err))
	}
	return got, nil
}

// GetVersion implements [memory.VersionStore].
func (s *Store) GetVersion(ctx context.Context, id int64) (memory.ModelVersion, error) {
	q := "SELECT " + versionColumns + " FROM model_versions WHERE id = $1"
	v, err := scanVersion(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return memory.ModelVersion{}, fmt.Errorf("version store: get %d: %w", id, mapErr(err))
	}
	return v, nil
}

// GetVersionByTag implements [memory.VersionStore].
func (s *Store) GetVersionByTag(ctx context.Context, tag string) (memory.ModelVersion, error) {
	q := "SELECT " + versionColumns + " FROM model_versions WHERE tag = $1"
	v, err := scanVersion(s.pool.QueryRow(ctx, q, tag))
	if err != nil {
		return memory.ModelVersion{}, fmt.Errorf("version store: get %q: %w", tag, mapErr(err))
	}
	return v, nil
}

// ListVersions implements [memory.VersionStore].
func (s *Store) ListVersions(ctx context.Context) ([]memory.ModelVersion, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+versionColumns+" FROM model_versions ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("version store: list: %w", err)
	}
	out, err := collect(rows, scanVersion)
	if err != nil {
		return nil, fmt.Errorf("version store: scan rows: %w", err)
	}
	return out, nil
}

// LogConfigChange implements [memory.VersionStore].
func (s *Store) LogConfigChange(ctx context.Context, c memory.ConfigChange) (memory.ConfigChange, error) {
	const q = `
		INSERT INTO config_change_log (at, actor, old_hash, new_hash, summary)
		VALUES (COALESCE($1::timestamptz, now()), $2, $3, $4, $5)
		RETURNING id, at`
	if err := s.pool.QueryRow(ctx, q, nullTime(c.At), c.Actor, c.OldHash, c.NewHash, c.Summary).Scan(&c.ID, &c.At); err != nil {
		return memory.ConfigChange{}, fmt.Errorf("version store: log config change: %w", mapErr(err))
	}
	return c, nil
}

// ListConfigChanges implements [memory.VersionStore].
func (s *Store) ListConfigChanges(ctx context.Context, limit int) ([]memory.ConfigChange, error) {
	q := `
		SELECT id, at, actor, old_hash, new_hash, summary
		FROM   config_change_log
		ORDER  BY id DESC`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("version store: list config changes: %w", err)
	}
	out, err := collect(rows, func(row pgx.Row) (memory.ConfigChange, error) {
		var c memory.ConfigChange
		err := row.Scan(&c.ID, &c.At, &c.Actor, &c.OldHash, &c.NewHash, &c.Summary)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("version store: scan rows: %w", err)
	}
	return out, nil
}

func scanVersion(row pgx.Row) (memory.ModelVersion, error) {
	var (
		v        memory.ModelVersion
		snapshot []byte
	)
	if err := row.Scan(
		&v.ID, &v.Tag, &v.ConfigHash, &v.LLMModel, &v.ASRModel, &v.ASRThreshold,
		&v.SpeakerModel, &v.SpeakerSelfThreshold, &v.SpeakerUnknownThreshold,
		&v.PromptName, &v.PromptHash, &v.Aggregation, &snapshot, &v.CreatedAt,
	); err != nil {
		return memory.ModelVersion{}, err
	}
	v.Snapshot = snapshot
	return v, nil
}
