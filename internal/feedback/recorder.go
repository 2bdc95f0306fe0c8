// Package feedback records supervised-learning events: interpretation parse
// failures, user rejections and transcription errors.
//
// Every event is written to the [memory.LearningStore]. Events that carry a
// raw payload (an unparseable collaborator response) also get an artifact
// file under <root>/learning/<category>/, and a line in an append-only JSON
// journal next to it so artifacts stay attributable without the database.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
)

// journalName is the JSON-lines file under <root>/learning.
const journalName = "journal.jsonl"

// Record is one journal line.
type Record struct {
	Timestamp    time.Time               `json:"timestamp"`
	Category     memory.LearningCategory `json:"category"`
	SessionID    int64                   `json:"session_id"`
	EventID      int64                   `json:"event_id,omitempty"`
	ItemID       int64                   `json:"item_id,omitempty"`
	ArtifactPath string                  `json:"artifact_path,omitempty"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
}

// Recorder persists learning events. It is safe for concurrent use.
type Recorder struct {
	store   memory.LearningStore
	root    string
	metrics *observe.Metrics

	mu sync.Mutex // serialises journal appends
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithMetrics counts recorded events per category.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a Recorder writing artifacts under root/learning.
func NewRecorder(store memory.LearningStore, root string, opts ...Option) *Recorder {
	r := &Recorder{store: store, root: filepath.Join(root, "learning")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record stores e. When artifact is non-nil it is written to disk first and
// its path stored in e.ArtifactPath.
func (r *Recorder) Record(ctx context.Context, e memory.LearningEvent, artifact []byte) (memory.LearningEvent, error) {
	if artifact != nil {
		path, err := r.writeArtifact(e.Category, artifact)
		if err != nil {
			return memory.LearningEvent{}, err
		}
		e.ArtifactPath = path
	}

	saved, err := r.store.LogLearningEvent(ctx, e)
	if err != nil {
		return memory.LearningEvent{}, fmt.Errorf("feedback: log %s: %w", e.Category, err)
	}
	if r.metrics != nil {
		r.metrics.RecordLearningEvent(ctx, string(e.Category))
	}

	if err := r.appendJournal(saved); err != nil {
		observe.Logger(ctx).Warn("feedback: journal append failed", "category", e.Category, "err", err)
	}
	return saved, nil
}

// ParseError records an interpretation that produced no usable actions.
// reason is "parse", "timeout" or "provider_error"; raw is the last
// collaborator response; no artifact is written when it is empty.
func (r *Recorder) ParseError(ctx context.Context, ev memory.RawEvent, versionID int64, reason, raw string, attempts int) (memory.LearningEvent, error) {
	var artifact []byte
	if raw != "" {
		artifact = []byte(raw)
	}
	return r.Record(ctx, memory.LearningEvent{
		Category:  memory.CategoryParseError,
		SessionID: ev.SessionID,
		EventID:   ev.ID,
		Metadata: map[string]any{
			"reason":     reason,
			"version_id": versionID,
			"attempts":   attempts,
		},
	}, artifact)
}

// Rejected records a user rejection of item with reason.
func (r *Recorder) Rejected(ctx context.Context, item memory.MemoryItem, reason string) (memory.LearningEvent, error) {
	return r.Record(ctx, memory.LearningEvent{
		Category:  memory.CategoryUserRejectedMemory,
		SessionID: item.SessionID,
		EventID:   item.SourceEventID,
		ItemID:    item.ID,
		Metadata: map[string]any{
			"reason": reason,
			"action": string(item.Action),
			"text":   item.Text,
		},
	}, nil)
}

// TranscriptionError records a failed transcription of a stored segment.
func (r *Recorder) TranscriptionError(ctx context.Context, ev memory.RawEvent, audioPath string, cause error) (memory.LearningEvent, error) {
	return r.Record(ctx, memory.LearningEvent{
		Category:     memory.CategoryTranscriptionError,
		SessionID:    ev.SessionID,
		EventID:      ev.ID,
		ArtifactPath: audioPath,
		Metadata:     map[string]any{"error": cause.Error()},
	}, nil)
}

// writeArtifact writes data to a fresh file via a temp file and rename.
func (r *Recorder) writeArtifact(cat memory.LearningCategory, data []byte) (string, error) {
	dir := filepath.Join(r.root, string(cat))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("feedback: create artifact dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".txt")

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("feedback: create artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("feedback: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("feedback: close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("feedback: rename artifact: %w", err)
	}
	return path, nil
}

func (r *Recorder) appendJournal(e memory.LearningEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(Record{
		Timestamp:    e.CreatedAt.UTC(),
		Category:     e.Category,
		SessionID:    e.SessionID,
		EventID:      e.EventID,
		ItemID:       e.ItemID,
		ArtifactPath: e.ArtifactPath,
		Metadata:     e.Metadata,
	})
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("feedback: create journal dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(r.root, journalName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write journal: %w", err)
	}
	return nil
}

// ReadJournal returns every journal record under root, oldest first.
func ReadJournal(root string) ([]Record, error) {
	f, err := os.Open(filepath.Join(root, "learning", journalName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("feedback: open journal: %w", err)
	}
	defer f.Close()

	var out []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("feedback: decode journal: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
