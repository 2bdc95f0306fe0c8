// Package memory defines the domain model and storage contracts of the
// session event pipeline.
//
// Storage is split into small, consumer-sized interfaces:
//
//   - [SessionStore]: sessions and their aggregate status.
//   - [EventStore]: the append-only log of RawEvents and AudioSegments.
//   - [VersionStore]: immutable model versions and the config change log.
//   - [ItemStore]: proposed memory items and replay runs.
//   - [ApprovalWriter]: the only way to change an item's approval fields.
//   - [LearningStore]: supervised-learning events.
//   - [SemanticIndex]: vector retrieval over approved memories.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("memory: not found")

	// ErrConflict is returned when a compare-and-set update loses a race or
	// a uniqueness constraint is violated.
	ErrConflict = errors.New("memory: conflict")

	// ErrSessionMismatch is returned when a memory item references an event
	// of a different session.
	ErrSessionMismatch = errors.New("memory: event belongs to a different session")
)

// SessionStore persists sessions.
type SessionStore interface {
	// CreateSession inserts an active session bound to versionID.
	CreateSession(ctx context.Context, versionID int64, notes string) (Session, error)

	GetSession(ctx context.Context, id int64) (Session, error)

	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// SetSessionStatus overwrites the aggregate status. Callers are
	// expected to derive status from item statuses rather than set it freely.
	SetSessionStatus(ctx context.Context, id int64, status SessionStatus) error

	// EndSession records the end time. It is a no-op for sessions that
	// already ended.
	EndSession(ctx context.Context, id int64, at time.Time) error
}

// EventStore is the append-only event log. It exposes no update or delete.
type EventStore interface {
	// AppendEvent writes seg (when non-nil) and ev in a single transaction
	// and returns ev with its ID and SegmentID populated.
	AppendEvent(ctx context.Context, ev RawEvent, seg *AudioSegment) (RawEvent, error)

	GetEvent(ctx context.Context, id int64) (RawEvent, error)

	// ListEvents returns a session's events in timestamp order.
	ListEvents(ctx context.Context, sessionID int64) ([]RawEvent, error)

	ListSegments(ctx context.Context, sessionID int64) ([]AudioSegment, error)
}

// VersionStore persists model versions and the config audit trail.
type VersionStore interface {
	// RegisterVersion inserts v, or returns the existing version with the
	// same ConfigHash unchanged.
	RegisterVersion(ctx context.Context, v ModelVersion) (ModelVersion, error)

	GetVersion(ctx context.Context, id int64) (ModelVersion, error)
	GetVersionByTag(ctx context.Context, tag string) (ModelVersion, error)

	// ListVersions returns versions newest first.
	ListVersions(ctx context.Context) ([]ModelVersion, error)

	LogConfigChange(ctx context.Context, c ConfigChange) (ConfigChange, error)

	// ListConfigChanges returns the newest limit changes (all when limit <= 0).
	ListConfigChanges(ctx context.Context, limit int) ([]ConfigChange, error)
}

// ItemStore persists proposed memory items.
type ItemStore interface {
	// InsertItems writes items in one transaction. Each item's SourceEventID
	// must belong to its SessionID.
	InsertItems(ctx context.Context, items []MemoryItem) ([]MemoryItem, error)

	GetItem(ctx context.Context, id int64) (MemoryItem, error)

	// ListItems returns the live (non-replay) items of a session.
	ListItems(ctx context.Context, sessionID int64) ([]MemoryItem, error)

	ListReplayItems(ctx context.Context, runID string) ([]MemoryItem, error)

	// CreateReplayRun writes run and its items in one transaction.
	CreateReplayRun(ctx context.Context, run ReplayRun, items []MemoryItem) (ReplayRun, []MemoryItem, error)

	ListReplayRuns(ctx context.Context, sessionID int64) ([]ReplayRun, error)
}

// ApprovalWriter mutates item approval fields. It is held by the approval
// state machine alone.
type ApprovalWriter interface {
	UpdateItemApproval(ctx context.Context, u ApprovalUpdate) (MemoryItem, error)
}

// LearningStore persists supervised-learning events.
type LearningStore interface {
	LogLearningEvent(ctx context.Context, e LearningEvent) (LearningEvent, error)

	// ListLearningEvents returns matching events newest first.
	ListLearningEvents(ctx context.Context, filter LearningFilter) ([]LearningEvent, error)

	// MarkReviewed sets the reviewed flag, the only mutation allowed.
	MarkReviewed(ctx context.Context, id int64) error
}

// SemanticIndex is the vector store for approved memories.
type SemanticIndex interface {
	// IndexMemory upserts item with its embedding.
	IndexMemory(ctx context.Context, item MemoryItem, embedding []float32) error

	// RemoveMemory deletes the entry for itemID. Missing entries are ignored.
	RemoveMemory(ctx context.Context, itemID int64) error

	// Search returns the topK closest approved memories.
	Search(ctx context.Context, embedding []float32, topK int) ([]MemoryResult, error)
}

// Store bundles the relational contracts served by one backend.
type Store interface {
	SessionStore
	EventStore
	VersionStore
	ItemStore
	LearningStore
}
