package memory

import (
	"encoding/json"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// SessionStatus is the aggregate approval status of a session.
type SessionStatus string

const (
	SessionActive            SessionStatus = "active"
	SessionPendingReview     SessionStatus = "pending_review"
	SessionPartiallyApproved SessionStatus = "partially_approved"
	SessionFullyApproved     SessionStatus = "fully_approved"
	SessionRejected          SessionStatus = "rejected"
	SessionFailed            SessionStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionPendingReview, SessionPartiallyApproved,
		SessionFullyApproved, SessionRejected, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether no recomputation may move a session out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionRejected || s == SessionFailed
}

// Session is one user-initiated capture session. VersionID is bound at
// creation and never reassigned.
type Session struct {
	ID        int64
	VersionID int64
	StartedAt time.Time

	// EndedAt is zero while the session is still recording.
	EndedAt time.Time

	Status SessionStatus
	Notes  string
}

// SessionFilter narrows [SessionStore.ListSessions]. Zero fields match all.
type SessionFilter struct {
	Status SessionStatus
	Limit  int
}

// ─────────────────────────────────────────────────────────────────────────────
// Events and segments
// ─────────────────────────────────────────────────────────────────────────────

// Intent is the early intent tag attached to a transcript before it is sent
// for interpretation.
type Intent string

const (
	IntentShopping Intent = "shopping_candidate"
	IntentTodo     Intent = "todo_candidate"
	IntentMemory   Intent = "memory_candidate"
	IntentIgnore   Intent = "ignore"
)

// RawEvent is one immutable fact recorded during a session. It is written
// exactly once and never updated or deleted.
type RawEvent struct {
	ID        int64
	SessionID int64
	Type      EventType
	Timestamp time.Time
	Payload   Payload

	// Intent is empty when no early intent was predicted.
	Intent Intent

	// SegmentID references the AudioSegment this event was derived from, or
	// is 0 for events without audio (locations).
	SegmentID int64
}

// Transcript returns the transcript payload, if the event carries one.
func (e RawEvent) Transcript() (TranscriptPayload, bool) {
	p, ok := e.Payload.(TranscriptPayload)
	return p, ok
}

// AudioSegment is a contiguous span of speech persisted as one WAV artifact.
type AudioSegment struct {
	ID         int64
	SessionID  int64
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
	Path       string
	SampleRate int
}

// ─────────────────────────────────────────────────────────────────────────────
// Versions
// ─────────────────────────────────────────────────────────────────────────────

// ModelVersion is an immutable snapshot of every model and threshold that
// influences interpretation. Two sessions with the same ConfigHash were
// processed identically.
type ModelVersion struct {
	ID         int64
	Tag        string
	ConfigHash string

	LLMModel     string
	ASRModel     string
	ASRThreshold float64

	SpeakerModel            string
	SpeakerSelfThreshold    float64
	SpeakerUnknownThreshold float64

	PromptName  string
	PromptHash  string
	Aggregation string

	// Snapshot is the canonical JSON the ConfigHash was computed over.
	Snapshot json.RawMessage

	CreatedAt time.Time
}

// ConfigChange is one entry of the append-only configuration audit trail.
type ConfigChange struct {
	ID      int64
	At      time.Time
	Actor   string
	OldHash string
	NewHash string
	Summary string
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory items
// ─────────────────────────────────────────────────────────────────────────────

// ActionType is the kind of action proposed by the interpreter.
type ActionType string

const (
	ActionAddMemory       ActionType = "add_memory"
	ActionAddShoppingItem ActionType = "add_shopping_item"
	ActionNone            ActionType = "none"
)

// ItemStatus is the approval status of a single memory item.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemApproved ItemStatus = "approved"
	ItemRejected ItemStatus = "rejected"
	ItemFlagged  ItemStatus = "flagged"
)

// IsValid reports whether s is a known item status.
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemPending, ItemApproved, ItemRejected, ItemFlagged:
		return true
	}
	return false
}

// Confidences carries the per-source confidence values that fed an item.
type Confidences struct {
	ASR     float64 `json:"asr"`
	Speaker float64 `json:"speaker"`
	LLM     float64 `json:"llm"`

	// Aggregate is the ASR/speaker value combined by the version's
	// aggregation strategy.
	Aggregate float64 `json:"aggregate"`
}

// Quality is the interpreter's self-assessment merged with locally detected
// issues.
type Quality struct {
	Issues     []string `json:"issues,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// MemoryItem is a proposed long-term memory derived from exactly one RawEvent
// of the same session. Only the approval fields (Status, Reason, Note,
// DecidedAt) ever change, and only through [ApprovalWriter].
type MemoryItem struct {
	ID            int64
	SessionID     int64
	SourceEventID int64
	VersionID     int64

	Action          ActionType
	Text            string
	Tags            []string
	Importance      float64
	PredictedIntent Intent
	Confidences     Confidences
	Quality         Quality

	Status ItemStatus

	// Reason is the rejection reason; Note the flag annotation.
	Reason    string
	Note      string
	DecidedAt time.Time

	// ReplayRunID is empty for items produced by the live pipeline.
	ReplayRunID string

	CreatedAt time.Time
}

// IsReplay reports whether the item was produced by a replay run.
func (m MemoryItem) IsReplay() bool { return m.ReplayRunID != "" }

// ApprovalUpdate is a compare-and-set mutation of an item's approval fields.
// It fails with [ErrConflict] if the stored status no longer equals From.
type ApprovalUpdate struct {
	ItemID    int64
	From      ItemStatus
	To        ItemStatus
	Reason    string
	Note      string
	DecidedAt time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Supervised learning
// ─────────────────────────────────────────────────────────────────────────────

// LearningCategory classifies a supervised-learning event.
type LearningCategory string

const (
	CategoryParseError         LearningCategory = "interpretation_parse_error"
	CategoryUserRejectedMemory LearningCategory = "user_rejected_memory"
	CategoryTranscriptionError LearningCategory = "transcription_error"
)

// LearningEvent is a failure or correction recorded for later review. Only
// Reviewed ever changes after insert.
type LearningEvent struct {
	ID        int64
	Category  LearningCategory
	SessionID int64
	EventID   int64
	ItemID    int64

	// ArtifactPath points at the saved raw material (an unparsable response,
	// a segment that failed transcription). May be empty.
	ArtifactPath string

	Metadata  map[string]any
	Reviewed  bool
	CreatedAt time.Time
}

// LearningFilter narrows [LearningStore.ListLearningEvents].
type LearningFilter struct {
	Category       LearningCategory
	SessionID      int64
	UnreviewedOnly bool
	Limit          int
}

// ─────────────────────────────────────────────────────────────────────────────
// Replay
// ─────────────────────────────────────────────────────────────────────────────

// ReplayRun labels one re-interpretation pass over a past session.
type ReplayRun struct {
	ID              string
	SessionID       int64
	VersionID       int64
	SourceVersionID int64
	StartedAt       time.Time
	FinishedAt      time.Time
	EventCount      int
	ItemCount       int
	FailureCount    int
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic retrieval
// ─────────────────────────────────────────────────────────────────────────────

// MemoryResult is an approved memory returned by a similarity search. Lower
// Distance means closer.
type MemoryResult struct {
	ItemID    int64
	SessionID int64
	Text      string
	Tags      []string
	Distance  float64
}
