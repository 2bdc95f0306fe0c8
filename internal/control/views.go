package control

import (
	"time"

	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/sysmetrics"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
)

// JSON views of the domain types. Zero times are omitted.

type sessionView struct {
	ID        int64                `json:"id"`
	VersionID int64                `json:"version_id"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
	Status    memory.SessionStatus `json:"status"`
	Notes     string               `json:"notes,omitempty"`
}

type eventView struct {
	ID        int64            `json:"id"`
	Type      memory.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   memory.Payload   `json:"payload"`
	Intent    memory.Intent    `json:"intent,omitempty"`
	SegmentID int64            `json:"segment_id,omitempty"`
}

type segmentView struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
	Path       string    `json:"path"`
	SampleRate int       `json:"sample_rate"`
}

type itemView struct {
	ID              int64              `json:"id"`
	SessionID       int64              `json:"session_id"`
	SourceEventID   int64              `json:"source_event_id"`
	VersionID       int64              `json:"version_id"`
	Action          memory.ActionType  `json:"action"`
	Text            string             `json:"text"`
	Tags            []string           `json:"tags"`
	Importance      float64            `json:"importance"`
	PredictedIntent memory.Intent      `json:"predicted_intent,omitempty"`
	Confidences     memory.Confidences `json:"confidences"`
	Quality         memory.Quality     `json:"quality"`
	Status          memory.ItemStatus  `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	Note            string             `json:"note,omitempty"`
	DecidedAt       *time.Time         `json:"decided_at,omitempty"`
	ReplayRunID     string             `json:"replay_run_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

type replayRunView struct {
	ID              string     `json:"id"`
	SessionID       int64      `json:"session_id"`
	VersionID       int64      `json:"version_id"`
	SourceVersionID int64      `json:"source_version_id"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	EventCount      int        `json:"event_count"`
	ItemCount       int        `json:"item_count"`
	FailureCount    int        `json:"failure_count"`
}

type versionView struct {
	ID                      int64     `json:"id"`
	Tag                     string    `json:"tag"`
	ConfigHash              string    `json:"config_hash"`
	LLMModel                string    `json:"llm_model"`
	ASRModel                string    `json:"asr_model"`
	ASRThreshold            float64   `json:"asr_threshold"`
	SpeakerModel            string    `json:"speaker_model"`
	SpeakerSelfThreshold    float64   `json:"speaker_self_threshold"`
	SpeakerUnknownThreshold float64   `json:"speaker_unknown_threshold"`
	PromptName              string    `json:"prompt_name"`
	PromptHash              string    `json:"prompt_hash"`
	Aggregation             string    `json:"aggregation"`
	CreatedAt               time.Time `json:"created_at"`
}

type configChangeView struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	OldHash string    `json:"old_hash"`
	NewHash string    `json:"new_hash"`
	Summary string    `json:"summary"`
}

type learningView struct {
	ID           int64                   `json:"id"`
	Category     memory.LearningCategory `json:"category"`
	SessionID    int64                   `json:"session_id,omitempty"`
	EventID      int64                   `json:"event_id,omitempty"`
	ItemID       int64                   `json:"item_id,omitempty"`
	ArtifactPath string                  `json:"artifact_path,omitempty"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	Reviewed     bool                    `json:"reviewed"`
	CreatedAt    time.Time               `json:"created_at"`
}

type searchResultView struct {
	ItemID    int64    `json:"item_id"`
	SessionID int64    `json:"session_id"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	Distance  float64  `json:"distance"`
}

type statusView struct {
	Recording               bool         `json:"recording"`
	Stopping                bool         `json:"stopping,omitempty"`
	Session                 *sessionView `json:"session,omitempty"`
	Version                 string       `json:"version,omitempty"`
	Queue                   queueView    `json:"queue"`
	InFlightInterpretations int64        `json:"in_flight_interpretations"`
}

type queueView struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Rejected int64 `json:"rejected"`
}

type sessionDetailView struct {
	Session    sessionView               `json:"session"`
	Events     []eventView               `json:"events"`
	Segments   []segmentView             `json:"segments"`
	Memories   []itemView                `json:"memories"`
	Summary    map[memory.ItemStatus]int `json:"summary"`
	ReplayRuns []replayRunView           `json:"replay_runs"`
}

type replayView struct {
	Run      replayRunView `json:"run"`
	Items    []itemView    `json:"items"`
	Original []itemView    `json:"original"`
}

type metricsView struct {
	WindowSec int                 `json:"window_sec"`
	Samples   []sysmetrics.Sample `json:"samples"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewSession(s memory.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		VersionID: s.VersionID,
		StartedAt: s.StartedAt,
		EndedAt:   optTime(s.EndedAt),
		Status:    s.Status,
		Notes:     s.Notes,
	}
}

func viewStatus(st session.Status) statusView {
	v := statusView{
		Recording:               st.Recording,
		Stopping:                st.Stopping,
		Version:                 st.Version,
		Queue:                   viewQueue(st.Queue),
		InFlightInterpretations: st.InFlightInterpretations,
	}
	if st.Session != nil {
		sv := viewSession(*st.Session)
		v.Session = &sv
	}
	return v
}

func viewQueue(q audio.QueueStats) queueView {
	return queueView{Depth: q.Depth, Capacity: q.Capacity, Accepted: q.Accepted, Dropped: q.Dropped, Rejected: q.Rejected}
}

func viewEvent(e memory.RawEvent) eventView {
	return eventView{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
		Intent:    e.Intent,
		SegmentID: e.SegmentID,
	}
}

func viewSegment(s memory.AudioSegment) segmentView {
	return segmentView{
		ID:         s.ID,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		DurationMS: s.Duration.Milliseconds(),
		Path:       s.Path,
		SampleRate: s.SampleRate,
	}
}

func viewItem(m memory.MemoryItem) itemView {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return itemView{
		ID:              m.ID,
		SessionID:       m.SessionID,
		SourceEventID:   m.SourceEventID,
		VersionID:       m.VersionID,
		Action:          m.Action,
		Text:            m.Text,
		Tags:            tags,
		Importance:      m.Importance,
		PredictedIntent: m.PredictedIntent,
		Confidences:     m.Confidences,
		Quality:         m.Quality,
		Status:          m.Status,
		Reason:          m.Reason,
		Note:            m.Note,
		DecidedAt:       optTime(m.DecidedAt),
		ReplayRunID:     m.ReplayRunID,
		CreatedAt:       m.CreatedAt,
	}
}

func viewReplayRun(r memory.ReplayRun) replayRunView {
	return replayRunView{
		ID:              r.ID,
		SessionID:       r.SessionID,
		VersionID:       r.VersionID,
		SourceVersionID: r.SourceVersionID,
		StartedAt:       r.StartedAt,
		FinishedAt:      optTime(r.FinishedAt),
		EventCount:      r.EventCount,
		ItemCount:       r.ItemCount,
		FailureCount:    r.FailureCount,
	}
}

func viewVersion(v memory.ModelVersion) versionView {
	return versionView{
		ID:                      v.ID,
		Tag:                     v.Tag,
		ConfigHash:              v.ConfigHash,
		LLMModel:                v.LLMModel,
		ASRModel:                v.ASRModel,
		ASRThreshold:            v.ASRThreshold,
		SpeakerModel:            v.SpeakerModel,
		SpeakerSelfThreshold:    v.SpeakerSelfThreshold,
		SpeakerUnknownThreshold: v.SpeakerUnknownThreshold,
		PromptName:              v.PromptName,
		PromptHash:              v.PromptHash,
		Aggregation:             v.Aggregation,
		CreatedAt:               v.CreatedAt,
	}
}

func viewConfigChange(c memory.ConfigChange) configChangeView {
	return configChangeView{ID: c.ID, At: c.At, Actor: c.Actor, OldHash: c.OldHash, NewHash: c.NewHash, Summary: c.Summary}
}

func viewLearning(e memory.LearningEvent) learningView {
	return learningView{
		ID:           e.ID,
		Category:     e.Category,
		SessionID:    e.SessionID,
		EventID:      e.EventID,
		ItemID:       e.ItemID,
		ArtifactPath: e.ArtifactPath,
		Metadata:     e.Metadata,
		Reviewed:     e.Reviewed,
		CreatedAt:    e.CreatedAt,
	}
}

// mapSlice converts every element of in, never returning nil.
func mapSlice[T, V any](in []T, f func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
