// Package control serves the JSON control surface: recording, review and
// approval of proposed memories, replay, versions, learning events and
// recent system metrics.
//
// Errors map to status codes as follows: unknown resources are 404, a
// conflicting state (already recording, invalid transition, concurrent
// decision) is 409, malformed input is 400 and everything else is 500.
// Error bodies are {"error": "..."}.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/replay"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/sysmetrics"
	"github.com/MrWong99/earmark/internal/versions"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/embeddings"
)

const (
	defaultMetricsWindow = 300 * time.Second
	defaultSearchK       = 5
	maxBodyBytes         = 1 << 20
)

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("bad request")

// Recorder starts and stops recording sessions.
type Recorder interface {
	Start(ctx context.Context, notes string) (memory.Session, error)
	Stop(ctx context.Context) (memory.Session, error)
	Status(ctx context.Context) (session.Status, error)
	AppendLocation(ctx context.Context, loc memory.LocationPayload) (memory.RawEvent, error)
}

// Approvals decides on proposed memories.
type Approvals interface {
	Approve(ctx context.Context, itemID int64) (memory.MemoryItem, error)
	Reject(ctx context.Context, itemID int64, reason string) (memory.MemoryItem, error)
	Flag(ctx context.Context, itemID int64, note string) (memory.MemoryItem, error)
	Revert(ctx context.Context, itemID int64) (memory.MemoryItem, error)
	RejectSession(ctx context.Context, sessionID int64, reason string) (memory.SessionStatus, error)
}

// Replayer re-interprets past sessions.
type Replayer interface {
	Run(ctx context.Context, sessionID int64, target string) (replay.Result, error)
}

// MetricsSource returns recent system metric samples.
type MetricsSource interface {
	Recent(ctx context.Context, window time.Duration) ([]sysmetrics.Sample, error)
}

// Deps are the collaborators of a [Server]. Index, Embedder and Metrics are
// optional; their endpoints answer 503 when unset.
type Deps struct {
	Recorder  Recorder
	Store     memory.Store
	Approvals Approvals
	Replay    Replayer
	Index     memory.SemanticIndex
	Embedder  embeddings.Provider
	Metrics   MetricsSource
}

// Server implements the control routes.
type Server struct {
	deps Deps
}

// New returns a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Register adds every control route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/sessions/start", s.startSession)
	mux.HandleFunc("POST /api/sessions/stop", s.stopSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.sessionDetail)
	mux.HandleFunc("POST /api/sessions/{id}/reject", s.rejectSession)
	mux.HandleFunc("POST /api/sessions/{id}/replay", s.replaySession)
	mux.HandleFunc("GET /api/replays/{run}/items", s.replayItems)

	mux.HandleFunc("POST /api/memories/{id}/approve", s.approve)
	mux.HandleFunc("POST /api/memories/{id}/reject", s.reject)
	mux.HandleFunc("POST /api/memories/{id}/flag", s.flag)
	mux.HandleFunc("POST /api/memories/{id}/revert", s.revert)
	mux.HandleFunc("GET /api/memories/search", s.search)

	mux.HandleFunc("POST /api/location", s.location)

	mux.HandleFunc("GET /api/versions", s.listVersions)
	mux.HandleFunc("GET /api/config/changes", s.listConfigChanges)

	mux.HandleFunc("GET /api/learning", s.listLearning)
	mux.HandleFunc("POST /api/learning/{id}/reviewed", s.markReviewed)

	mux.HandleFunc("GET /api/metrics/recent", s.recentMetrics)
}

// ─── Recording ───────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Recorder.Status(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewStatus(st))
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Recorder.Start(r.Context(), body.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(sess))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Recorder.Stop(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(sess))
}

func (s *Server) location(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Latitude  *float64 `json:"lat"`
		Longitude *float64 `json:"lon"`
		AccuracyM float64  `json:"accuracy_m"`
		Label     string   `json:"label"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		writeError(w, r, fmt.Errorf("%w: lat and lon are required", errBadRequest))
		return
	}
	ev, err := s.deps.Recorder.AppendLocation(r.Context(), memory.LocationPayload{
		Latitude:  *body.Latitude,
		Longitude: *body.Longitude,
		AccuracyM: body.AccuracyM,
		Label:     body.Label,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewEvent(ev))
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := memory.SessionStatus(r.URL.Query().Get("status"))
	sessions, err := s.deps.Store.ListSessions(r.Context(), memory.SessionFilter{Status: status, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(sessions, viewSession))
}

func (s *Server) sessionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	sess, err := s.deps.Store.GetSession(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.deps.Store.ListEvents(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	segments, err := s.deps.Store.ListSegments(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.deps.Store.ListItems(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	runs, err := s.deps.Store.ListReplayRuns(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetailView{
		Session:    viewSession(sess),
		Events:     mapSlice(events, viewEvent),
		Segments:   mapSlice(segments, viewSegment),
		Memories:   mapSlice(items, viewItem),
		Summary:    approval.Summary(items),
		ReplayRuns: mapSlice(runs, viewReplayRun),
	})
}

func (s *Server) rejectSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	reason, err := requiredReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.deps.Approvals.RejectSession(r.Context(), id, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func (s *Server) replaySession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Version) == "" {
		writeError(w, r, fmt.Errorf("%w: version is required", errBadRequest))
		return
	}
	res, err := s.deps.Replay.Run(r.Context(), id, body.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, replayView{
		Run:      viewReplayRun(res.Run),
		Items:    mapSlice(res.Items, viewItem),
		Original: mapSlice(res.Original, viewItem),
	})
}

func (s *Server) replayItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListReplayItems(r.Context(), r.PathValue("run"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(items, viewItem))
}

// ─── Memories ────────────────────────────────────────────────────────────────

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(ctx context.Context, id int64) (memory.MemoryItem, error) {
		return s.deps.Approvals.Approve(ctx, id)
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	reason, err := requiredReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.decide(w, r, func(ctx context.Context, id int64) (memory.MemoryItem, error) {
		return s.deps.Approvals.Reject(ctx, id, reason)
	})
}

func (s *Server) flag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.decide(w, r, func(ctx context.Context, id int64) (memory.MemoryItem, error) {
		return s.deps.Approvals.Flag(ctx, id, body.Note)
	})
}

func (s *Server) revert(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(ctx context.Context, id int64) (memory.MemoryItem, error) {
		return s.deps.Approvals.Revert(ctx, id)
	})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (memory.MemoryItem, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewItem(item))
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil || s.deps.Embedder == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "semantic search not configured"})
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, fmt.Errorf("%w: q is required", errBadRequest))
		return
	}
	k, err := queryInt(r, "k", defaultSearchK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vec, err := s.deps.Embedder.Embed(r.Context(), q)
	if err != nil {
		writeError(w, r, fmt.Errorf("control: embed query: %w", err))
		return
	}
	results, err := s.deps.Index.Search(r.Context(), vec, k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(results, func(m memory.MemoryResult) searchResultView {
		return searchResultView{ItemID: m.ItemID, SessionID: m.SessionID, Text: m.Text, Tags: m.Tags, Distance: m.Distance}
	}))
}

// ─── Versions & learning ─────────────────────────────────────────────────────

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := s.deps.Store.ListVersions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(vs, viewVersion))
}

func (s *Server) listConfigChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	changes, err := s.deps.Store.ListConfigChanges(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(changes, viewConfigChange))
}

func (s *Server) listLearning(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := queryInt(r, "session_id", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.deps.Store.ListLearningEvents(r.Context(), memory.LearningFilter{
		Category:       memory.LearningCategory(q.Get("category")),
		SessionID:      int64(sessionID),
		UnreviewedOnly: q.Get("unreviewed") == "true",
		Limit:          limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(events, viewLearning))
}

func (s *Server) markReviewed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.MarkReviewed(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "system metrics not configured"})
		return
	}
	sec, err := queryInt(r, "window_sec", int(defaultMetricsWindow/time.Second))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sec <= 0 {
		writeError(w, r, fmt.Errorf("%w: window_sec must be positive", errBadRequest))
		return
	}
	samples, err := s.deps.Metrics.Recent(r.Context(), time.Duration(sec)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []sysmetrics.Sample{}
	}
	writeJSON(w, http.StatusOK, metricsView{WindowSec: sec, Samples: samples})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, r.PathValue(name))
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return n, nil
}

func requiredReason(r *http.Request) (string, error) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		return "", err
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		return "", fmt.Errorf("%w: reason is required", errBadRequest)
	}
	return reason, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := decode(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, approval.ErrReplayItem),
		errors.Is(err, session.ErrInvalidLocation):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, replay.ErrSessionNotFound),
		errors.Is(err, versions.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, approval.ErrInvalidTransition),
		errors.Is(err, approval.ErrConflict),
		errors.Is(err, memory.ErrConflict),
		errors.Is(err, replay.ErrSessionActive),
		errors.Is(err, interpret.ErrUnknownPrompt):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("control: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
