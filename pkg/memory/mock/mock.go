// Package mock provides an in-memory implementation of every memory contract
// for use in tests.
//
// Store keeps real state (so a test can create a session, append events,
// insert items and read them back), records each method call, and supports
// error injection per method:
//
//	store := mock.NewStore()
//	store.FailOn("AppendEvent", errors.New("disk full"))
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendEvent"); got != 1 {
//	    t.Errorf("AppendEvent calls = %d, want 1", got)
//	}
//
// All methods are safe for concurrent use.
package mock

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/earmark/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is an in-memory [memory.Store], [memory.ApprovalWriter] and
// [memory.SemanticIndex].
type Store struct {
	mu    sync.Mutex
	calls []Call
	errs  map[string]error

	// Now supplies timestamps for created rows. Defaults to time.Now.
	Now func() time.Time

	nextID   int64
	sessions map[int64]memory.Session
	events   map[int64]memory.RawEvent
	segments map[int64]memory.AudioSegment
	versions map[int64]memory.ModelVersion
	changes  []memory.ConfigChange
	items    map[int64]memory.MemoryItem
	runs     map[string]memory.ReplayRun
	learning map[int64]memory.LearningEvent
	index    map[int64]indexed
}

type indexed struct {
	item memory.MemoryItem
	vec  []float32
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		errs:     make(map[string]error),
		sessions: make(map[int64]memory.Session),
		events:   make(map[int64]memory.RawEvent),
		segments: make(map[int64]memory.AudioSegment),
		versions: make(map[int64]memory.ModelVersion),
		items:    make(map[int64]memory.MemoryItem),
		runs:     make(map[string]memory.ReplayRun),
		learning: make(map[int64]memory.LearningEvent),
		index:    make(map[int64]indexed),
	}
}

// FailOn makes every subsequent call of method return err. A nil err clears
// the injection.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

// Calls returns a copy of all recorded method invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without touching stored state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// record must be called with mu held.
func (s *Store) record(method string, args ...any) error {
	s.calls = append(s.calls, Call{Method: method, Args: args})
	return s.errs[method]
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(_ context.Context, versionID int64, notes string) (memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateSession", versionID, notes); err != nil {
		return memory.Session{}, err
	}
	if _, ok := s.versions[versionID]; !ok {
		return memory.Session{}, memory.ErrNotFound
	}
	sess := memory.Session{
		ID:        s.id(),
		VersionID: versionID,
		StartedAt: s.now(),
		Status:    memory.SessionActive,
		Notes:     notes,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(_ context.Context, id int64) (memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetSession", id); err != nil {
		return memory.Session{}, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return memory.Session{}, memory.ErrNotFound
	}
	return sess, nil
}

// ListSessions implements [memory.SessionStore].
func (s *Store) ListSessions(_ context.Context, filter memory.SessionFilter) ([]memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListSessions", filter); err != nil {
		return nil, err
	}
	out := []memory.Session{}
	for _, sess := range s.sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetSessionStatus implements [memory.SessionStore].
func (s *Store) SetSessionStatus(_ context.Context, id int64, status memory.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetSessionStatus", id, status); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return memory.ErrNotFound
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

// EndSession implements [memory.SessionStore].
func (s *Store) EndSession(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("EndSession", id, at); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return memory.ErrNotFound
	}
	if sess.EndedAt.IsZero() {
		sess.EndedAt = at
		s.sessions[id] = sess
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// EventStore
// ─────────────────────────────────────────────────────────────────────────────

// AppendEvent implements [memory.EventStore].
func (s *Store) AppendEvent(_ context.Context, ev memory.RawEvent, seg *memory.AudioSegment) (memory.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("AppendEvent", ev, seg); err != nil {
		return memory.RawEvent{}, err
	}
	if _, ok := s.sessions[ev.SessionID]; !ok {
		return memory.RawEvent{}, memory.ErrNotFound
	}
	if _, _, err := memory.EncodePayload(ev.Payload); err != nil {
		return memory.RawEvent{}, err
	}
	if seg != nil {
		stored := *seg
		stored.ID = s.id()
		stored.SessionID = ev.SessionID
		s.segments[stored.ID] = stored
		ev.SegmentID = stored.ID
	}
	ev.ID = s.id()
	ev.Type = ev.Payload.EventType()
	s.events[ev.ID] = ev
	return ev, nil
}

// GetEvent implements [memory.EventStore].
func (s *Store) GetEvent(_ context.Context, id int64) (memory.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetEvent", id); err != nil {
		return memory.RawEvent{}, err
	}
	ev, ok := s.events[id]
	if !ok {
		return memory.RawEvent{}, memory.ErrNotFound
	}
	return ev, nil
}

// ListEvents implements [memory.EventStore].
func (s *Store) ListEvents(_ context.Context, sessionID int64) ([]memory.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListEvents", sessionID); err != nil {
		return nil, err
	}
	out := []memory.RawEvent{}
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ListSegments implements [memory.EventStore].
func (s *Store) ListSegments(_ context.Context, sessionID int64) ([]memory.AudioSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListSegments", sessionID); err != nil {
		return nil, err
	}
	out := []memory.AudioSegment{}
	for _, seg := range s.segments {
		if seg.SessionID == sessionID {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// VersionStore
// ─────────────────────────────────────────────────────────────────────────────

// RegisterVersion implements [memory.VersionStore].
func (s *Store) RegisterVersion(_ context.Context, v memory.ModelVersion) (memory.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RegisterVersion", v); err != nil {
		return memory.ModelVersion{}, err
	}
	for _, existing := range s.versions {
		if existing.ConfigHash == v.ConfigHash {
			return existing, nil
		}
	}
	v.ID = s.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	s.versions[v.ID] = v
	return v, nil
}

// GetVersion implements [memory.VersionStore].
func (s *Store) GetVersion(_ context.Context, id int64) (memory.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetVersion", id); err != nil {
		return memory.ModelVersion{}, err
	}
	v, ok := s.versions[id]
	if !ok {
		return memory.ModelVersion{}, memory.ErrNotFound
	}
	return v, nil
}

// GetVersionByTag implements [memory.VersionStore].
func (s *Store) GetVersionByTag(_ context.Context, tag string) (memory.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetVersionByTag", tag); err != nil {
		return memory.ModelVersion{}, err
	}
	for _, v := range s.versions {
		if v.Tag == tag {
			return v, nil
		}
	}
	return memory.ModelVersion{}, memory.ErrNotFound
}

// ListVersions implements [memory.VersionStore].
func (s *Store) ListVersions(_ context.Context) ([]memory.ModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListVersions"); err != nil {
		return nil, err
	}
	out := make([]memory.ModelVersion, 0, len(s.versions))
	for _, v := range s.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// LogConfigChange implements [memory.VersionStore].
func (s *Store) LogConfigChange(_ context.Context, c memory.ConfigChange) (memory.ConfigChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("LogConfigChange", c); err != nil {
		return memory.ConfigChange{}, err
	}
	c.ID = s.id()
	if c.At.IsZero() {
		c.At = s.now()
	}
	s.changes = append(s.changes, c)
	return c, nil
}

// ListConfigChanges implements [memory.VersionStore].
func (s *Store) ListConfigChanges(_ context.Context, limit int) ([]memory.ConfigChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListConfigChanges", limit); err != nil {
		return nil, err
	}
	out := slices.Clone(s.changes)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []memory.ConfigChange{}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ItemStore + ApprovalWriter
// ─────────────────────────────────────────────────────────────────────────────

// InsertItems implements [memory.ItemStore]. Like the database, it rejects the
// whole batch if any item references an event of another session.
func (s *Store) InsertItems(_ context.Context, items []memory.MemoryItem) ([]memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("InsertItems", items); err != nil {
		return nil, err
	}
	return s.insertItemsLocked(items, "")
}

func (s *Store) insertItemsLocked(items []memory.MemoryItem, runID string) ([]memory.MemoryItem, error) {
	for _, it := range items {
		ev, ok := s.events[it.SourceEventID]
		if !ok {
			return nil, memory.ErrNotFound
		}
		if ev.SessionID != it.SessionID {
			return nil, memory.ErrSessionMismatch
		}
	}
	out := make([]memory.MemoryItem, len(items))
	for i, it := range items {
		it.ID = s.id()
		it.ReplayRunID = runID
		if it.Status == "" {
			it.Status = memory.ItemPending
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = s.now()
		}
		s.items[it.ID] = it
		out[i] = it
	}
	return out, nil
}

// GetItem implements [memory.ItemStore].
func (s *Store) GetItem(_ context.Context, id int64) (memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetItem", id); err != nil {
		return memory.MemoryItem{}, err
	}
	it, ok := s.items[id]
	if !ok {
		return memory.MemoryItem{}, memory.ErrNotFound
	}
	return it, nil
}

// ListItems implements [memory.ItemStore].
func (s *Store) ListItems(_ context.Context, sessionID int64) ([]memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListItems", sessionID); err != nil {
		return nil, err
	}
	return s.filterItems(func(it memory.MemoryItem) bool {
		return it.SessionID == sessionID && !it.IsReplay()
	}), nil
}

// ListReplayItems implements [memory.ItemStore].
func (s *Store) ListReplayItems(_ context.Context, runID string) ([]memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListReplayItems", runID); err != nil {
		return nil, err
	}
	return s.filterItems(func(it memory.MemoryItem) bool { return it.ReplayRunID == runID }), nil
}

func (s *Store) filterItems(keep func(memory.MemoryItem) bool) []memory.MemoryItem {
	out := []memory.MemoryItem{}
	for _, it := range s.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateReplayRun implements [memory.ItemStore].
func (s *Store) CreateReplayRun(_ context.Context, run memory.ReplayRun, items []memory.MemoryItem) (memory.ReplayRun, []memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateReplayRun", run, items); err != nil {
		return memory.ReplayRun{}, nil, err
	}
	if _, dup := s.runs[run.ID]; dup || run.ID == "" {
		return memory.ReplayRun{}, nil, memory.ErrConflict
	}
	stored, err := s.insertItemsLocked(items, run.ID)
	if err != nil {
		return memory.ReplayRun{}, nil, err
	}
	run.ItemCount = len(stored)
	s.runs[run.ID] = run
	return run, stored, nil
}

// ListReplayRuns implements [memory.ItemStore].
func (s *Store) ListReplayRuns(_ context.Context, sessionID int64) ([]memory.ReplayRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListReplayRuns", sessionID); err != nil {
		return nil, err
	}
	out := []memory.ReplayRun{}
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// UpdateItemApproval implements [memory.ApprovalWriter].
func (s *Store) UpdateItemApproval(_ context.Context, u memory.ApprovalUpdate) (memory.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpdateItemApproval", u); err != nil {
		return memory.MemoryItem{}, err
	}
	it, ok := s.items[u.ItemID]
	if !ok {
		return memory.MemoryItem{}, memory.ErrNotFound
	}
	if it.Status != u.From {
		return memory.MemoryItem{}, memory.ErrConflict
	}
	it.Status = u.To
	it.Reason = u.Reason
	it.Note = u.Note
	it.DecidedAt = u.DecidedAt
	s.items[it.ID] = it
	return it, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// LearningStore
// ─────────────────────────────────────────────────────────────────────────────

// LogLearningEvent implements [memory.LearningStore].
func (s *Store) LogLearningEvent(_ context.Context, e memory.LearningEvent) (memory.LearningEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("LogLearningEvent", e); err != nil {
		return memory.LearningEvent{}, err
	}
	e.ID = s.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.learning[e.ID] = e
	return e, nil
}

// ListLearningEvents implements [memory.LearningStore].
func (s *Store) ListLearningEvents(_ context.Context, f memory.LearningFilter) ([]memory.LearningEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListLearningEvents", f); err != nil {
		return nil, err
	}
	out := []memory.LearningEvent{}
	for _, e := range s.learning {
		switch {
		case f.Category != "" && e.Category != f.Category:
		case f.SessionID != 0 && e.SessionID != f.SessionID:
		case f.UnreviewedOnly && e.Reviewed:
		default:
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// MarkReviewed implements [memory.LearningStore].
func (s *Store) MarkReviewed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("MarkReviewed", id); err != nil {
		return err
	}
	e, ok := s.learning[id]
	if !ok {
		return memory.ErrNotFound
	}
	e.Reviewed = true
	s.learning[id] = e
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex
// ─────────────────────────────────────────────────────────────────────────────

// IndexMemory implements [memory.SemanticIndex].
func (s *Store) IndexMemory(_ context.Context, item memory.MemoryItem, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("IndexMemory", item.ID, embedding); err != nil {
		return err
	}
	s.index[item.ID] = indexed{item: item, vec: slices.Clone(embedding)}
	return nil
}

// RemoveMemory implements [memory.SemanticIndex].
func (s *Store) RemoveMemory(_ context.Context, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RemoveMemory", itemID); err != nil {
		return err
	}
	delete(s.index, itemID)
	return nil
}

// Search implements [memory.SemanticIndex] with exact cosine distance.
func (s *Store) Search(_ context.Context, embedding []float32, topK int) ([]memory.MemoryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Search", embedding, topK); err != nil {
		return nil, err
	}
	out := []memory.MemoryResult{}
	for _, e := range s.index {
		out = append(out, memory.MemoryResult{
			ItemID:    e.item.ID,
			SessionID: e.item.SessionID,
			Text:      e.item.Text,
			Tags:      e.item.Tags,
			Distance:  cosineDistance(embedding, e.vec),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Indexed reports whether itemID currently has an index entry.
func (s *Store) Indexed(itemID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[itemID]
	return ok
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Compile-time interface checks.
var (
	_ memory.Store          = (*Store)(nil)
	_ memory.ApprovalWriter = (*Store)(nil)
	_ memory.SemanticIndex  = (*Store)(nil)
)
