// Package approval is the state machine that gates every memory item behind
// an explicit user decision and derives each session's aggregate status from
// its items.
//
// Item transitions:
//
//	pending  -> approved | rejected | flagged
//	flagged  -> approved | rejected | pending (Revert)
//	approved -> pending  (Revert)
//	rejected -> pending  (Revert)
//
// Session transitions:
//
//	active -> pending_review (Finalize) | failed (Fail)
//	pending_review | partially_approved | fully_approved are recomputed from
//	item statuses after every mutation.
//	pending_review | partially_approved -> rejected (RejectSession, only while
//	no item is approved)
//
// rejected and failed are terminal: Recompute never leaves them.
//
// The Machine is the only holder of [memory.ApprovalWriter]; item approval
// fields change nowhere else.
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/embeddings"
)

var (
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow. Nothing is mutated.
	ErrInvalidTransition = errors.New("approval: invalid transition")

	// ErrNotFound is returned for an unknown item or session.
	ErrNotFound = errors.New("approval: not found")

	// ErrReasonRequired is returned when a rejection carries no reason.
	ErrReasonRequired = errors.New("approval: rejection reason required")

	// ErrReplayItem is returned when a decision targets an item produced by
	// a replay run. Replay output is for comparison only.
	ErrReplayItem = errors.New("approval: replay items cannot be decided")

	// ErrConflict is returned when the item changed concurrently.
	ErrConflict = errors.New("approval: item changed concurrently")
)

// Aggregate derives a session status from its item statuses. Flagged items
// count as undecided.
//
//   - no items, only undecided items, or only rejected items: pending_review
//   - only approved items: fully_approved
//   - anything else: partially_approved
func Aggregate(statuses []memory.ItemStatus) memory.SessionStatus {
	var approved, rejected, undecided int
	for _, s := range statuses {
		switch s {
		case memory.ItemApproved:
			approved++
		case memory.ItemRejected:
			rejected++
		case memory.ItemPending, memory.ItemFlagged:
			undecided++
		}
	}
	total := approved + rejected + undecided
	switch {
	case total == 0, undecided == total, rejected == total:
		return memory.SessionPendingReview
	case approved == total:
		return memory.SessionFullyApproved
	default:
		return memory.SessionPartiallyApproved
	}
}

// Summary counts items per status.
func Summary(items []memory.MemoryItem) map[memory.ItemStatus]int {
	out := map[memory.ItemStatus]int{
		memory.ItemPending:  0,
		memory.ItemApproved: 0,
		memory.ItemRejected: 0,
		memory.ItemFlagged:  0,
	}
	for _, it := range items {
		out[it.Status]++
	}
	return out
}

// allowed lists the legal item transitions per operation.
var allowed = map[memory.ItemStatus][]memory.ItemStatus{
	memory.ItemApproved: {memory.ItemPending, memory.ItemFlagged},
	memory.ItemRejected: {memory.ItemPending, memory.ItemFlagged},
	memory.ItemFlagged:  {memory.ItemPending},
}

// revertable lists the statuses Revert moves back to pending.
var revertable = []memory.ItemStatus{memory.ItemApproved, memory.ItemRejected, memory.ItemFlagged}

// Machine applies decisions. It is safe for concurrent use.
type Machine struct {
	sessions memory.SessionStore
	items    memory.ItemStore
	writer   memory.ApprovalWriter
	learning *feedback.Recorder

	index    memory.SemanticIndex
	embedder embeddings.Provider
	metrics  *observe.Metrics
	now      func() time.Time

	// statusMu serialises session status writes so concurrent recomputes
	// cannot interleave a stale read with a newer write.
	statusMu sync.Mutex
}

// Option configures a [Machine].
type Option func(*Machine)

// WithIndex embeds approved items with embedder and stores them in index.
func WithIndex(index memory.SemanticIndex, embedder embeddings.Provider) Option {
	return func(m *Machine) {
		m.index = index
		m.embedder = embedder
	}
}

// WithMetrics counts transitions.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the decision timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a Machine. learning receives user rejections.
func New(sessions memory.SessionStore, items memory.ItemStore, writer memory.ApprovalWriter, learning *feedback.Recorder, opts ...Option) *Machine {
	m := &Machine{
		sessions: sessions,
		items:    items,
		writer:   writer,
		learning: learning,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ─────────────────────────────────────────────────────────────────────────────
// Item decisions
// ─────────────────────────────────────────────────────────────────────────────

// Approve marks a pending or flagged item approved and indexes it.
func (m *Machine) Approve(ctx context.Context, itemID int64) (memory.MemoryItem, error) {
	it, err := m.transition(ctx, itemID, memory.ItemApproved, "", "")
	if err != nil {
		return memory.MemoryItem{}, err
	}
	m.indexItem(ctx, it)
	return it, m.afterMutation(ctx, it)
}

// Reject marks a pending or flagged item rejected and records the reason as
// a user_rejected_memory learning event.
func (m *Machine) Reject(ctx context.Context, itemID int64, reason string) (memory.MemoryItem, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return memory.MemoryItem{}, ErrReasonRequired
	}
	cur, err := m.load(ctx, itemID)
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if !slices.Contains(allowed[memory.ItemRejected], cur.Status) {
		return memory.MemoryItem{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, memory.ItemRejected)
	}
	it, err := m.reject(ctx, cur, reason)
	if err != nil {
		return memory.MemoryItem{}, err
	}
	return it, m.afterMutation(ctx, it)
}

// reject moves cur to rejected and logs the learning event. When the event
// cannot be stored the item is put back to its previous state so that every
// rejected item has exactly one event.
func (m *Machine) reject(ctx context.Context, cur memory.MemoryItem, reason string) (memory.MemoryItem, error) {
	it, err := m.write(ctx, cur, memory.ItemRejected, reason, "")
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if _, err := m.learning.Rejected(ctx, it, reason); err != nil {
		err = fmt.Errorf("approval: record rejection of item %d: %w", it.ID, err)
		if _, uerr := m.writer.UpdateItemApproval(ctx, memory.ApprovalUpdate{
			ItemID:    cur.ID,
			From:      memory.ItemRejected,
			To:        cur.Status,
			Reason:    cur.Reason,
			Note:      cur.Note,
			DecidedAt: cur.DecidedAt,
		}); uerr != nil {
			observe.Logger(ctx).Error("approval: undo rejection failed", "item_id", cur.ID, "err", uerr)
			return memory.MemoryItem{}, errors.Join(err, fmt.Errorf("approval: undo rejection of item %d: %w", cur.ID, uerr))
		}
		return memory.MemoryItem{}, err
	}
	return it, nil
}

// Flag marks a pending item for later attention with an optional note.
func (m *Machine) Flag(ctx context.Context, itemID int64, note string) (memory.MemoryItem, error) {
	it, err := m.transition(ctx, itemID, memory.ItemFlagged, "", strings.TrimSpace(note))
	if err != nil {
		return memory.MemoryItem{}, err
	}
	return it, m.afterMutation(ctx, it)
}

// Revert takes an approved, rejected or flagged item back to pending. An
// approved item is removed from the semantic index.
func (m *Machine) Revert(ctx context.Context, itemID int64) (memory.MemoryItem, error) {
	cur, err := m.load(ctx, itemID)
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if !slices.Contains(revertable, cur.Status) {
		return memory.MemoryItem{}, fmt.Errorf("%w: revert from %s", ErrInvalidTransition, cur.Status)
	}
	it, err := m.write(ctx, cur, memory.ItemPending, "", "")
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if cur.Status == memory.ItemApproved && m.index != nil {
		if err := m.index.RemoveMemory(ctx, it.ID); err != nil {
			observe.Logger(ctx).Warn("approval: remove from index failed", "item_id", it.ID, "err", err)
		}
	}
	return it, m.afterMutation(ctx, it)
}

func (m *Machine) transition(ctx context.Context, itemID int64, to memory.ItemStatus, reason, note string) (memory.MemoryItem, error) {
	cur, err := m.load(ctx, itemID)
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if !slices.Contains(allowed[to], cur.Status) {
		return memory.MemoryItem{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return m.write(ctx, cur, to, reason, note)
}

func (m *Machine) load(ctx context.Context, itemID int64) (memory.MemoryItem, error) {
	it, err := m.items.GetItem(ctx, itemID)
	if errors.Is(err, memory.ErrNotFound) {
		return memory.MemoryItem{}, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
	}
	if err != nil {
		return memory.MemoryItem{}, fmt.Errorf("approval: load item %d: %w", itemID, err)
	}
	if it.IsReplay() {
		return memory.MemoryItem{}, fmt.Errorf("%w: item %d belongs to run %s", ErrReplayItem, it.ID, it.ReplayRunID)
	}
	sess, err := m.getSession(ctx, it.SessionID)
	if err != nil {
		return memory.MemoryItem{}, err
	}
	if sess.Status == memory.SessionRejected {
		return memory.MemoryItem{}, fmt.Errorf("%w: session %d was rejected", ErrInvalidTransition, sess.ID)
	}
	return it, nil
}

func (m *Machine) write(ctx context.Context, cur memory.MemoryItem, to memory.ItemStatus, reason, note string) (memory.MemoryItem, error) {
	it, err := m.writer.UpdateItemApproval(ctx, memory.ApprovalUpdate{
		ItemID:    cur.ID,
		From:      cur.Status,
		To:        to,
		Reason:    reason,
		Note:      note,
		DecidedAt: m.now(),
	})
	if errors.Is(err, memory.ErrConflict) {
		return memory.MemoryItem{}, fmt.Errorf("%w: item %d", ErrConflict, cur.ID)
	}
	if err != nil {
		return memory.MemoryItem{}, fmt.Errorf("approval: update item %d: %w", cur.ID, err)
	}
	if m.metrics != nil {
		m.metrics.RecordTransition(ctx, string(cur.Status), string(to))
	}
	observe.Logger(ctx).Info("memory item decided",
		"item_id", it.ID, "session_id", it.SessionID, "from", cur.Status, "to", to)
	return it, nil
}

func (m *Machine) indexItem(ctx context.Context, it memory.MemoryItem) {
	if m.index == nil || m.embedder == nil {
		return
	}
	start := time.Now()
	vec, err := m.embedder.Embed(ctx, it.Text)
	if m.metrics != nil {
		m.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil {
		err = m.index.IndexMemory(ctx, it, vec)
	}
	if err != nil {
		observe.Logger(ctx).Warn("approval: index approved memory failed", "item_id", it.ID, "err", err)
	}
}

func (m *Machine) afterMutation(ctx context.Context, it memory.MemoryItem) error {
	if _, err := m.Recompute(ctx, it.SessionID); err != nil {
		return fmt.Errorf("approval: recompute session %d: %w", it.SessionID, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session status
// ─────────────────────────────────────────────────────────────────────────────

// Recompute derives the session status from its items and stores it when it
// changed. Active and terminal sessions are returned unchanged.
func (m *Machine) Recompute(ctx context.Context, sessionID int64) (memory.SessionStatus, error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.recomputeLocked(ctx, sessionID)
}

func (m *Machine) recomputeLocked(ctx context.Context, sessionID int64) (memory.SessionStatus, error) {
	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status == memory.SessionActive || sess.Status.Terminal() {
		return sess.Status, nil
	}
	items, err := m.items.ListItems(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("approval: list items: %w", err)
	}
	statuses := make([]memory.ItemStatus, len(items))
	for i, it := range items {
		statuses[i] = it.Status
	}
	next := Aggregate(statuses)
	if next == sess.Status {
		return next, nil
	}
	if err := m.sessions.SetSessionStatus(ctx, sessionID, next); err != nil {
		return "", fmt.Errorf("approval: set session status: %w", err)
	}
	observe.Logger(ctx).Info("session status changed", "session_id", sessionID, "from", sess.Status, "to", next)
	return next, nil
}

// Finalize ends an active session, moves it to pending_review and applies
// the items proposed so far.
func (m *Machine) Finalize(ctx context.Context, sessionID int64) (memory.SessionStatus, error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != memory.SessionActive {
		return "", fmt.Errorf("%w: finalize session in %s", ErrInvalidTransition, sess.Status)
	}
	if err := m.sessions.EndSession(ctx, sessionID, m.now()); err != nil {
		return "", fmt.Errorf("approval: end session: %w", err)
	}
	if err := m.sessions.SetSessionStatus(ctx, sessionID, memory.SessionPendingReview); err != nil {
		return "", fmt.Errorf("approval: set session status: %w", err)
	}
	return m.recomputeLocked(ctx, sessionID)
}

// Fail marks a session failed after a fatal pipeline error. Terminal
// sessions are left alone.
func (m *Machine) Fail(ctx context.Context, sessionID int64, cause error) error {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if err := m.sessions.EndSession(ctx, sessionID, m.now()); err != nil {
		return fmt.Errorf("approval: end session: %w", err)
	}
	if err := m.sessions.SetSessionStatus(ctx, sessionID, memory.SessionFailed); err != nil {
		return fmt.Errorf("approval: set session status: %w", err)
	}
	observe.Logger(ctx).Error("session failed", "session_id", sessionID, "err", cause)
	return nil
}

// RejectSession rejects every undecided item with reason and marks the
// session rejected. It is refused while recording, once anything was
// approved, and for terminal sessions.
func (m *Machine) RejectSession(ctx context.Context, sessionID int64, reason string) (memory.SessionStatus, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", ErrReasonRequired
	}

	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	sess, err := m.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != memory.SessionPendingReview && sess.Status != memory.SessionPartiallyApproved {
		return "", fmt.Errorf("%w: reject session in %s", ErrInvalidTransition, sess.Status)
	}
	items, err := m.items.ListItems(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("approval: list items: %w", err)
	}
	for _, it := range items {
		if it.Status == memory.ItemApproved {
			return "", fmt.Errorf("%w: session %d has approved item %d", ErrInvalidTransition, sessionID, it.ID)
		}
	}

	for _, it := range items {
		if it.Status != memory.ItemPending && it.Status != memory.ItemFlagged {
			continue
		}
		if _, err := m.reject(ctx, it, reason); err != nil {
			return "", err
		}
	}
	if err := m.sessions.SetSessionStatus(ctx, sessionID, memory.SessionRejected); err != nil {
		return "", fmt.Errorf("approval: set session status: %w", err)
	}
	observe.Logger(ctx).Info("session rejected", "session_id", sessionID, "items", len(items))
	return memory.SessionRejected, nil
}

func (m *Machine) getSession(ctx context.Context, id int64) (memory.Session, error) {
	sess, err := m.sessions.GetSession(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return memory.Session{}, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	if err != nil {
		return memory.Session{}, fmt.Errorf("approval: load session %d: %w", id, err)
	}
	return sess, nil
}
