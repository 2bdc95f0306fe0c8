package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/feedback"
	"github.com/MrWong99/earmark/pkg/memory"
	memorymock "github.com/MrWong99/earmark/pkg/memory/mock"
	embmock "github.com/MrWong99/earmark/pkg/provider/embeddings/mock"
)

type fixture struct {
	store    *memorymock.Store
	embedder *embmock.Provider
	m        *approval.Machine
	session  memory.Session
	items    []memory.MemoryItem
}

// newFixture creates a finalized-ready session holding n pending items.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memorymock.NewStore()
	v, err := store.RegisterVersion(ctx, memory.ModelVersion{Tag: "v1", ConfigHash: "h1"})
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, v.ID, "")
	require.NoError(t, err)
	ev, err := store.AppendEvent(ctx, memory.RawEvent{
		SessionID: sess.ID,
		Timestamp: time.Now(),
		Payload:   memory.TranscriptPayload{Text: "buy milk and eggs", ASRConfidence: 0.9},
	}, nil)
	require.NoError(t, err)

	proposed := make([]memory.MemoryItem, n)
	for i := range proposed {
		proposed[i] = memory.MemoryItem{
			SessionID:     sess.ID,
			SourceEventID: ev.ID,
			VersionID:     v.ID,
			Action:        memory.ActionAddShoppingItem,
			Text:          []string{"milk", "eggs", "bread", "butter"}[i%4],
			Status:        memory.ItemPending,
		}
	}
	items, err := store.InsertItems(ctx, proposed)
	require.NoError(t, err)

	emb := &embmock.Provider{EmbedResult: []float32{1, 0, 0}}
	m := approval.New(store, store, store, feedback.NewRecorder(store, t.TempDir()),
		approval.WithIndex(store, emb))
	return &fixture{store: store, embedder: emb, m: m, session: sess, items: items}
}

func (f *fixture) status(t *testing.T) memory.SessionStatus {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	return s.Status
}

func (f *fixture) finalize(t *testing.T) {
	t.Helper()
	_, err := f.m.Finalize(context.Background(), f.session.ID)
	require.NoError(t, err)
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	p, a, r, fl := memory.ItemPending, memory.ItemApproved, memory.ItemRejected, memory.ItemFlagged
	tests := []struct {
		name string
		in   []memory.ItemStatus
		want memory.SessionStatus
	}{
		{"no items", nil, memory.SessionPendingReview},
		{"all pending", []memory.ItemStatus{p, p}, memory.SessionPendingReview},
		{"pending and flagged", []memory.ItemStatus{p, fl}, memory.SessionPendingReview},
		{"all rejected", []memory.ItemStatus{r, r}, memory.SessionPendingReview},
		{"all approved", []memory.ItemStatus{a, a, a}, memory.SessionFullyApproved},
		{"approved and pending", []memory.ItemStatus{a, a, p}, memory.SessionPartiallyApproved},
		{"approved and rejected", []memory.ItemStatus{a, r}, memory.SessionPartiallyApproved},
		{"rejected and pending", []memory.ItemStatus{r, p}, memory.SessionPartiallyApproved},
		{"approved and flagged", []memory.ItemStatus{a, fl}, memory.SessionPartiallyApproved},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, approval.Aggregate(tc.in), tc.name)
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	t.Parallel()
	a := []memory.ItemStatus{memory.ItemApproved, memory.ItemPending, memory.ItemRejected}
	b := []memory.ItemStatus{memory.ItemRejected, memory.ItemApproved, memory.ItemPending}
	assert.Equal(t, approval.Aggregate(a), approval.Aggregate(b))
}

func TestApprove_PartialThenFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	f.finalize(t)
	ctx := context.Background()
	assert.Equal(t, memory.SessionPendingReview, f.status(t))

	for _, it := range f.items[:2] {
		_, err := f.m.Approve(ctx, it.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, memory.SessionPartiallyApproved, f.status(t))

	got, err := f.m.Approve(ctx, f.items[2].ID)
	require.NoError(t, err)
	assert.Equal(t, memory.ItemApproved, got.Status)
	assert.False(t, got.DecidedAt.IsZero())
	assert.Equal(t, memory.SessionFullyApproved, f.status(t))

	for _, it := range f.items {
		assert.True(t, f.store.Indexed(it.ID), "item %d indexed", it.ID)
	}
}

func TestApprove_IndexFailureDoesNotFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.embedder.EmbedErr = errors.New("embedder down")

	got, err := f.m.Approve(context.Background(), f.items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, memory.ItemApproved, got.Status)
	assert.False(t, f.store.Indexed(got.ID))
}

func TestRecompute_IgnoredWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	_, err := f.m.Approve(context.Background(), f.items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, memory.SessionActive, f.status(t))

	f.finalize(t)
	assert.Equal(t, memory.SessionFullyApproved, f.status(t), "finalize applies decisions made while active")
}

func TestReject_RequiresReasonAndRecordsLearningEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.finalize(t)
	ctx := context.Background()

	_, err := f.m.Reject(ctx, f.items[0].ID, "   ")
	require.ErrorIs(t, err, approval.ErrReasonRequired)

	got, err := f.m.Reject(ctx, f.items[0].ID, "not mine")
	require.NoError(t, err)
	assert.Equal(t, memory.ItemRejected, got.Status)
	assert.Equal(t, "not mine", got.Reason)

	evs, err := f.store.ListLearningEvents(ctx, memory.LearningFilter{Category: memory.CategoryUserRejectedMemory})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, got.ID, evs[0].ItemID)
	assert.Equal(t, "not mine", evs[0].Metadata["reason"])

	assert.Equal(t, memory.SessionPartiallyApproved, f.status(t))
	_, err = f.m.Reject(ctx, f.items[1].ID, "wrong")
	require.NoError(t, err)
	assert.Equal(t, memory.SessionPendingReview, f.status(t))
}

func TestReject_LearningFailureLeavesItemUndecided(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.finalize(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	f.store.FailOn("LogLearningEvent", boom)
	_, err := f.m.Reject(ctx, f.items[0].ID, "not mine")
	require.ErrorIs(t, err, boom)

	it, err := f.store.GetItem(ctx, f.items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, memory.ItemPending, it.Status)
	assert.Empty(t, it.Reason)
	assert.Equal(t, memory.SessionPendingReview, f.status(t))

	f.store.FailOn("LogLearningEvent", nil)
	got, err := f.m.Reject(ctx, f.items[0].ID, "not mine")
	require.NoError(t, err)
	assert.Equal(t, memory.ItemRejected, got.Status)

	evs, err := f.store.ListLearningEvents(ctx, memory.LearningFilter{Category: memory.CategoryUserRejectedMemory})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, got.ID, evs[0].ItemID)
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.finalize(t)
	ctx := context.Background()
	id := f.items[0].ID

	_, err := f.m.Approve(ctx, id)
	require.NoError(t, err)

	_, err = f.m.Approve(ctx, id)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	_, err = f.m.Reject(ctx, id, "changed my mind")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition, "approved items need an explicit revert")
	_, err = f.m.Flag(ctx, id, "")
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	_, err = f.m.Revert(ctx, f.items[1].ID)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition, "pending items cannot be reverted")
}

func TestUnknownItem_NoMutation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.store.Reset()

	_, err := f.m.Approve(context.Background(), 9999)
	assert.ErrorIs(t, err, approval.ErrNotFound)
	_, err = f.m.Reject(context.Background(), 9999, "x")
	assert.ErrorIs(t, err, approval.ErrNotFound)
	assert.Zero(t, f.store.CallCount("UpdateItemApproval"))
	assert.Zero(t, f.store.CallCount("LogLearningEvent"))
}

func TestRevert_ApprovedRemovesFromIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.finalize(t)
	ctx := context.Background()
	id := f.items[0].ID

	_, err := f.m.Approve(ctx, id)
	require.NoError(t, err)
	require.True(t, f.store.Indexed(id))

	got, err := f.m.Revert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, memory.ItemPending, got.Status)
	assert.False(t, f.store.Indexed(id))
	assert.Equal(t, memory.SessionPendingReview, f.status(t))
}

func TestFlag_CountsAsUndecided(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.finalize(t)
	ctx := context.Background()

	got, err := f.m.Flag(ctx, f.items[0].ID, " check spelling ")
	require.NoError(t, err)
	assert.Equal(t, memory.ItemFlagged, got.Status)
	assert.Equal(t, "check spelling", got.Note)
	assert.Equal(t, memory.SessionPendingReview, f.status(t))

	_, err = f.m.Approve(ctx, f.items[0].ID)
	require.NoError(t, err, "flagged items can still be approved")
}

func TestReplayItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()
	src := f.items[0]
	src.ID = 0
	_, replayed, err := f.store.CreateReplayRun(ctx, memory.ReplayRun{ID: "run-1", SessionID: f.session.ID}, []memory.MemoryItem{src})
	require.NoError(t, err)

	_, err = f.m.Approve(ctx, replayed[0].ID)
	assert.ErrorIs(t, err, approval.ErrReplayItem)
}

func TestConcurrentDecisionLosesCAS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.store.FailOn("UpdateItemApproval", memory.ErrConflict)

	_, err := f.m.Approve(context.Background(), f.items[0].ID)
	assert.ErrorIs(t, err, approval.ErrConflict)
}

func TestRejectSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects undecided items", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 3)
		f.finalize(t)
		_, err := f.m.Reject(ctx, f.items[0].ID, "noise")
		require.NoError(t, err)

		st, err := f.m.RejectSession(ctx, f.session.ID, "whole session was a test")
		require.NoError(t, err)
		assert.Equal(t, memory.SessionRejected, st)
		assert.Equal(t, memory.SessionRejected, f.status(t))

		items, _ := f.store.ListItems(ctx, f.session.ID)
		for _, it := range items {
			assert.Equal(t, memory.ItemRejected, it.Status)
		}
		evs, _ := f.store.ListLearningEvents(ctx, memory.LearningFilter{Category: memory.CategoryUserRejectedMemory})
		assert.Len(t, evs, 3)

		st, err = f.m.Recompute(ctx, f.session.ID)
		require.NoError(t, err)
		assert.Equal(t, memory.SessionRejected, st, "rejected is terminal")

		_, err = f.m.Revert(ctx, f.items[0].ID)
		assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	})

	t.Run("learning failure keeps session reviewable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 2)
		f.finalize(t)
		f.store.FailOn("LogLearningEvent", errors.New("disk full"))

		_, err := f.m.RejectSession(ctx, f.session.ID, "test run")
		require.Error(t, err)
		assert.Equal(t, memory.SessionPendingReview, f.status(t))
		items, _ := f.store.ListItems(ctx, f.session.ID)
		for _, it := range items {
			assert.Equal(t, memory.ItemPending, it.Status)
		}

		f.store.FailOn("LogLearningEvent", nil)
		st, err := f.m.RejectSession(ctx, f.session.ID, "test run")
		require.NoError(t, err)
		assert.Equal(t, memory.SessionRejected, st)
		evs, _ := f.store.ListLearningEvents(ctx, memory.LearningFilter{Category: memory.CategoryUserRejectedMemory})
		assert.Len(t, evs, 2)
	})

	t.Run("refused once something is approved", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 2)
		f.finalize(t)
		_, err := f.m.Approve(ctx, f.items[0].ID)
		require.NoError(t, err)

		_, err = f.m.RejectSession(ctx, f.session.ID, "nope")
		assert.ErrorIs(t, err, approval.ErrInvalidTransition)
		assert.Equal(t, memory.SessionPartiallyApproved, f.status(t))
	})

	t.Run("refused while active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1)
		_, err := f.m.RejectSession(ctx, f.session.ID, "nope")
		assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	})

	t.Run("reason required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1)
		f.finalize(t)
		_, err := f.m.RejectSession(ctx, f.session.ID, "")
		assert.ErrorIs(t, err, approval.ErrReasonRequired)
	})
}

func TestFinalizeAndFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, 0)
	_, err := f.m.Finalize(ctx, f.session.ID)
	require.NoError(t, err)
	_, err = f.m.Finalize(ctx, f.session.ID)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)

	g := newFixture(t, 0)
	require.NoError(t, g.m.Fail(ctx, g.session.ID, errors.New("disk full")))
	assert.Equal(t, memory.SessionFailed, g.status(t))
	st, err := g.m.Recompute(ctx, g.session.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.SessionFailed, st)

	_, err = g.m.Finalize(ctx, 12345)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	got := approval.Summary([]memory.MemoryItem{
		{Status: memory.ItemApproved}, {Status: memory.ItemApproved}, {Status: memory.ItemPending},
	})
	assert.Equal(t, 2, got[memory.ItemApproved])
	assert.Equal(t, 1, got[memory.ItemPending])
	assert.Equal(t, 0, got[memory.ItemRejected])
}
