// Package replay re-runs interpretation over a finished session's events
// under a different model version.
//
// A replay never touches the original session: events are read, not
// written, and the produced items are stored in one batch together with a
// labelled replay_runs row. The original items stay exactly as they were,
// so both sets can be compared side by side.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earmark/internal/hotctx"
	"github.com/MrWong99/earmark/internal/interpret"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
)

var (
	// ErrSessionNotFound is returned for an unknown session.
	ErrSessionNotFound = errors.New("replay: session not found")

	// ErrSessionActive is returned for a session that is still recording.
	ErrSessionActive = errors.New("replay: session is still recording")
)

// VersionResolver looks up a model version by id or tag.
type VersionResolver interface {
	Resolve(ctx context.Context, idOrTag string) (memory.ModelVersion, error)
}

// Store is the subset of persistence replay needs.
type Store interface {
	GetSession(ctx context.Context, id int64) (memory.Session, error)
	ListEvents(ctx context.Context, sessionID int64) ([]memory.RawEvent, error)
	ListItems(ctx context.Context, sessionID int64) ([]memory.MemoryItem, error)
	CreateReplayRun(ctx context.Context, run memory.ReplayRun, items []memory.MemoryItem) (memory.ReplayRun, []memory.MemoryItem, error)
}

// Result is a finished replay next to the session's live items.
type Result struct {
	Run      memory.ReplayRun
	Items    []memory.MemoryItem
	Original []memory.MemoryItem
}

// Engine runs replays. It is safe for concurrent use.
type Engine struct {
	store       Store
	versions    VersionResolver
	orch        *interpret.Orchestrator
	hot         *hotctx.Assembler
	concurrency int
	now         func() time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConcurrency bounds parallel interpretations. Default: 2.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine. hot may be nil, in which case events are
// interpreted without surrounding context.
func New(store Store, versions VersionResolver, orch *interpret.Orchestrator, hot *hotctx.Assembler, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		versions:    versions,
		orch:        orch,
		hot:         hot,
		concurrency: 2,
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run replays sessionID under the version identified by target (id or tag).
// Everything that can fail on configuration (session, version, prompt,
// collaborator) is resolved before anything is written.
func (e *Engine) Run(ctx context.Context, sessionID int64, target string) (Result, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, memory.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("replay: load session: %w", err)
	}
	if sess.Status == memory.SessionActive {
		return Result{}, fmt.Errorf("%w: %d", ErrSessionActive, sessionID)
	}
	version, err := e.versions.Resolve(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if _, _, err := e.orch.Resolve(ctx, version); err != nil {
		return Result{}, err
	}

	events, err := e.store.ListEvents(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("replay: list events: %w", err)
	}

	run := memory.ReplayRun{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		VersionID:       version.ID,
		SourceVersionID: sess.VersionID,
		StartedAt:       e.now(),
		EventCount:      len(events),
	}
	log := observe.SessionLogger(ctx, sessionID).With("replay_run", run.ID, "version", version.Tag)
	log.Info("replay started", "events", len(events))

	outcomes := make([]interpret.Outcome, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, ev := range events {
		g.Go(func() error {
			in := interpret.Input{Event: ev, Version: version, Replay: true}
			if e.hot != nil {
				hc, err := e.hot.Assemble(gctx, ev)
				if err != nil {
					return fmt.Errorf("replay: context for event %d: %w", ev.ID, err)
				}
				in.Window, in.Related = hc.Lines(ev.Timestamp)
				in.Location = hc.Location
			}
			out, err := e.orch.Interpret(gctx, in)
			if err != nil {
				return fmt.Errorf("replay: interpret event %d: %w", ev.ID, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var items []memory.MemoryItem
	for _, out := range outcomes {
		if out.Failed {
			run.FailureCount++
		}
		items = append(items, out.Items...)
	}
	run.FinishedAt = e.now()

	run, stored, err := e.store.CreateReplayRun(ctx, run, items)
	if err != nil {
		return Result{}, fmt.Errorf("replay: store run: %w", err)
	}
	original, err := e.store.ListItems(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("replay: list original items: %w", err)
	}
	log.Info("replay finished", "items", len(stored), "failures", run.FailureCount)
	return Result{Run: run, Items: stored, Original: original}, nil
}
