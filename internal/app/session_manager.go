package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earmark/internal/approval"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/pipeline"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/memory"
)

// SessionManager owns the single active recording session. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active *activeSession

	sessions memory.SessionStore
	events   memory.EventStore
	pipeline *pipeline.Pipeline
	approval *approval.Machine
	version  func(context.Context) (memory.ModelVersion, error)
	tracker  *session.Tracker
	metrics  *observe.Metrics

	queueCapacity int
	policy        audio.OverflowPolicy
	now           func() time.Time

	// runs counts pipeline goroutines and stops counts Stop calls still
	// finalizing, so Wait can drain both.
	runs  sync.WaitGroup
	stops sync.WaitGroup
}

type activeSession struct {
	sc     session.Context
	queue  *audio.Queue
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed

	// stopping is guarded by SessionManager.mu. A stopping session no longer
	// accepts input but still holds the slot.
	stopping bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Sessions memory.SessionStore
	Events   memory.EventStore
	Pipeline *pipeline.Pipeline
	Approval *approval.Machine

	// Version returns the model version new sessions are bound to.
	Version func(context.Context) (memory.ModelVersion, error)

	// Tracker counts background interpretations of every session.
	Tracker *session.Tracker
	Metrics *observe.Metrics

	QueueCapacity  int
	OverflowPolicy audio.OverflowPolicy

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		sessions:      cfg.Sessions,
		events:        cfg.Events,
		pipeline:      cfg.Pipeline,
		approval:      cfg.Approval,
		version:       cfg.Version,
		tracker:       cfg.Tracker,
		metrics:       cfg.Metrics,
		queueCapacity: cfg.QueueCapacity,
		policy:        cfg.OverflowPolicy,
		now:           cfg.Now,
	}
	if sm.tracker == nil {
		sm.tracker = session.NewTracker(nil)
	}
	if sm.queueCapacity <= 0 {
		sm.queueCapacity = 256
	}
	if sm.policy == "" {
		sm.policy = audio.DropOldest
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm
}

// Start opens a new session bound to the current model version and starts
// its pipeline. The original session is untouched when one is already
// active.
func (sm *SessionManager) Start(ctx context.Context, notes string) (memory.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return memory.Session{}, fmt.Errorf("%w (session %d)", session.ErrAlreadyRecording, sm.active.sc.ID)
	}

	v, err := sm.version(ctx)
	if err != nil {
		return memory.Session{}, fmt.Errorf("session: resolve model version: %w", err)
	}
	q, err := audio.NewQueue(sm.queueCapacity, sm.policy, audio.WithOverflowHook(sm.onOverflow))
	if err != nil {
		return memory.Session{}, fmt.Errorf("session: %w", err)
	}
	sess, err := sm.sessions.CreateSession(ctx, v.ID, notes)
	if err != nil {
		return memory.Session{}, fmt.Errorf("session: create: %w", err)
	}

	sc := session.New(ctx, sess, v, sm.tracker)
	runCtx, cancel := context.WithCancel(context.Background())
	a := &activeSession{sc: sc, queue: q, cancel: cancel, done: make(chan struct{})}
	sm.active = a

	sm.runs.Add(1)
	go sm.run(runCtx, a)

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	sc.Log().Info("session started", "notes", notes)
	return sess, nil
}

// run drives the pipeline of a. A fatal error marks the session failed and
// releases the active slot.
func (sm *SessionManager) run(ctx context.Context, a *activeSession) {
	defer sm.runs.Done()
	defer close(a.done)

	err := sm.pipeline.Run(ctx, a.sc, a.queue)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	a.err = err
	a.sc.Log().Error("session pipeline failed", "err", err)

	bg := context.WithoutCancel(ctx)
	if ferr := sm.approval.Fail(bg, a.sc.ID, err); ferr != nil {
		a.sc.Log().Error("session: mark failed", "err", ferr)
	}
	a.queue.Close()
	sm.release(bg, a)
}

// Stop closes the active session's input, waits for queued audio to be
// processed and moves the session to pending_review. Interpretations still
// in flight finish in the background.
//
// The slot stays taken until the session is finalized, so a concurrent
// Start fails with [session.ErrAlreadyRecording]. Cancelling ctx does not
// abort the drain: a client that disconnects mid-stop still gets its last
// segment flushed and the session finalized.
func (sm *SessionManager) Stop(ctx context.Context) (memory.Session, error) {
	ctx = context.WithoutCancel(ctx)
	return sm.stop(ctx, ctx)
}

// stop drains and finalizes the active session under ctx. When abort ends
// first the pipeline is cancelled and whatever was processed is finalized.
func (sm *SessionManager) stop(ctx, abort context.Context) (memory.Session, error) {
	sm.mu.Lock()
	a := sm.active
	if a == nil || a.stopping {
		sm.mu.Unlock()
		return memory.Session{}, session.ErrNoActiveSession
	}
	a.stopping = true
	a.queue.Close()
	sm.stops.Add(1)
	sm.mu.Unlock()
	defer sm.stops.Done()
	defer sm.release(ctx, a)

	select {
	case <-a.done:
	case <-abort.Done():
		a.sc.Log().Warn("session stop aborted, finalizing processed audio", "err", abort.Err())
		a.cancel()
		<-a.done
	}
	a.cancel()

	log := a.sc.Log()
	if a.err != nil {
		log.Warn("session stopped after failure", "err", a.err)
		return sm.sessions.GetSession(ctx, a.sc.ID)
	}
	status, err := sm.approval.Finalize(ctx, a.sc.ID)
	if err != nil {
		return memory.Session{}, fmt.Errorf("session: finalize: %w", err)
	}
	log.Info("session stopped",
		"status", status,
		"dropped_buffers", a.queue.Stats().Dropped,
		"in_flight", sm.tracker.InFlight(),
	)
	return sm.sessions.GetSession(ctx, a.sc.ID)
}

// release frees the slot if a still holds it.
func (sm *SessionManager) release(ctx context.Context, a *activeSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == a {
		sm.active = nil
		sm.deactivated(ctx)
	}
}

// deactivated must be called with sm.mu held.
func (sm *SessionManager) deactivated(ctx context.Context) {
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// accepting returns the active session unless it is stopping.
func (sm *SessionManager) accepting() *activeSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil || sm.active.stopping {
		return nil
	}
	return sm.active
}

// Submit routes buf into the active session's queue.
func (sm *SessionManager) Submit(buf audio.Buffer) error {
	a := sm.accepting()
	if a == nil {
		return session.ErrNoActiveSession
	}
	err := a.queue.Push(buf)
	if errors.Is(err, audio.ErrQueueClosed) {
		return session.ErrNoActiveSession
	}
	return err
}

// Feed streams src into a new session and stops it once src is exhausted.
// Buffers wait for queue room instead of overflowing, so a recording is
// processed completely whatever the overflow policy.
func (sm *SessionManager) Feed(ctx context.Context, src audio.Source, name, notes string) (memory.Session, error) {
	if _, err := sm.Start(ctx, notes); err != nil {
		return memory.Session{}, err
	}
	perr := audio.Pump(ctx, src, name, func(buf audio.Buffer) error {
		return sm.submitWait(ctx, buf)
	})
	sess, err := sm.Stop(ctx)
	if perr != nil {
		return sess, fmt.Errorf("session: feed %s: %w", name, perr)
	}
	return sess, err
}

// submitWait is Submit that blocks while the active queue is full.
func (sm *SessionManager) submitWait(ctx context.Context, buf audio.Buffer) error {
	a := sm.accepting()
	if a == nil {
		return session.ErrNoActiveSession
	}
	for {
		st := a.queue.Stats()
		if st.Depth < st.Capacity {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return sm.Submit(buf)
}

// AppendLocation records loc as a location event of the active session.
func (sm *SessionManager) AppendLocation(ctx context.Context, loc memory.LocationPayload) (memory.RawEvent, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return memory.RawEvent{}, fmt.Errorf("%w: lat=%v lon=%v", session.ErrInvalidLocation, loc.Latitude, loc.Longitude)
	}
	a := sm.accepting()
	if a == nil {
		return memory.RawEvent{}, session.ErrNoActiveSession
	}

	ev, err := sm.events.AppendEvent(ctx, memory.RawEvent{
		SessionID: a.sc.ID,
		Timestamp: sm.now(),
		Payload:   loc,
	}, nil)
	if err != nil {
		return memory.RawEvent{}, fmt.Errorf("session: append location: %w", err)
	}
	if sm.metrics != nil {
		sm.metrics.RecordEvent(ctx, string(ev.Type))
	}
	a.sc.Log().Debug("location recorded", "event_id", ev.ID, "label", loc.Label)
	return ev, nil
}

// Status returns a snapshot of the recorder state.
func (sm *SessionManager) Status(ctx context.Context) (session.Status, error) {
	sm.mu.Lock()
	a := sm.active
	stopping := a != nil && a.stopping
	sm.mu.Unlock()

	st := session.Status{InFlightInterpretations: sm.tracker.InFlight()}
	if a == nil {
		return st, nil
	}
	sess, err := sm.sessions.GetSession(ctx, a.sc.ID)
	if err != nil {
		return session.Status{}, err
	}
	st.Recording = !stopping
	st.Stopping = stopping
	st.Session = &sess
	st.Version = a.sc.Version.Tag
	st.Queue = a.queue.Stats()
	return st, nil
}

// IsActive reports whether a session holds the slot, including one that is
// still stopping.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Wait stops any active session, then blocks until every pipeline and every
// background interpretation has finished or ctx ends.
func (sm *SessionManager) Wait(ctx context.Context) error {
	if _, err := sm.stop(context.WithoutCancel(ctx), ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		slog.Warn("session: stop during shutdown", "err", err)
	}

	done := make(chan struct{})
	go func() {
		sm.runs.Wait()
		sm.stops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sm.tracker.Wait(ctx)
}

func (sm *SessionManager) onOverflow(policy audio.OverflowPolicy) {
	if sm.metrics != nil {
		sm.metrics.RecordDrop(context.Background(), string(policy))
	}
}
