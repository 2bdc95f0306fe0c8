// Package hotctx assembles the context sent alongside each event to the
// interpretation collaborator:
//
//  1. The context window: prior transcripts of the same session within a
//     time window, capped in count.
//  2. The most recent location event at or before the event.
//  3. Optionally, approved memories semantically related to the transcript.
//
// The event fetch and the semantic recall run concurrently. Use
// [FormatWindow] and [FormatRelated] to render the result as prompt lines.
package hotctx

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
	"github.com/MrWong99/earmark/pkg/provider/embeddings"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Entry is one prior transcript in the context window.
type Entry struct {
	EventID   int64
	At        time.Time
	Text      string
	SpeakerID string
}

// Context is the assembled interpretation context for one event.
type Context struct {
	// Window holds prior transcripts, oldest first.
	Window []Entry

	// Location is the latest location at or before the event, if any.
	Location *memory.LocationPayload

	// Related are approved memories close to the transcript.
	Related []memory.MemoryResult

	AssemblyDuration time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler builds a [Context] for an event from the event log and, when
// configured, the semantic index.
type Assembler struct {
	events   memory.EventStore
	index    memory.SemanticIndex
	embedder embeddings.Provider
	window   time.Duration
	maxItems int
	recallK  int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithWindow sets how far back prior transcripts are included. Defaults to
// 60 seconds.
func WithWindow(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithMaxItems caps the number of window entries; the most recent are kept.
// Defaults to 5.
func WithMaxItems(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxItems = n
		}
	}
}

// WithRecall enables semantic recall of up to k approved memories.
func WithRecall(index memory.SemanticIndex, embedder embeddings.Provider, k int) Option {
	return func(a *Assembler) {
		a.index = index
		a.embedder = embedder
		a.recallK = k
	}
}

// NewAssembler creates an [Assembler].
func NewAssembler(events memory.EventStore, opts ...Option) *Assembler {
	a := &Assembler{
		events:   events,
		window:   60 * time.Second,
		maxItems: 5,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble builds the context for ev. An event-log failure aborts assembly;
// a recall failure is logged and leaves Related empty.
func (a *Assembler) Assemble(ctx context.Context, ev memory.RawEvent) (*Context, error) {
	start := time.Now()
	out := &Context{}

	eg, egCtx := errgroup.WithContext(ctx)

	// ── goroutine 1: window and location ─────────────────────────────────────
	eg.Go(func() error {
		events, err := a.events.ListEvents(egCtx, ev.SessionID)
		if err != nil {
			return fmt.Errorf("hotctx: list events of session %d: %w", ev.SessionID, err)
		}
		out.Window, out.Location = a.scan(events, ev)
		return nil
	})

	// ── goroutine 2: semantic recall ─────────────────────────────────────────
	if tp, ok := ev.Transcript(); ok && tp.Text != "" && a.recallK > 0 && a.index != nil && a.embedder != nil {
		eg.Go(func() error {
			related, err := a.recall(egCtx, tp.Text)
			if err != nil {
				observe.Logger(ctx).Warn("hotctx: semantic recall failed", "event_id", ev.ID, "err", err)
				return nil
			}
			out.Related = related
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	out.AssemblyDuration = time.Since(start)
	return out, nil
}

// before reports whether e precedes target in log order.
func before(e, target memory.RawEvent) bool {
	if e.Timestamp.Equal(target.Timestamp) {
		return e.ID < target.ID
	}
	return e.Timestamp.Before(target.Timestamp)
}

func (a *Assembler) scan(events []memory.RawEvent, target memory.RawEvent) ([]Entry, *memory.LocationPayload) {
	cutoff := target.Timestamp.Add(-a.window)
	var (
		window   []Entry
		location *memory.LocationPayload
		locAt    time.Time
	)
	for _, e := range events {
		if e.ID == target.ID || !before(e, target) {
			continue
		}
		switch p := e.Payload.(type) {
		case memory.TranscriptPayload:
			if p.Text == "" || e.Timestamp.Before(cutoff) {
				continue
			}
			window = append(window, Entry{EventID: e.ID, At: e.Timestamp, Text: p.Text, SpeakerID: p.SpeakerID})
		case memory.LocationPayload:
			if location == nil || !e.Timestamp.Before(locAt) {
				loc := p
				location, locAt = &loc, e.Timestamp
			}
		}
	}
	if len(window) > a.maxItems {
		window = window[len(window)-a.maxItems:]
	}
	return window, location
}

func (a *Assembler) recall(ctx context.Context, text string) ([]memory.MemoryResult, error) {
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	res, err := a.index.Search(ctx, vec, a.recallK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res, nil
}
