// Package session carries the explicit per-session context threaded through
// every pipeline call, and tracks in-flight background work.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/memory"
)

// Context identifies one recording session and the model version bound to
// it. It is created once by the session manager and passed by value; no
// component looks up the active session from global state.
type Context struct {
	ID        int64
	Version   memory.ModelVersion
	StartedAt time.Time

	// Logger carries session_id and version attributes.
	Logger *slog.Logger

	// Tracker counts background work started on behalf of this session.
	Tracker *Tracker
}

// New builds a Context for s bound to v.
func New(ctx context.Context, s memory.Session, v memory.ModelVersion, tracker *Tracker) Context {
	return Context{
		ID:        s.ID,
		Version:   v,
		StartedAt: s.StartedAt,
		Logger:    observe.SessionLogger(ctx, s.ID).With("version", v.Tag),
		Tracker:   tracker,
	}
}

// Log returns c.Logger, falling back to slog.Default for zero Contexts.
func (c Context) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With("session_id", c.ID)
	}
	return c.Logger
}

// Offset converts a stream-relative offset into wall-clock time.
func (c Context) Offset(d time.Duration) time.Time {
	return c.StartedAt.Add(d)
}
