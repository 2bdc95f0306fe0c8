// Package ingest serves the streamed-audio WebSocket endpoint.
//
// A client sends binary messages of little-endian pcm16 mono samples at the
// configured rate. Every message becomes one [audio.Buffer] submitted to the
// active session. Text messages are logged and ignored. When the connection
// ends, cleanly or not, an end-of-stream buffer is submitted so the open
// speech segment is closed.
//
// Only one connection may feed audio at a time. A second client is accepted
// and immediately closed with [websocket.StatusTryAgainLater].
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/audio"
)

// DefaultReadLimit caps a single message.
const DefaultReadLimit = 10 << 20

// maxLoggedText bounds how much of an ignored text message is logged.
const maxLoggedText = 100

// Sink receives submitted audio.
type Sink interface {
	Submit(buf audio.Buffer) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(buf audio.Buffer) error

// Submit implements [Sink].
func (f SinkFunc) Submit(buf audio.Buffer) error { return f(buf) }

// Option configures a [Handler].
type Option func(*Handler)

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithOriginPatterns allows cross-origin clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithMetrics counts dropped messages.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides the receive timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler is the WebSocket endpoint. It implements [http.Handler].
type Handler struct {
	sink       Sink
	sampleRate int
	readLimit  int64
	origins    []string
	metrics    *observe.Metrics
	now        func() time.Time

	busy atomic.Bool
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns a Handler feeding sink with buffers at sampleRate.
func NewHandler(sink Sink, sampleRate int, opts ...Option) *Handler {
	h := &Handler{
		sink:       sink,
		sampleRate: sampleRate,
		readLimit:  DefaultReadLimit,
		now:        time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Busy reports whether a client is currently streaming.
func (h *Handler) Busy() bool { return h.busy.Load() }

// ServeHTTP upgrades the request and reads until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("ingest: accept failed", "err", err)
		return
	}
	if !h.busy.CompareAndSwap(false, true) {
		observe.Logger(r.Context()).Warn("ingest: rejecting second audio client", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusTryAgainLater, "another client is streaming")
		return
	}
	defer h.busy.Store(false)

	conn.SetReadLimit(h.readLimit)
	source := "ws-" + uuid.NewString()[:8]
	log := observe.Logger(r.Context()).With("source", source)
	log.Info("audio client connected", "remote", r.RemoteAddr)

	err = h.read(r.Context(), conn, source, log)

	if serr := h.sink.Submit(audio.Buffer{EndOfStream: true, Source: source, Received: h.now()}); serr != nil {
		log.Debug("ingest: end of stream not delivered", "err", serr)
	}
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("audio client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	case status == websocket.StatusMessageTooBig:
		log.Warn("audio client sent an oversized message", "limit", h.readLimit)
	default:
		log.Warn("audio client connection lost", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

// read forwards messages until the connection fails. It always returns a
// non-nil error.
func (h *Handler) read(ctx context.Context, conn *websocket.Conn, source string, log *slog.Logger) error {
	var warnedNoSession bool
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			log.Info("ingest: ignoring text message", "text", truncate(string(data), maxLoggedText))
			continue
		}
		if len(data)%2 != 0 {
			log.Warn("ingest: odd byte count, dropping trailing byte", "bytes", len(data))
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			continue
		}

		err = h.sink.Submit(audio.Buffer{
			PCM:        data,
			Encoding:   audio.EncodingPCM16,
			SampleRate: h.sampleRate,
			Channels:   1,
			Source:     source,
			Received:   h.now(),
		})
		switch {
		case err == nil:
			warnedNoSession = false
		case errors.Is(err, audio.ErrQueueFull):
			log.Warn("ingest: queue full, buffer rejected")
			h.drop(ctx, "queue_full")
		default:
			if !warnedNoSession {
				log.Warn("ingest: audio discarded", "err", err)
				warnedNoSession = true
			}
			h.drop(ctx, "no_session")
		}
	}
}

func (h *Handler) drop(ctx context.Context, reason string) {
	if h.metrics != nil {
		h.metrics.RecordDrop(ctx, reason)
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
