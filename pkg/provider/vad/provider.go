// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine classifies normalized audio frames as speech or silence and
// turns runs of speech into closed [Segment] values. Each stream gets its own
// stateful session so that independent streams never share detection state.
//
// ProcessFrame is synchronous and returns the detection result for one frame
// to the single-consumer pipeline that feeds the segment recorder.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"time"

	"github.com/MrWong99/earmark/pkg/audio"
)

// ErrFrameSizeChanged is returned when a session receives a frame whose length
// differs from the first frame it saw. Frame counts derived from durations are
// only meaningful while the frame size stays fixed.
var ErrFrameSizeChanged = errors.New("vad: frame size changed mid-stream")

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// ThresholdDB is the energy level, in dBFS, at or above which a frame
	// counts as speech. Typical: -45.
	ThresholdDB float64

	// MinSpeech is the shortest run of speech that opens a segment. No segment
	// shorter than this is ever emitted.
	MinSpeech time.Duration

	// Padding is how long energy may stay below threshold before an open
	// segment closes. Padding frames are kept in the segment so word endings
	// are not clipped.
	Padding time.Duration
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single normalized frame and returns the detection
	// result. When a segment closes the returned event carries it.
	ProcessFrame(frame audio.Frame) (VADEvent, error)

	// Flush force-closes an open segment, e.g. when the audio source
	// disconnects or the session stops. It returns nil if no segment that has
	// reached the minimum speech duration is open.
	Flush() *Segment

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
