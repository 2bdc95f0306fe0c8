package vad

import (
	"time"

	"github.com/MrWong99/earmark/pkg/audio"
)

// State is the detector state after a frame has been processed.
type State int

const (
	// StateSilence means no segment is open.
	StateSilence State = iota

	// StateSpeech means a segment is open and energy is above threshold.
	StateSpeech

	// StatePaddingOut means a segment is open but energy has dropped; the
	// segment closes if it stays low for the whole padding window.
	StatePaddingOut
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	case StatePaddingOut:
		return "padding-out"
	default:
		return "unknown"
	}
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// EnergyDB is the frame energy in dBFS.
	EnergyDB float64

	// State is the detector state after this frame.
	State State

	// Segment is set only when Type is VADSpeechEnd.
	Segment *Segment
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech, including padding frames.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended and a segment closed.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// Segment is a closed, contiguous span of speech frames.
type Segment struct {
	// Start is the timestamp of the first frame.
	Start time.Duration

	// End is the timestamp just past the last frame.
	End time.Duration

	// Frames in emission order. Includes trailing padding frames.
	Frames []audio.Frame
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration { return s.End - s.Start }

// Samples concatenates the samples of every frame.
func (s Segment) Samples() []float32 {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	out := make([]float32, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// SampleRate returns the rate of the first frame, or 0 for an empty segment.
func (s Segment) SampleRate() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].SampleRate
}
