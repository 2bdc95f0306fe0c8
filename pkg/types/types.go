// Package types defines the shared types used across earmark packages.
//
// They cross the boundary between provider packages and the pipeline, so
// neither side has to import the other.
package types

import "time"

// Transcript represents a speech-to-text result for one audio segment.
type Transcript struct {
	// Text is the transcribed speech content. Empty when nothing was recognised.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or forced language code, e.g. "en".
	Language string

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// SpeakerMatch is the result of speaker identification for one segment.
type SpeakerMatch struct {
	// SpeakerID is the enrolled speaker label, "self" for the device owner,
	// or "unknown".
	SpeakerID string

	// Confidence is the similarity to the matched profile (0.0–1.0).
	Confidence float64
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}
