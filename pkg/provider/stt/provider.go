// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a local transcription engine (a whisper.cpp or
// faster-whisper server) and transcribes one closed speech segment at a time.
// Segmentation happens upstream in the VAD, so providers never see partial
// utterances and do not need to stream.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/earmark/pkg/types"
)

// ErrNoAudio is returned when a Request carries neither samples nor a path.
var ErrNoAudio = errors.New("stt: request has no audio")

// Request describes one segment to transcribe. Providers prefer AudioPath
// when set: the segment artifact is already a WAV file on disk.
type Request struct {
	// Samples are mono float samples in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// AudioPath is the WAV artifact of the segment, if already written.
	AudioPath string

	// Language is the BCP-47 language tag, e.g. "en". Empty lets the provider
	// use its configured default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the transcript for a single segment. An empty Text with
	// a nil error means the engine heard nothing intelligible.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)

	// ModelID returns the transcription model identifier. It is part of the
	// version snapshot bound to each session.
	ModelID() string
}
