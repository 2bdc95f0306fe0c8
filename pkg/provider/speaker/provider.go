// Package speaker defines the Provider interface for speaker identification.
//
// A speaker provider decides who is talking in a closed speech segment. The
// reference backend computes a voice embedding in a local sidecar process and
// compares it against enrolled profiles with [Matcher]. Providers only label;
// whether a label is trustworthy enough is decided downstream against the
// thresholds recorded in the session's model version.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/earmark/pkg/types"
)

const (
	// SelfID labels the device owner.
	SelfID = "self"

	// UnknownID labels a voice that matches no enrolled profile.
	UnknownID = "unknown"
)

// ErrDimensionMismatch is returned when comparing embeddings of different length.
var ErrDimensionMismatch = errors.New("speaker: embedding dimension mismatch")

// Request describes one segment to identify.
type Request struct {
	// Samples are mono float samples in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// AudioPath is the WAV artifact of the segment, if already written.
	AudioPath string
}

// Provider is the abstraction over any speaker-identification backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Identify returns the best matching speaker for the segment.
	Identify(ctx context.Context, req Request) (types.SpeakerMatch, error)

	// ModelID returns the identification model identifier.
	ModelID() string
}

// Disabled is a Provider used when no identification backend is configured.
// It labels every segment as unknown with zero confidence so the uncertainty
// is visible to reviewers.
type Disabled struct{}

// Identify implements [Provider].
func (Disabled) Identify(context.Context, Request) (types.SpeakerMatch, error) {
	return types.SpeakerMatch{SpeakerID: UnknownID}, nil
}

// ModelID implements [Provider].
func (Disabled) ModelID() string { return "disabled" }

var _ Provider = Disabled{}

// Profile is an enrolled voice.
type Profile struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

// Thresholds controls how similarity maps to labels.
type Thresholds struct {
	// Self is the minimum similarity for the SelfID profile.
	Self float64

	// Unknown is the minimum similarity for any other enrolled profile.
	// Below it the segment is labelled UnknownID.
	Unknown float64
}

// Matcher compares voice embeddings against enrolled profiles.
type Matcher struct {
	profiles   []Profile
	thresholds Thresholds
}

// NewMatcher validates the profiles and returns a Matcher.
func NewMatcher(profiles []Profile, th Thresholds) (*Matcher, error) {
	dims := -1
	for _, p := range profiles {
		if p.ID == "" {
			return nil, errors.New("speaker: profile with empty id")
		}
		if dims >= 0 && len(p.Embedding) != dims {
			return nil, fmt.Errorf("%w: profile %q has %d dims, want %d", ErrDimensionMismatch, p.ID, len(p.Embedding), dims)
		}
		dims = len(p.Embedding)
	}
	return &Matcher{profiles: profiles, thresholds: th}, nil
}

// Match returns the label for emb. Confidence is the cosine similarity to the
// best profile clamped to [0, 1], even when the label falls back to unknown.
func (m *Matcher) Match(emb []float32) (types.SpeakerMatch, error) {
	best := types.SpeakerMatch{SpeakerID: UnknownID}
	bestSim := -1.0
	bestID := ""
	for _, p := range m.profiles {
		sim, err := Cosine(emb, p.Embedding)
		if err != nil {
			return types.SpeakerMatch{}, err
		}
		if sim > bestSim {
			bestSim, bestID = sim, p.ID
		}
	}
	if bestID == "" {
		return best, nil
	}

	best.Confidence = math.Max(bestSim, 0)
	threshold := m.thresholds.Unknown
	if bestID == SelfID {
		threshold = m.thresholds.Self
	}
	if bestSim >= threshold {
		best.SpeakerID = bestID
	}
	return best, nil
}

// Cosine returns the cosine similarity of a and b, or 0 if either is a zero
// vector.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
