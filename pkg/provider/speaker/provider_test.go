package speaker_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/earmark/pkg/provider/speaker"
)

func TestCosine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		got, err := speaker.Cosine(tt.a, tt.b)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: Cosine = %v, want %v", tt.name, got, tt.want)
		}
	}
	if _, err := speaker.Cosine([]float32{1}, []float32{1, 2}); !errors.Is(err, speaker.ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()
	m, err := speaker.NewMatcher([]speaker.Profile{
		{ID: speaker.SelfID, Embedding: []float32{1, 0, 0}},
		{ID: "alex", Embedding: []float32{0, 1, 0}},
	}, speaker.Thresholds{Self: 0.8, Unknown: 0.65})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		emb  []float32
		want string
	}{
		{"clear self", []float32{0.95, 0.1, 0}, speaker.SelfID},
		{"weak self", []float32{0.7, 0.0, 0.7}, speaker.UnknownID},
		{"alex", []float32{0.1, 0.9, 0.1}, "alex"},
		{"nobody", []float32{0, 0, 1}, speaker.UnknownID},
	}
	for _, tt := range tests {
		got, err := m.Match(tt.emb)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got.SpeakerID != tt.want {
			t.Errorf("%s: SpeakerID = %q (conf %.2f), want %q", tt.name, got.SpeakerID, got.Confidence, tt.want)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("%s: Confidence %v outside [0,1]", tt.name, got.Confidence)
		}
	}
}

func TestNewMatcher_MixedDimensions(t *testing.T) {
	t.Parallel()
	_, err := speaker.NewMatcher([]speaker.Profile{
		{ID: "a", Embedding: []float32{1, 0}},
		{ID: "b", Embedding: []float32{1, 0, 0}},
	}, speaker.Thresholds{})
	if !errors.Is(err, speaker.ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	got, err := speaker.Disabled{}.Identify(context.Background(), speaker.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if got.SpeakerID != speaker.UnknownID || got.Confidence != 0 {
		t.Errorf("Disabled = %+v, want unknown/0", got)
	}
}
