package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/earmark/pkg/audio"
)

func newTestNormalizer(t *testing.T) *audio.Normalizer {
	t.Helper()
	n, err := audio.NewNormalizer(audio.NormalizerConfig{SampleRate: 16000, FrameDuration: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return n
}

func pcmBuffer(samples int) audio.Buffer {
	raw := make([]int16, samples)
	for i := range raw {
		raw[i] = int16(i % 1000)
	}
	return audio.Buffer{PCM: samplesToBytes(raw), Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1, Source: "test"}
}

func TestNormalizer_FrameSize(t *testing.T) {
	t.Parallel()
	if got := newTestNormalizer(t).FrameSize(); got != 480 {
		t.Errorf("FrameSize() = %d, want 480", got)
	}
}

func TestNormalizer_Rebuffering(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t)

	var frames []audio.Frame
	for range 10 {
		out, err := n.Normalize(pcmBuffer(1600))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		frames = append(frames, out...)
	}

	if len(frames) != 33 {
		t.Fatalf("frames = %d, want 33", len(frames))
	}
	// 16000 - 33*480 = 160 samples carried.
	if n.Pending() != 160 {
		t.Errorf("Pending() = %d, want 160", n.Pending())
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d, want %d", i, f.Seq, i)
		}
		if len(f.Samples) != 480 {
			t.Errorf("frame %d: len = %d, want 480", i, len(f.Samples))
		}
		if want := time.Duration(i) * 30 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d: Timestamp = %s, want %s", i, f.Timestamp, want)
		}
	}
}

func TestNormalizer_ConservesSamples(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t)
	sizes := []int{1, 479, 480, 481, 3, 2000, 17}

	in, out := 0, 0
	for _, s := range sizes {
		in += s
		frames, err := n.Normalize(pcmBuffer(s))
		if err != nil {
			t.Fatalf("Normalize(%d): %v", s, err)
		}
		for _, f := range frames {
			out += len(f.Samples)
		}
	}
	if out+n.Pending() != in {
		t.Errorf("out %d + pending %d != in %d", out, n.Pending(), in)
	}
	if n.Pending() >= n.FrameSize() {
		t.Errorf("Pending() = %d, want < %d", n.Pending(), n.FrameSize())
	}
}

func TestNormalizer_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		buf  audio.Buffer
		want error
	}{
		{"empty", audio.Buffer{Encoding: audio.EncodingPCM16, SampleRate: 16000}, audio.ErrEmptyBuffer},
		{"wrong rate", audio.Buffer{PCM: make([]byte, 20), SampleRate: 48000, Channels: 1}, audio.ErrSampleRateMismatch},
		{"odd bytes", audio.Buffer{PCM: make([]byte, 21), SampleRate: 16000, Channels: 1}, audio.ErrMalformedBuffer},
		{"overflow", audio.Buffer{Samples: []float32{0.1, 1.6}, Encoding: audio.EncodingFloat32, SampleRate: 16000}, audio.ErrSampleOverflow},
		{"nan", audio.Buffer{Samples: []float32{float32(math.NaN())}, Encoding: audio.EncodingFloat32, SampleRate: 16000}, audio.ErrSampleOverflow},
		{"channels", audio.Buffer{PCM: make([]byte, 12), SampleRate: 16000, Channels: 6}, audio.ErrMalformedBuffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNormalizer(t)
			if _, err := n.Normalize(pcmBuffer(100)); err != nil {
				t.Fatalf("seed Normalize: %v", err)
			}
			_, err := n.Normalize(tt.buf)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if n.Pending() != 100 {
				t.Errorf("Pending() = %d after rejection, want 100 (carry untouched)", n.Pending())
			}
		})
	}
}

func TestNormalizer_ToleranceBoundary(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t)
	_, err := n.Normalize(audio.Buffer{Samples: []float32{1.5, -1.5}, Encoding: audio.EncodingFloat32, SampleRate: 16000})
	if err != nil {
		t.Errorf("samples at tolerance rejected: %v", err)
	}
}

func TestNormalizer_StereoDownmix(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t)
	samples := make([]float32, 960)
	for i := range samples {
		samples[i] = 0.25
	}
	frames, err := n.Normalize(audio.Buffer{Samples: samples, Encoding: audio.EncodingFloat32, SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(frames) != 1 || frames[0].Channels != 1 {
		t.Fatalf("got %d frames, want 1 mono frame", len(frames))
	}
}

func TestNormalizer_ResetKeepsSequence(t *testing.T) {
	t.Parallel()
	n := newTestNormalizer(t)
	if _, err := n.Normalize(pcmBuffer(500)); err != nil {
		t.Fatal(err)
	}
	n.Reset()
	if n.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", n.Pending())
	}
	frames, err := n.Normalize(pcmBuffer(480))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].Seq != 1 {
		t.Errorf("Seq after reset = %v, want 1", frames)
	}
}

func TestNewNormalizer_InvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewNormalizer(audio.NormalizerConfig{SampleRate: 0, FrameDuration: time.Millisecond}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := audio.NewNormalizer(audio.NormalizerConfig{SampleRate: 16000}); err == nil {
		t.Error("expected error for zero frame duration")
	}
}
