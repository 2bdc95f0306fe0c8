package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DefaultTolerance is the largest absolute sample value accepted from a float
// source. Slight overshoot from resampling or gain stages is tolerated; values
// beyond it indicate a broken source.
const DefaultTolerance = 1.5

// Rejection reasons returned by [Normalizer.Normalize]. All of them are
// recoverable: the offending buffer is discarded and the stream continues.
var (
	// ErrEmptyBuffer is returned for a buffer carrying no samples.
	ErrEmptyBuffer = errors.New("audio: empty buffer")

	// ErrSampleRateMismatch is returned when the buffer's declared sample rate
	// differs from the configured rate.
	ErrSampleRateMismatch = errors.New("audio: sample rate mismatch")

	// ErrSampleOverflow is returned when any sample exceeds the tolerance or is
	// not a finite number.
	ErrSampleOverflow = errors.New("audio: sample out of range")

	// ErrMalformedBuffer is returned for buffers whose layout cannot be decoded,
	// such as an odd PCM byte count or an unsupported channel count.
	ErrMalformedBuffer = errors.New("audio: malformed buffer")
)

// NormalizerConfig configures a [Normalizer].
type NormalizerConfig struct {
	// SampleRate every incoming buffer must declare, in Hz.
	SampleRate int

	// FrameDuration is the length of each emitted frame. 30ms at 16kHz
	// yields 480-sample frames.
	FrameDuration time.Duration

	// Tolerance bounds the absolute sample value. Zero means DefaultTolerance.
	Tolerance float64
}

// FrameSize returns the number of samples per emitted frame.
func (c NormalizerConfig) FrameSize() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// Normalizer turns transport buffers into fixed-size mono float frames.
// Leftover samples that do not fill a whole frame are carried into the next
// call. A Normalizer belongs to a single stream and is not safe for concurrent
// use.
type Normalizer struct {
	cfg       NormalizerConfig
	frameSize int
	carry     []float32
	seq       uint64
	emitted   int64

	warnedStereo sync.Once
}

// NewNormalizer validates cfg and returns a ready Normalizer.
func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: normalizer: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("audio: normalizer: frame duration must be positive, got %s", cfg.FrameDuration)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	size := cfg.FrameSize()
	if size <= 0 {
		return nil, fmt.Errorf("audio: normalizer: frame duration %s is shorter than one sample at %dHz", cfg.FrameDuration, cfg.SampleRate)
	}
	return &Normalizer{cfg: cfg, frameSize: size, carry: make([]float32, 0, size)}, nil
}

// FrameSize returns the number of samples per emitted frame.
func (n *Normalizer) FrameSize() int { return n.frameSize }

// Normalize validates buf, appends its samples to the carry buffer and returns
// every complete frame now available. On error the buffer is dropped in full and
// the carry buffer is left exactly as it was.
func (n *Normalizer) Normalize(buf Buffer) ([]Frame, error) {
	samples, err := n.decode(buf)
	if err != nil {
		return nil, err
	}

	n.carry = append(n.carry, samples...)

	var frames []Frame
	for len(n.carry) >= n.frameSize {
		data := make([]float32, n.frameSize)
		copy(data, n.carry[:n.frameSize])
		frames = append(frames, Frame{
			Samples:    data,
			SampleRate: n.cfg.SampleRate,
			Channels:   1,
			Source:     buf.Source,
			Seq:        n.seq,
			Timestamp:  time.Duration(n.emitted) * time.Second / time.Duration(n.cfg.SampleRate),
		})
		n.seq++
		n.emitted += int64(n.frameSize)
		n.carry = n.carry[n.frameSize:]
	}

	// Compact so the backing array does not grow without bound.
	if cap(n.carry) > 4*n.frameSize {
		rest := make([]float32, len(n.carry), n.frameSize)
		copy(rest, n.carry)
		n.carry = rest
	}
	return frames, nil
}

// Pending returns the number of carried samples not yet emitted.
func (n *Normalizer) Pending() int { return len(n.carry) }

// Reset discards the carry buffer. The sequence counter keeps counting so
// frame numbers stay unique for the lifetime of the normalizer.
func (n *Normalizer) Reset() {
	n.carry = n.carry[:0]
}

func (n *Normalizer) decode(buf Buffer) ([]float32, error) {
	if buf.Len() == 0 {
		return nil, ErrEmptyBuffer
	}
	if buf.SampleRate != n.cfg.SampleRate {
		return nil, fmt.Errorf("%w: got %s, want %dHz", ErrSampleRateMismatch,
			formatString(buf.SampleRate, buf.Channels), n.cfg.SampleRate)
	}

	var samples []float32
	switch buf.Encoding {
	case EncodingPCM16, "":
		if len(buf.PCM)%2 != 0 {
			return nil, fmt.Errorf("%w: odd pcm16 byte count %d", ErrMalformedBuffer, len(buf.PCM))
		}
		samples = DecodePCM16(buf.PCM)
	case EncodingFloat32:
		samples = buf.Samples
		for i, s := range samples {
			v := float64(s)
			if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > n.cfg.Tolerance {
				return nil, fmt.Errorf("%w: sample %d = %v exceeds tolerance %v", ErrSampleOverflow, i, s, n.cfg.Tolerance)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrMalformedBuffer, buf.Encoding)
	}

	switch buf.Channels {
	case 0, 1:
	case 2:
		n.warnedStereo.Do(func() {
			slog.Warn("audio normalizer: down-mixing stereo input", "source", buf.Source)
		})
		samples = StereoToMono(samples)
	default:
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrMalformedBuffer, buf.Channels)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyBuffer
	}
	return samples, nil
}
