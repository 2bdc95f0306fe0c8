// Package energy implements an energy-threshold [vad.Engine].
//
// Each frame's energy is 10*log10(mean(s²)) in dBFS. A three-state detector
// (silence, speech, padding-out) turns frame classifications into segments:
//
//   - silence → speech after MinSpeech worth of consecutive loud frames. Those
//     frames are held as a candidate and become the head of the segment.
//   - speech → padding-out on the first quiet frame.
//   - padding-out → silence once Padding worth of quiet frames has passed; the
//     segment closes. A loud frame during padding returns to speech.
//
// Frame counts are derived from the duration of the frames actually received,
// not from a nominal frame duration.
package energy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/vad"
)

const (
	// FloorDB is reported for frames whose mean square is below epsilon.
	FloorDB = -120.0

	epsilon = 1e-12
)

// EnergyDB returns the frame energy 10*log10(mean(s²)) in dBFS, clamped to
// [FloorDB] for silent or empty input.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return FloorDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	ms := sum / float64(len(samples))
	if ms < epsilon {
		return FloorDB
	}
	return max(10*math.Log10(ms), FloorDB)
}

// Engine creates energy-threshold VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.MinSpeech <= 0 {
		return nil, fmt.Errorf("energy vad: min speech must be positive, got %s", cfg.MinSpeech)
	}
	if cfg.Padding < 0 {
		return nil, fmt.Errorf("energy vad: padding must not be negative, got %s", cfg.Padding)
	}
	if cfg.ThresholdDB > 0 || cfg.ThresholdDB < FloorDB {
		return nil, fmt.Errorf("energy vad: threshold %.1f dB outside [%v, 0]", cfg.ThresholdDB, FloorDB)
	}
	return &Session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy VAD. Not safe for concurrent use except
// for Close.
type Session struct {
	cfg vad.Config

	frameLen      int
	minFrames     int
	paddingFrames int

	state     vad.State
	candidate []audio.Frame
	open      []audio.Frame
	quiet     int

	closeOnce sync.Once
	closed    bool
}

// framesFor returns ceil(d / frameDur), at least 1 for positive d.
func framesFor(d, frameDur time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + frameDur - 1) / frameDur)
}

// calibrate derives frame counts from the first frame's real duration.
func (s *Session) calibrate(f audio.Frame) error {
	if len(f.Samples) == 0 {
		return fmt.Errorf("energy vad: empty frame seq=%d", f.Seq)
	}
	if f.SampleRate != s.cfg.SampleRate {
		return fmt.Errorf("energy vad: frame rate %dHz, session configured for %dHz", f.SampleRate, s.cfg.SampleRate)
	}
	if s.frameLen == 0 {
		s.frameLen = len(f.Samples)
		dur := f.Duration()
		s.minFrames = framesFor(s.cfg.MinSpeech, dur)
		s.paddingFrames = framesFor(s.cfg.Padding, dur)
		return nil
	}
	if len(f.Samples) != s.frameLen {
		return fmt.Errorf("%w: got %d samples, want %d", vad.ErrFrameSizeChanged, len(f.Samples), s.frameLen)
	}
	return nil
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(f audio.Frame) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if err := s.calibrate(f); err != nil {
		return vad.VADEvent{}, err
	}

	db := EnergyDB(f.Samples)
	loud := db >= s.cfg.ThresholdDB
	ev := vad.VADEvent{EnergyDB: db}

	switch s.state {
	case vad.StateSilence:
		if !loud {
			s.candidate = s.candidate[:0]
			ev.Type = vad.VADSilence
			break
		}
		s.candidate = append(s.candidate, f)
		if len(s.candidate) < s.minFrames {
			ev.Type = vad.VADSilence
			break
		}
		s.open = append(s.open[:0], s.candidate...)
		s.candidate = s.candidate[:0]
		s.state = vad.StateSpeech
		ev.Type = vad.VADSpeechStart

	case vad.StateSpeech:
		if loud {
			s.open = append(s.open, f)
			ev.Type = vad.VADSpeechContinue
			break
		}
		if s.paddingFrames == 0 {
			ev.Type = vad.VADSpeechEnd
			ev.Segment = s.closeSegment()
			break
		}
		s.open = append(s.open, f)
		s.quiet = 1
		s.state = vad.StatePaddingOut
		ev.Type = vad.VADSpeechContinue
		if s.quiet >= s.paddingFrames {
			ev.Type = vad.VADSpeechEnd
			ev.Segment = s.closeSegment()
		}

	case vad.StatePaddingOut:
		s.open = append(s.open, f)
		if loud {
			s.quiet = 0
			s.state = vad.StateSpeech
			ev.Type = vad.VADSpeechContinue
			break
		}
		s.quiet++
		ev.Type = vad.VADSpeechContinue
		if s.quiet >= s.paddingFrames {
			ev.Type = vad.VADSpeechEnd
			ev.Segment = s.closeSegment()
		}
	}

	ev.State = s.state
	return ev, nil
}

// closeSegment packages the open frames and returns to silence.
func (s *Session) closeSegment() *vad.Segment {
	frames := make([]audio.Frame, len(s.open))
	copy(frames, s.open)
	s.open = s.open[:0]
	s.quiet = 0
	s.state = vad.StateSilence

	last := frames[len(frames)-1]
	return &vad.Segment{
		Start:  frames[0].Timestamp,
		End:    last.Timestamp + last.Duration(),
		Frames: frames,
	}
}

// Flush implements [vad.SessionHandle]. Candidate frames that never reached
// the minimum speech duration are discarded.
func (s *Session) Flush() *vad.Segment {
	s.candidate = s.candidate[:0]
	if s.state == vad.StateSilence || len(s.open) == 0 {
		return nil
	}
	return s.closeSegment()
}

// State returns the current detector state.
func (s *Session) State() vad.State { return s.state }

// Reset implements [vad.SessionHandle]. Frame calibration is kept.
func (s *Session) Reset() {
	s.state = vad.StateSilence
	s.candidate = s.candidate[:0]
	s.open = s.open[:0]
	s.quiet = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.Reset()
	})
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
