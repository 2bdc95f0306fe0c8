// Package recorder persists closed speech segments as WAV artifacts.
//
// Each segment of session N is written to
//
//	<root>/audio_segments/session-<N>/<seq>.wav
//
// as 16-bit mono PCM at the pipeline's fixed sample rate. seq starts after
// the highest sequence already on disk, so a restarted process never
// overwrites an existing artifact.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/audio/wavfile"
	"github.com/MrWong99/earmark/pkg/provider/vad"
)

var (
	// ErrStorage wraps every failure to persist an artifact. It is fatal for
	// the session.
	ErrStorage = errors.New("recorder: storage failure")

	// ErrEmptySegment is returned for a segment without samples.
	ErrEmptySegment = errors.New("recorder: empty segment")

	// ErrSampleRateMismatch is returned when a segment's frames do not match
	// the recorder's rate.
	ErrSampleRateMismatch = errors.New("recorder: sample rate mismatch")
)

// Artifact describes one written segment.
type Artifact struct {
	Path     string
	Duration time.Duration
	Samples  int

	// Start and End are stream-relative offsets of the segment.
	Start time.Duration
	End   time.Duration
}

// Recorder writes segment artifacts. It is safe for concurrent use.
type Recorder struct {
	root       string
	sampleRate int
	metrics    *observe.Metrics

	mu  sync.Mutex
	seq map[int64]int
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithMetrics counts written segments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New returns a Recorder rooted at root writing at sampleRate.
func New(root string, sampleRate int, opts ...Option) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recorder: invalid sample rate %d", sampleRate)
	}
	r := &Recorder{root: root, sampleRate: sampleRate, seq: make(map[int64]int)}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// SessionDir returns the directory holding the artifacts of sessionID.
func (r *Recorder) SessionDir(sessionID int64) string {
	return filepath.Join(r.root, "audio_segments", fmt.Sprintf("session-%d", sessionID))
}

// Write concatenates the segment's samples and writes them as one WAV file.
func (r *Recorder) Write(ctx context.Context, sessionID int64, seg vad.Segment) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	samples := seg.Samples()
	if len(samples) == 0 {
		return Artifact{}, ErrEmptySegment
	}
	if rate := seg.SampleRate(); rate != r.sampleRate {
		return Artifact{}, fmt.Errorf("%w: segment %d Hz, recorder %d Hz", ErrSampleRateMismatch, rate, r.sampleRate)
	}

	seq, err := r.next(sessionID)
	if err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(r.SessionDir(sessionID), fmt.Sprintf("%06d.wav", seq))
	if err := wavfile.Write(path, samples, r.sampleRate); err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if r.metrics != nil {
		r.metrics.SegmentsRecorded.Add(ctx, 1)
	}

	art := Artifact{
		Path:     path,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(r.sampleRate),
		Samples:  len(samples),
		Start:    seg.Start,
		End:      seg.End,
	}
	observe.Logger(ctx).Debug("segment recorded",
		"session_id", sessionID,
		"audio_path_hash", PathHash(path),
		"duration", art.Duration,
	)
	return art, nil
}

// next reserves the next sequence number for sessionID.
func (r *Recorder) next(sessionID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.seq[sessionID]
	if !ok {
		var err error
		last, err = lastOnDisk(r.SessionDir(sessionID))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	last++
	r.seq[sessionID] = last
	return last, nil
}

func lastOnDisk(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	last := 0
	for _, e := range entries {
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".wav"))
		if err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

// Forget drops the cached sequence of a finished session.
func (r *Recorder) Forget(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seq, sessionID)
}

// PathHash returns the first 16 hex characters of the SHA-256 of path. Logs
// carry this instead of the path itself.
func PathHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}
