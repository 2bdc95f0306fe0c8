// Package wavfile reads and writes the WAV artifacts earmark keeps for every
// speech segment. Files are always 16-bit mono PCM at a fixed sample rate.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/earmark/pkg/audio"
)

const (
	bitDepth  = 16
	wavFormat = 1 // PCM
)

// ErrInvalidFile is returned when a file is not a readable PCM WAV.
var ErrInvalidFile = errors.New("wavfile: not a valid wav file")

// Write encodes samples as a 16-bit mono WAV at path. Samples are clamped to
// [-1, 1] before scaling. The file is written under a temporary name in the
// same directory and renamed into place, so readers never observe a
// partially written artifact.
func Write(path string, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("wavfile: invalid sample rate %d", sampleRate)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wavfile: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".segment-*.wav.tmp")
	if err != nil {
		return fmt.Errorf("wavfile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(audio.ClampToInt16(s))
	}

	enc := wav.NewEncoder(tmp, sampleRate, bitDepth, 1, wavFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err = enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("wavfile: finalize: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("wavfile: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("wavfile: close: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("wavfile: rename: %w", err)
	}
	return nil
}

// Info describes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Read decodes the WAV file at path into float samples in [-1, 1). Multi-channel
// files are returned interleaved; use [audio.StereoToMono] to down-mix.
func Read(path string) ([]float32, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("wavfile: open: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrInvalidFile, filepath.Base(path))
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Info{}, fmt.Errorf("wavfile: decode: %w", err)
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if info.BitDepth <= 0 || info.BitDepth > 32 {
		return nil, Info{}, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFile, info.BitDepth)
	}

	scale := float32(int64(1) << (info.BitDepth - 1))
	out := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		out[i] = float32(v) / scale
	}
	if info.SampleRate > 0 && info.Channels > 0 {
		frames := len(out) / info.Channels
		info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
	}
	return out, info, nil
}

// Source replays a WAV file as a local capture source, in chunks of a fixed
// duration. It implements [audio.Source].
type Source struct {
	samples []float32
	info    Info
	chunk   int
	pos     int
	name    string
}

// SourceOption customises a [Source].
type SourceOption func(*Source)

// WithChunk sets the chunk duration delivered per Read. Default 100ms.
func WithChunk(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 && s.info.SampleRate > 0 {
			s.chunk = int(int64(s.info.SampleRate)*int64(d)/int64(time.Second)) * max(s.info.Channels, 1)
		}
	}
}

// Open loads path into memory and returns a Source over it.
func Open(path string, opts ...SourceOption) (*Source, error) {
	samples, info, err := Read(path)
	if err != nil {
		return nil, err
	}
	s := &Source{
		samples: samples,
		info:    info,
		name:    "file:" + filepath.Base(path),
	}
	WithChunk(100 * time.Millisecond)(s)
	for _, o := range opts {
		o(s)
	}
	if s.chunk <= 0 {
		s.chunk = len(samples)
	}
	return s, nil
}

// Info returns the decoded file's format.
func (s *Source) Info() Info { return s.info }

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context) (audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	if s.pos >= len(s.samples) {
		return audio.Buffer{}, audio.ErrSourceDone
	}
	end := min(s.pos+s.chunk, len(s.samples))
	chunk := s.samples[s.pos:end]
	s.pos = end
	return audio.Buffer{
		Samples:    chunk,
		Encoding:   audio.EncodingFloat32,
		SampleRate: s.info.SampleRate,
		Channels:   s.info.Channels,
		Source:     s.name,
		Received:   time.Now(),
	}, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.samples = nil
	return nil
}

var _ audio.Source = (*Source)(nil)
