// Package audio holds the audio primitives shared by the capture, ingestion and
// segmentation layers of earmark.
//
// Audio enters the system as a [Buffer] in whatever shape the transport delivers
// (16-bit little-endian PCM from the WebSocket endpoint, float32 from a local
// capture source). A [Normalizer] validates and rebuffers those into
// fixed-size mono float [Frame] values, which are the unit every later stage
// operates on. The [Queue] sits between the transport and the normalizer and
// bounds how much audio may pile up when processing falls behind.
package audio

import "time"

// Encoding identifies the sample representation of a [Buffer].
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingFloat32 is float samples already scaled to roughly [-1, 1].
	EncodingFloat32 Encoding = "float32"
)

// Buffer is a transport-native chunk of audio as delivered by a capture source.
// Exactly one of PCM or Samples is populated, depending on Encoding.
type Buffer struct {
	// PCM holds raw little-endian int16 bytes when Encoding is EncodingPCM16.
	PCM []byte

	// Samples holds float samples when Encoding is EncodingFloat32.
	Samples []float32

	// Encoding selects which of PCM or Samples is meaningful.
	Encoding Encoding

	// SampleRate in Hz as declared by the source.
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Source identifies where the buffer came from, e.g. "ws:<conn-id>".
	Source string

	// Received is the wall-clock time the buffer reached the process.
	Received time.Time

	// EndOfStream marks a control buffer carrying no audio: the source has
	// gone away and any open speech segment must be closed.
	EndOfStream bool
}

// Len returns the number of samples (across all channels) in the buffer.
func (b Buffer) Len() int {
	if b.Encoding == EncodingFloat32 {
		return len(b.Samples)
	}
	return len(b.PCM) / 2
}

// Frame is a fixed-size block of mono float samples. Frames are produced only
// by a [Normalizer] and are never modified after emission.
type Frame struct {
	// Samples in [-Tolerance, Tolerance]; length is the configured frame size.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is always 1 after normalization.
	Channels int

	// Source is copied from the buffer that completed this frame.
	Source string

	// Seq increases by one for every frame emitted by the same normalizer.
	Seq uint64

	// Timestamp is the offset of the first sample relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
