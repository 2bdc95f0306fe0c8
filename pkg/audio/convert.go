package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcm16Scale maps int16 full scale onto [-1, 1).
const pcm16Scale = 32768.0

// DecodePCM16 converts little-endian int16 PCM to float samples by dividing
// each value by 32768. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcm16Scale
	}
	return out
}

// EncodePCM16 converts float samples to little-endian int16 PCM, clamping
// anything outside [-1, 1] first.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ClampToInt16(s)))
	}
	return out
}

// ClampToInt16 scales a float sample to int16, saturating at the int16 range.
// NaN maps to 0.
func ClampToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * pcm16Scale
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// StereoToMono averages interleaved L+R float pairs. A dangling left sample
// without its right partner is dropped.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
