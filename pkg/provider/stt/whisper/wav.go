package whisper

import (
	"encoding/binary"

	"github.com/MrWong99/earmark/pkg/audio"
)

const bitsPerSample = 16

// encodeWAV wraps float samples as 16-bit mono PCM in a RIFF/WAV container
// held in memory for direct inclusion in a multipart upload.
func encodeWAV(samples []float32, sampleRate int) []byte {
	pcm := audio.EncodePCM16(samples)
	byteRate := sampleRate * bitsPerSample / 8
	blockAlign := bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
