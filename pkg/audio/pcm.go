// Package audio provides the capture and playback primitives for live voice
// sessions: PCM16 conversion, block-average downsampling, loudness estimation,
// and a scheduled playback queue.
package audio

import (
	"encoding/base64"
	"fmt"
)

const (
	// DefaultCaptureRate is the sample rate the provider expects for inbound speech.
	DefaultCaptureRate = 16000
	// DefaultPlaybackRate is the sample rate of provider speech output.
	DefaultPlaybackRate = 24000
)

// Float32ToPCM16 converts float samples to little-endian 16-bit PCM.
// Samples are clamped to [-1, 1] first. Negative samples scale by 0x8000 and
// positive by 0x7fff so both extremes map exactly onto the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		var v int16
		if sample < 0 {
			v = int16(sample * 0x8000)
		} else {
			v = int16(sample * 0x7fff)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian 16-bit PCM to float samples in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		v := int16(data[i]) | int16(data[i+1])<<8
		if v < 0 {
			out[i/2] = float32(v) / 0x8000
		} else {
			out[i/2] = float32(v) / 0x7fff
		}
	}
	return out
}

// EncodeChunk base64-encodes a PCM payload for a JSON media chunk.
func EncodeChunk(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeChunk decodes a base64 media chunk payload back into PCM bytes.
func DecodeChunk(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// PCMMimeType returns the media chunk mime type for a given sample rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
