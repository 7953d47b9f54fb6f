package audio

import "math"

// RMS calculates the root mean square energy of 16-bit PCM audio data.
// Returns a value between 0.0 (silence) and 1.0 (maximum).
func RMS(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}

	var sum float64
	samples := len(data) / 2

	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// Peak returns the peak amplitude of 16-bit PCM audio data,
// normalized to [0.0, 1.0].
func Peak(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}

	var peak float64
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		amplitude := math.Abs(float64(sample) / 32768.0)
		if amplitude > peak {
			peak = amplitude
		}
	}

	return peak
}
