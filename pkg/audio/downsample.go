package audio

// Downsample reduces the sample rate of float PCM by integer block averaging.
// The ratio is srcRate/dstRate truncated to an integer; the output length is
// len(samples)/ratio. Each output sample is the mean of one input block, which
// doubles as a crude low-pass filter. When srcRate <= dstRate the input is
// returned unchanged.
func Downsample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate <= dstRate {
		return samples
	}
	ratio := srcRate / dstRate
	if ratio <= 1 {
		return samples
	}

	out := make([]float32, len(samples)/ratio)
	for i := range out {
		var sum float32
		base := i * ratio
		for j := 0; j < ratio; j++ {
			sum += samples[base+j]
		}
		out[i] = sum / float32(ratio)
	}
	return out
}
