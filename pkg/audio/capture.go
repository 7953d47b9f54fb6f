package audio

import "sync/atomic"

// Source delivers device-rate float PCM frames to a consumer. Implementations
// own the underlying input device: Start begins frame delivery, Stop releases
// the device. Stop must be safe to call more than once.
type Source interface {
	Start(fn func(samples []float32)) error
	Stop() error
	SampleRate() int
}

// Chunk is one capture frame converted for the wire.
type Chunk struct {
	// Data is base64-encoded PCM16LE at the target rate.
	Data     string
	MimeType string
	// RMS is the loudness estimate for this chunk, used for barge-in detection.
	RMS     float64
	Samples int
}

// ChunkFunc receives converted capture chunks.
type ChunkFunc func(Chunk)

// CaptureConfig describes the conversion from device rate to wire rate.
type CaptureConfig struct {
	SourceRate int
	TargetRate int
}

// DefaultCaptureConfig returns a capture config targeting the provider rate.
func DefaultCaptureConfig(sourceRate int) CaptureConfig {
	return CaptureConfig{
		SourceRate: sourceRate,
		TargetRate: DefaultCaptureRate,
	}
}

// Capture converts pushed device frames into encoded wire chunks. One Push
// yields at most one chunk; frames arrive on the device's cadence and leave on
// the same cadence. Capture is push-driven so device callbacks feed it
// directly.
type Capture struct {
	cfg     CaptureConfig
	fn      ChunkFunc
	mime    string
	stopped atomic.Bool
}

// NewCapture creates a capture converter delivering chunks to fn.
func NewCapture(cfg CaptureConfig, fn ChunkFunc) *Capture {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultCaptureRate
	}
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = cfg.TargetRate
	}
	return &Capture{
		cfg:  cfg,
		fn:   fn,
		mime: PCMMimeType(cfg.TargetRate),
	}
}

// Push converts one device frame and delivers the resulting chunk. Frames
// pushed after Stop are dropped.
func (c *Capture) Push(samples []float32) {
	if c == nil || c.stopped.Load() || len(samples) == 0 || c.fn == nil {
		return
	}

	converted := Downsample(samples, c.cfg.SourceRate, c.cfg.TargetRate)
	if len(converted) == 0 {
		return
	}
	pcm := Float32ToPCM16(converted)

	c.fn(Chunk{
		Data:     EncodeChunk(pcm),
		MimeType: c.mime,
		RMS:      RMS(pcm),
		Samples:  len(converted),
	})
}

// Stop makes all further Push calls no-ops.
func (c *Capture) Stop() {
	if c != nil {
		c.stopped.Store(true)
	}
}
