package audio

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// flusher is implemented by sinks that can drop audio already handed to the
// output device, so an interrupt silences device-buffered frames too.
type flusher interface {
	Flush()
}

// PlaybackConfig describes the output audio shape and scheduling cadence.
type PlaybackConfig struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
	Tick           time.Duration
}

// DefaultPlaybackConfig returns the provider output shape: 24kHz mono PCM16
// drained in 20ms slices.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		SampleRate:     DefaultPlaybackRate,
		Channels:       1,
		BytesPerSample: 2,
		Tick:           20 * time.Millisecond,
	}
}

// Queue schedules received PCM buffers back-to-back onto an output sink. A
// single scheduler goroutine drains the queue at the real-time byte rate so
// buffers never gap or overlap. Flush drops queued-but-unplayed audio; Destroy
// stops the scheduler for good.
type Queue struct {
	cfg  PlaybackConfig
	sink io.Writer

	mu          sync.Mutex
	buffer      bytes.Buffer
	playedBytes int64
	queuedBytes int64

	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Bool

	errCh chan error
}

// NewQueue creates a playback queue draining into sink and starts its
// scheduler. A nil sink consumes audio silently, which tests use.
func NewQueue(cfg PlaybackConfig, sink io.Writer) *Queue {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultPlaybackRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BytesPerSample <= 0 {
		cfg.BytesPerSample = 2
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	go q.run()
	return q
}

// Enqueue appends a decoded PCM buffer to the playback queue.
func (q *Queue) Enqueue(pcm []byte) {
	if q == nil || len(pcm) == 0 || q.destroyed.Load() {
		return
	}
	q.mu.Lock()
	_, _ = q.buffer.Write(pcm)
	q.queuedBytes += int64(len(pcm))
	q.mu.Unlock()
}

// Flush immediately drops all queued-but-unplayed audio. Audio already played
// stays counted. The sink's own buffer is flushed too when it supports that.
func (q *Queue) Flush() {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.buffer.Reset()
	q.mu.Unlock()

	if f, ok := q.sink.(flusher); ok {
		f.Flush()
	}
}

// Destroy flushes the queue and stops the scheduler. Safe to call repeatedly.
func (q *Queue) Destroy() {
	if q == nil || !q.destroyed.CompareAndSwap(false, true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	q.buffer.Reset()
	q.mu.Unlock()
}

// ErrCh reports sink write failures. The channel never blocks the scheduler;
// only the first pending error is retained.
func (q *Queue) ErrCh() <-chan error {
	return q.errCh
}

// PlayedMS returns how much audio has been written to the sink so far.
func (q *Queue) PlayedMS() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return durationMSFromBytes(q.playedBytes, q.cfg)
}

// BufferedMS returns how much queued audio is still waiting to play.
func (q *Queue) BufferedMS() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return durationMSFromBytes(int64(q.buffer.Len()), q.cfg)
}

func (q *Queue) run() {
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.onTick()
		}
	}
}

func (q *Queue) onTick() {
	bytesPerSecond := int64(q.cfg.SampleRate * q.cfg.Channels * q.cfg.BytesPerSample)
	if bytesPerSecond <= 0 {
		return
	}
	bytesPerTick := bytesPerSecond * int64(q.cfg.Tick) / int64(time.Second)
	if bytesPerTick <= 0 {
		bytesPerTick = 1
	}

	var toPlay []byte
	q.mu.Lock()
	if q.buffer.Len() > 0 {
		n := int(bytesPerTick)
		if n > q.buffer.Len() {
			n = q.buffer.Len()
		}
		toPlay = make([]byte, n)
		_, _ = io.ReadFull(&q.buffer, toPlay)
		q.playedBytes += int64(n)
	}
	q.mu.Unlock()

	if len(toPlay) == 0 || q.sink == nil {
		return
	}
	if _, err := q.sink.Write(toPlay); err != nil {
		select {
		case q.errCh <- err:
		default:
		}
	}
}

func durationMSFromBytes(n int64, cfg PlaybackConfig) int64 {
	bytesPerSecond := int64(cfg.SampleRate * cfg.Channels * cfg.BytesPerSample)
	if bytesPerSecond <= 0 || n <= 0 {
		return 0
	}
	return (n * 1000) / bytesPerSecond
}
