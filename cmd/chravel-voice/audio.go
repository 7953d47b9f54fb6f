package main

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// micSource captures device-rate PCM from the default microphone and delivers
// it to the session as float frames. It implements audio.Source.
//
// The miniaudio data callback only appends to a buffer; a dedicated goroutine
// slices full periods out and hands them to the consumer, so a slow websocket
// write never blocks the device thread.
type micSource struct {
	rate     int
	periodMS int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool

	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

func newMicSource(rate, periodMS int) *micSource {
	m := &micSource{rate: rate, periodMS: periodMS}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *micSource) SampleRate() int { return m.rate }

// Start opens the default capture device and begins frame delivery.
func (m *micSource) Start(fn func(samples []float32)) error {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.rate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.periodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return fmt.Errorf("start microphone: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		// Stop ran while the device was initializing.
		m.mu.Unlock()
		device.Stop()
		device.Uninit()
		_ = mctx.Uninit()
		return nil
	}
	m.mctx = mctx
	m.device = device
	m.mu.Unlock()

	go m.deliver(fn)
	return nil
}

func (m *micSource) deliver(fn func(samples []float32)) {
	periodBytes := m.rate * m.periodMS / 1000 * 2
	if periodBytes <= 0 {
		periodBytes = 2
	}
	for {
		m.mu.Lock()
		for len(m.buf) < periodBytes && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		frame := make([]byte, periodBytes)
		copy(frame, m.buf)
		m.buf = m.buf[periodBytes:]
		m.mu.Unlock()

		fn(pcm16ToFloat32(frame))
	}
}

// Stop releases the capture device. Safe to call more than once.
func (m *micSource) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	device := m.device
	mctx := m.mctx
	m.device = nil
	m.mctx = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	if device != nil {
		device.Stop()
		device.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
	}
	return nil
}

func pcm16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// speaker plays model audio through the default output device. It implements
// io.Writer for the playback queue; Flush drops buffered audio so an
// interruption goes silent immediately instead of draining the device buffer.
type speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
}

func newSpeaker(sampleRate, bufferMS int) (*speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &speaker{otoCtx: otoCtx}
	s.cond = sync.NewCond(&s.mu)
	// The player is created lazily on the first write, so nothing holds the
	// output stream open while the session is still connecting.
	return s, nil
}

// Write queues PCM for playback. Writes after Close are dropped.
func (s *speaker) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return len(data), nil
	}
	s.buf = append(s.buf, data...)

	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}

	s.cond.Signal()
	return len(data), nil
}

// Read implements io.Reader for oto.Player.
func (s *speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Return silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards all buffered audio and tears the player down so stale model
// speech cannot play over what follows. The next write starts a fresh player.
func (s *speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]

	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		// Pause immediately to stop audio, then reset to clear oto's
		// internal buffer.
		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

// Close stops playback for good.
func (s *speaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
}
