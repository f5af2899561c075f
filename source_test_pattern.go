package nightbeam

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"
)

// TestPatternConfig configures a synthetic video capture source.
type TestPatternConfig struct {
	Width  int // Frame width (default: 1280)
	Height int // Frame height (default: 720)
	FPS    int // Frames per second (default: 30)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{Width: 1280, Height: 720, FPS: 30}
}

// TestPatternSource generates synthetic I420 frames (a moving box over a
// gray field) at a fixed cadence. It stands in for the platform capture
// backend in tests and in hosts without a display.
type TestPatternSource struct {
	config TestPatternConfig

	// Pre-allocated I420 frame buffer, regenerated per frame.
	frameData []byte
	yPlane    []byte
	uPlane    []byte
	vPlane    []byte

	frameDuration time.Duration
	frameCount    uint64
	startTime     time.Time

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	frameCh chan *VideoFrame
	doneCh  chan struct{}
}

// NewTestPatternSource creates a new synthetic video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}

	ySize := config.Width * config.Height
	uvSize := (config.Width / 2) * (config.Height / 2)
	frameData := make([]byte, ySize+uvSize*2)

	return &TestPatternSource{
		config:        config,
		frameData:     frameData,
		yPlane:        frameData[:ySize],
		uPlane:        frameData[ySize : ySize+uvSize],
		vPlane:        frameData[ySize+uvSize:],
		frameDuration: time.Second / time.Duration(config.FPS),
		frameCh:       make(chan *VideoFrame, 2),
	}
}

// Start begins generating frames.
func (s *TestPatternSource) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.startTime = time.Now()
	s.running.Store(true)

	go s.generateLoop()
	return nil
}

// Stop halts frame generation.
func (s *TestPatternSource) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.cancel()
	<-s.doneCh
	s.running.Store(false)
	return nil
}

// ReadFrame reads the next generated frame.
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case frame, ok := <-s.frameCh:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config returns the source configuration.
func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{
		Width:  s.config.Width,
		Height: s.config.Height,
		FPS:    s.config.FPS,
		Format: PixelFormatI420,
	}
}

// Close stops the source and releases its buffers.
func (s *TestPatternSource) Close() error {
	s.Stop()
	return nil
}

func (s *TestPatternSource) generateLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.generatePattern(s.frameCount)
		s.frameCount++

		// Emit copies: the scratch planes are rewritten on the next tick
		// while a consumer may still be reading the frame.
		frame := (&VideoFrame{
			Data:      [][]byte{s.yPlane, s.uPlane, s.vPlane},
			Stride:    []int{s.config.Width, s.config.Width / 2, s.config.Width / 2},
			Width:     s.config.Width,
			Height:    s.config.Height,
			Format:    PixelFormatI420,
			Timestamp: time.Since(s.startTime).Nanoseconds(),
		}).Clone()

		// Non-blocking: if the consumer lags the pattern keeps moving,
		// matching a real capture device.
		select {
		case s.frameCh <- frame:
		default:
		}
	}
}

// generatePattern draws a moving box over a mid-gray field.
func (s *TestPatternSource) generatePattern(frameNum uint64) {
	w, h := s.config.Width, s.config.Height

	for i := range s.yPlane {
		s.yPlane[i] = 0x80
	}
	for i := range s.uPlane {
		s.uPlane[i] = 0x80
		s.vPlane[i] = 0x80
	}

	boxSize := h / 4
	if boxSize < 8 {
		boxSize = 8
	}
	t := float64(frameNum) / float64(s.config.FPS)
	x := int((0.5 + 0.4*math.Sin(t)) * float64(w-boxSize))
	y := int((0.5 + 0.4*math.Cos(t*1.3)) * float64(h-boxSize))

	for row := y; row < y+boxSize && row < h; row++ {
		for col := x; col < x+boxSize && col < w; col++ {
			s.yPlane[row*w+col] = 0xEB
		}
	}
}

// TestToneConfig configures a synthetic audio capture source.
type TestToneConfig struct {
	SampleRate  int     // Sample rate (default: 48000)
	Channels    int     // Number of channels (default: 2)
	FrameMs     int     // Buffer duration in ms (default: 10)
	FrequencyHz float64 // Tone frequency (default: 440)
}

// DefaultTestToneConfig returns a default tone configuration.
func DefaultTestToneConfig() TestToneConfig {
	return TestToneConfig{SampleRate: 48000, Channels: 2, FrameMs: 10, FrequencyHz: 440}
}

// TestToneSource generates a sine tone as signed 16-bit PCM buffers.
type TestToneSource struct {
	config TestToneConfig

	samplesPerBuf  int
	bufferDuration time.Duration
	phase          float64
	bufCount       uint64
	startTime      time.Time

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	sampleCh chan *AudioSamples
	doneCh   chan struct{}
}

// NewTestToneSource creates a new synthetic audio source.
func NewTestToneSource(config TestToneConfig) *TestToneSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.FrameMs <= 0 {
		config.FrameMs = 10
	}
	if config.FrequencyHz <= 0 {
		config.FrequencyHz = 440
	}
	return &TestToneSource{
		config:         config,
		samplesPerBuf:  config.SampleRate * config.FrameMs / 1000,
		bufferDuration: time.Duration(config.FrameMs) * time.Millisecond,
		sampleCh:       make(chan *AudioSamples, 4),
	}
}

// Start begins generating audio buffers.
func (s *TestToneSource) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.startTime = time.Now()
	s.running.Store(true)

	go s.generateLoop()
	return nil
}

// Stop halts generation.
func (s *TestToneSource) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.cancel()
	<-s.doneCh
	s.running.Store(false)
	return nil
}

// ReadSamples reads the next generated buffer.
func (s *TestToneSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	select {
	case samples, ok := <-s.sampleCh:
		if !ok {
			return nil, io.EOF
		}
		return samples, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config returns the source configuration.
func (s *TestToneSource) Config() AudioSourceConfig {
	return AudioSourceConfig{
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		FrameMs:    s.config.FrameMs,
	}
}

// Close stops the source.
func (s *TestToneSource) Close() error {
	s.Stop()
	return nil
}

func (s *TestToneSource) generateLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.bufferDuration)
	defer ticker.Stop()

	step := 2 * math.Pi * s.config.FrequencyHz / float64(s.config.SampleRate)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		data := make([]byte, s.samplesPerBuf*s.config.Channels*2)
		for i := 0; i < s.samplesPerBuf; i++ {
			v := int16(math.Sin(s.phase) * 0.25 * math.MaxInt16)
			s.phase += step
			for ch := 0; ch < s.config.Channels; ch++ {
				idx := (i*s.config.Channels + ch) * 2
				data[idx] = byte(v)
				data[idx+1] = byte(v >> 8)
			}
		}
		s.bufCount++

		samples := &AudioSamples{
			Data:        data,
			SampleRate:  s.config.SampleRate,
			Channels:    s.config.Channels,
			SampleCount: s.samplesPerBuf,
			Timestamp:   time.Since(s.startTime).Nanoseconds(),
		}

		select {
		case s.sampleCh <- samples:
		default:
		}
	}
}
