package nightbeam

import (
	"sync"
	"sync/atomic"
	"time"
)

// NullVideoEncoder is the software fallback encoder: it frames raw pixel
// data as access units without compressing it. Keyframe semantics (first
// frame, forced requests, scheduled interval) are real, which makes it the
// encoder used by tests and by hosts that delegate compression elsewhere.
type NullVideoEncoder struct {
	mu     sync.Mutex
	config VideoEncoderConfig
	closed bool

	frameCount       uint64
	keyframeInterval uint64 // in frames, 0 = only first/forced
	forceKeyframe    atomic.Bool

	stats EncoderStats
}

// NewNullVideoEncoder creates a pass-through video encoder.
func NewNullVideoEncoder(cfg VideoEncoderConfig) *NullVideoEncoder {
	interval := uint64(0)
	if cfg.FPS > 0 {
		interval = uint64(cfg.FPS) * 2 // one scheduled keyframe every 2s
	}
	return &NullVideoEncoder{
		config:           cfg,
		keyframeInterval: interval,
	}
}

// Encode frames the raw data as one access unit.
func (e *NullVideoEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEncoderClosed
	}

	start := time.Now()

	frameType := FrameTypeDelta
	if e.frameCount == 0 || e.forceKeyframe.Swap(false) {
		frameType = FrameTypeKey
	} else if e.keyframeInterval > 0 && e.frameCount%e.keyframeInterval == 0 {
		frameType = FrameTypeKey
	}
	e.frameCount++

	size := 0
	for _, plane := range frame.Data {
		size += len(plane)
	}
	data := make([]byte, 0, size)
	for _, plane := range frame.Data {
		data = append(data, plane...)
	}

	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(len(data))
	e.stats.EncodeTimeUs += uint64(time.Since(start).Microseconds())
	if frameType == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}

	return &EncodedFrame{
		Kind:      KindVideo,
		FrameType: frameType,
		Timestamp: frame.Timestamp,
		Data:      data,
	}, nil
}

// RequestKeyframe forces the next encoded frame to be a keyframe.
func (e *NullVideoEncoder) RequestKeyframe() {
	e.forceKeyframe.Store(true)
}

// SetBitrate updates the target bitrate. The null encoder records it only.
func (e *NullVideoEncoder) SetBitrate(bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// SetResolution updates the encoding resolution.
func (e *NullVideoEncoder) SetResolution(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	e.config.Width = width
	e.config.Height = height
	return nil
}

// Config returns the encoder configuration.
func (e *NullVideoEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Stats returns encoding statistics.
func (e *NullVideoEncoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close releases the encoder.
func (e *NullVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// NullAudioEncoder passes PCM through unmodified.
type NullAudioEncoder struct {
	mu     sync.Mutex
	config AudioEncoderConfig
	closed bool
}

// NewNullAudioEncoder creates a pass-through audio encoder.
func NewNullAudioEncoder(cfg AudioEncoderConfig) *NullAudioEncoder {
	return &NullAudioEncoder{config: cfg}
}

// Encode frames the raw samples as one access unit.
func (e *NullAudioEncoder) Encode(samples *AudioSamples) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEncoderClosed
	}
	data := make([]byte, len(samples.Data))
	copy(data, samples.Data)
	return &EncodedFrame{
		Kind:      KindAudio,
		Timestamp: samples.Timestamp,
		Data:      data,
	}, nil
}

// Config returns the encoder configuration.
func (e *NullAudioEncoder) Config() AudioEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Close releases the encoder.
func (e *NullAudioEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// NullEncoderProvider creates pass-through encoders.
type NullEncoderProvider struct{}

// NewVideoEncoder creates a pass-through video encoder.
func (NullEncoderProvider) NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error) {
	return NewNullVideoEncoder(cfg), nil
}

// NewAudioEncoder creates a pass-through audio encoder.
func (NullEncoderProvider) NewAudioEncoder(cfg AudioEncoderConfig) (AudioEncoder, error) {
	return NewNullAudioEncoder(cfg), nil
}
