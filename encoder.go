package nightbeam

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Common encoder errors.
var (
	ErrEncoderClosed = errors.New("encoder closed")
	ErrEncoderBusy   = errors.New("encoder already leased")
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec      VideoCodec // Codec type
	Width      int        // Frame width
	Height     int        // Frame height
	FPS        int        // Target framerate
	BitrateBps int        // Target bitrate in bits per second

	MaxBitrateBps int // Bitrate ceiling (0 = BitrateBps)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      codec,
		Width:      width,
		Height:     height,
		FPS:        60,
		BitrateBps: 10_000_000,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
	EncodeTimeUs     uint64 // Total encoding time in microseconds
}

// VideoEncoder compresses raw video frames into access units.
// Implementations wrap hardware or software codecs; the bitstream format is
// their business. An encoder is exclusively owned by one session's
// orchestrator for the session's lifetime (see EncoderLease).
type VideoEncoder interface {
	io.Closer

	// Encode encodes one raw frame into an access unit.
	// Returns nil if the encoder is buffering and no output is ready.
	// The returned frame's Seq is zero; the pipeline stamps it.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next encoded frame to be a keyframe.
	RequestKeyframe()

	// SetBitrate updates the target bitrate dynamically.
	SetBitrate(bitrateBps int) error

	// SetResolution updates the encoding resolution dynamically.
	// Implementations without dynamic resolution return ErrNotSupported;
	// the orchestrator then recreates the encoder via its provider.
	SetResolution(width, height int) error

	// Config returns the encoder configuration.
	Config() VideoEncoderConfig

	// Stats returns encoding statistics.
	Stats() EncoderStats
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec      AudioCodec // Codec type
	SampleRate int        // Sample rate (e.g., 48000)
	Channels   int        // Number of channels
	BitrateBps int        // Target bitrate in bps
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig(codec AudioCodec) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:      codec,
		SampleRate: 48000,
		Channels:   2,
		BitrateBps: 128_000,
	}
}

// AudioEncoder compresses raw audio buffers into access units.
type AudioEncoder interface {
	io.Closer

	// Encode encodes one buffer of samples into an access unit.
	// Returns nil if the encoder is buffering.
	Encode(samples *AudioSamples) (*EncodedFrame, error)

	// Config returns the encoder configuration.
	Config() AudioEncoderConfig
}

// EncoderProvider creates encoders for negotiated session parameters.
// The example host plugs hardware providers in here; tests and the software
// fallback use the null provider.
type EncoderProvider interface {
	// NewVideoEncoder creates a video encoder for the given configuration.
	NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error)

	// NewAudioEncoder creates an audio encoder for the given configuration.
	NewAudioEncoder(cfg AudioEncoderConfig) (AudioEncoder, error)
}

// EncoderLease enforces exclusive encoder ownership: one session acquires
// the lease for its lifetime and must release it at teardown before another
// session can acquire it. Encoders are not time-shared mid-frame.
type EncoderLease struct {
	mu     sync.Mutex
	holder string // session ID, empty when free
	enc    VideoEncoder
}

// NewEncoderLease creates a lease around a video encoder.
func NewEncoderLease(enc VideoEncoder) *EncoderLease {
	return &EncoderLease{enc: enc}
}

// Acquire takes exclusive ownership for the given session.
func (l *EncoderLease) Acquire(sessionID string) (VideoEncoder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return nil, fmt.Errorf("%w: held by session %s", ErrEncoderBusy, l.holder)
	}
	l.holder = sessionID
	return l.enc, nil
}

// Release returns the encoder. Releasing a lease the session does not hold
// is a no-op.
func (l *EncoderLease) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == sessionID {
		l.holder = ""
	}
}

// Holder returns the session currently holding the lease, or "".
func (l *EncoderLease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
