package nightbeam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNotSupported is returned when an optional operation is not supported.
var ErrNotSupported = errors.New("operation not supported")

// ErrSourceShared is returned when a capture parameter change is attempted
// on a physical source that currently feeds more than one session.
var ErrSourceShared = errors.New("source is shared by multiple sessions")

// SourceConfig describes a capture source's output.
type SourceConfig struct {
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	FPS    int         // Frames per second
	Format PixelFormat // Pixel format
}

// VideoSource produces raw video frames at the host's native timing.
type VideoSource interface {
	io.Closer

	// Start begins capture.
	Start(ctx context.Context) error

	// Stop halts capture.
	Stop() error

	// ReadFrame reads the next frame (blocking until the next capture
	// completes or ctx is cancelled). The returned frame is valid until
	// the next ReadFrame call or Close.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// Config returns the source configuration.
	Config() SourceConfig
}

// AudioSourceConfig describes an audio capture source's output.
type AudioSourceConfig struct {
	SampleRate int // Sample rate (e.g., 48000)
	Channels   int // Number of channels
	FrameMs    int // Capture buffer duration in milliseconds
}

// AudioSource produces raw audio samples at the host's native timing.
type AudioSource interface {
	io.Closer

	// Start begins capture.
	Start(ctx context.Context) error

	// Stop halts capture.
	Stop() error

	// ReadSamples reads the next audio buffer (blocking).
	ReadSamples(ctx context.Context) (*AudioSamples, error)

	// Config returns the source configuration.
	Config() AudioSourceConfig
}

// SharedVideoSource fans one physical capture source out to several
// sessions read-only. Each session attaches a tap; the underlying source is
// started when the first tap attaches and stopped when the last detaches.
// Capture parameters cannot be mutated while more than one tap is attached,
// so no session can reconfigure the device out from under another.
type SharedVideoSource struct {
	src VideoSource

	mu      sync.Mutex
	taps    map[*SourceTap]struct{}
	cancel  context.CancelFunc
	running bool
}

// NewSharedVideoSource wraps a physical video source for shared use.
func NewSharedVideoSource(src VideoSource) *SharedVideoSource {
	return &SharedVideoSource{
		src:  src,
		taps: make(map[*SourceTap]struct{}),
	}
}

// Config returns the underlying source configuration.
func (s *SharedVideoSource) Config() SourceConfig {
	return s.src.Config()
}

// TapCount returns the number of attached sessions.
func (s *SharedVideoSource) TapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

// Attach creates a tap delivering every captured frame to one session.
// The first attach starts the underlying source.
func (s *SharedVideoSource) Attach() (*SourceTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tap := &SourceTap{
		shared:  s,
		frameCh: make(chan *VideoFrame, 2),
		config:  s.src.Config(),
	}
	s.taps[tap] = struct{}{}

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		if err := s.src.Start(ctx); err != nil {
			cancel()
			delete(s.taps, tap)
			return nil, fmt.Errorf("failed to start shared source: %w", err)
		}
		s.cancel = cancel
		s.running = true
		go s.pumpLoop(ctx)
	}

	return tap, nil
}

// Reconfigure changes the underlying capture parameters. It is refused
// while more than one session is attached (coordinated reconfiguration
// happens at the session layer, one session at a time).
func (s *SharedVideoSource) Reconfigure(apply func(VideoSource) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.taps) > 1 {
		return ErrSourceShared
	}
	return apply(s.src)
}

// Close stops and closes the underlying source. Any attached taps see EOF.
func (s *SharedVideoSource) Close() error {
	s.mu.Lock()
	for tap := range s.taps {
		close(tap.frameCh)
		delete(s.taps, tap)
	}
	if s.running {
		s.cancel()
		s.running = false
	}
	s.mu.Unlock()

	s.src.Stop()
	return s.src.Close()
}

func (s *SharedVideoSource) pumpLoop(ctx context.Context) {
	for {
		frame, err := s.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if frame == nil {
			continue
		}

		s.mu.Lock()
		for tap := range s.taps {
			// Non-blocking: a slow session loses frames, it does not
			// stall capture or its siblings.
			select {
			case tap.frameCh <- frame.Clone():
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (s *SharedVideoSource) detach(tap *SourceTap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[tap]; !ok {
		return
	}
	delete(s.taps, tap)
	close(tap.frameCh)
	if len(s.taps) == 0 && s.running {
		s.cancel()
		s.running = false
		s.src.Stop()
	}
}

// SourceTap is one session's read-only view of a SharedVideoSource.
// It implements VideoSource.
type SourceTap struct {
	shared  *SharedVideoSource
	frameCh chan *VideoFrame
	config  SourceConfig
}

// Start is a no-op: the shared source runs while any tap is attached.
func (t *SourceTap) Start(ctx context.Context) error { return nil }

// Stop is a no-op for a tap; use Close to detach.
func (t *SourceTap) Stop() error { return nil }

// ReadFrame reads the next fanned-out frame.
func (t *SourceTap) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case frame, ok := <-t.frameCh:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config returns the shared source configuration.
func (t *SourceTap) Config() SourceConfig { return t.config }

// Close detaches the tap from the shared source.
func (t *SourceTap) Close() error {
	t.shared.detach(t)
	return nil
}
