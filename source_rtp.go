package nightbeam

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"
)

// RTPIngestConfig configures ingest of an upstream H264 RTP feed.
type RTPIngestConfig struct {
	// ListenAddr is the UDP address the feed arrives on, e.g.
	// "0.0.0.0:5004".
	ListenAddr string

	// Width, Height, FPS describe the upstream feed; the ingest cannot
	// change them.
	Width  int
	Height int
	FPS    int

	Logger *logrus.Logger
}

// RTPIngestSource receives an upstream H264 RTP feed and reassembles it
// into access units. It feeds passthrough relay: the host forwards a
// remote camera or encoder box instead of capturing and encoding locally.
type RTPIngestSource struct {
	config RTPIngestConfig
	log    *logrus.Logger

	conn    *net.UDPConn
	frameCh chan *EncodedFrame

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRTPIngestSource creates an ingest source. Start binds the socket.
func NewRTPIngestSource(config RTPIngestConfig) (*RTPIngestSource, error) {
	if config.ListenAddr == "" {
		return nil, errors.New("empty listen address")
	}
	if config.Width <= 0 || config.Height <= 0 || config.FPS <= 0 {
		return nil, errors.New("invalid feed geometry")
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &RTPIngestSource{
		config:  config,
		log:     config.Logger,
		frameCh: make(chan *EncodedFrame, 4),
	}, nil
}

// Start binds the UDP socket and begins depacketizing.
func (s *RTPIngestSource) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("ingest already started")
	}
	addr, err := net.ResolveUDPAddr("udp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve ingest address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind ingest socket: %w", err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.receiveLoop(runCtx)
	return nil
}

// Stop halts reception.
func (s *RTPIngestSource) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
	return nil
}

// Close stops the source.
func (s *RTPIngestSource) Close() error {
	return s.Stop()
}

// Config returns the upstream feed geometry.
func (s *RTPIngestSource) Config() SourceConfig {
	return SourceConfig{
		Width:  s.config.Width,
		Height: s.config.Height,
		FPS:    s.config.FPS,
		Format: PixelFormatI420,
	}
}

// ReadEncoded returns the next reassembled access unit.
func (s *RTPIngestSource) ReadEncoded(ctx context.Context) (*EncodedFrame, error) {
	select {
	case frame, ok := <-s.frameCh:
		if !ok {
			return nil, ErrEncoderClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RTPIngestSource) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frameCh)

	var (
		buf     [maxDatagramSize]byte
		depack  codecs.H264Packet
		current []byte
		ts      uint32
	)
	for {
		n, _, err := s.conn.ReadFromUDP(buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Debug("ingest read failed")
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.WithError(err).Debug("bad rtp packet")
			continue
		}
		nal, err := depack.Unmarshal(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("bad h264 payload")
			continue
		}

		if len(current) > 0 && pkt.Timestamp != ts {
			// Timestamp changed without a marker; emit what we have.
			s.emit(current)
			current = nil
		}
		ts = pkt.Timestamp
		current = append(current, nal...)

		if pkt.Marker && len(current) > 0 {
			s.emit(current)
			current = nil
		}
	}
}

func (s *RTPIngestSource) emit(accessUnit []byte) {
	data := make([]byte, len(accessUnit))
	copy(data, accessUnit)

	frameType := FrameTypeDelta
	if IsH264Keyframe(data) {
		frameType = FrameTypeKey
	}
	frame := &EncodedFrame{
		Kind:      KindVideo,
		FrameType: frameType,
		Timestamp: time.Now().UnixMicro(),
		Data:      data,
	}
	select {
	case s.frameCh <- frame:
	default:
		// Slow consumer loses the unit; upstream pacing recovers.
	}
}

// IngestEncoder adapts an RTPIngestSource to the encoder seat for
// passthrough relay. Raw frames pace the pipeline; the bytes delivered
// come from the upstream feed. Bitrate and resolution belong to the
// upstream encoder and cannot be changed here.
type IngestEncoder struct {
	ingest *RTPIngestSource
	config VideoEncoderConfig

	waitKey atomic.Bool
	closed  atomic.Bool

	mu    sync.Mutex
	stats EncoderStats
}

// NewIngestEncoder wraps an ingest source. The ingest must be started
// before the first Encode call.
func NewIngestEncoder(ingest *RTPIngestSource) *IngestEncoder {
	cfg := ingest.Config()
	return &IngestEncoder{
		ingest: ingest,
		config: VideoEncoderConfig{
			Codec:  VideoCodecH264,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		},
	}
}

// Encode ignores the raw frame and returns the next upstream access unit.
// While a keyframe request is pending, delta units are discarded.
func (e *IngestEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if e.closed.Load() {
		return nil, ErrEncoderClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		out, err := e.ingest.ReadEncoded(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		if e.waitKey.Load() {
			if out.FrameType != FrameTypeKey {
				continue
			}
			e.waitKey.Store(false)
		}
		e.mu.Lock()
		e.stats.FramesEncoded++
		e.stats.BytesEncoded += uint64(len(out.Data))
		if out.FrameType == FrameTypeKey {
			e.stats.KeyframesEncoded++
		}
		e.mu.Unlock()
		return out, nil
	}
}

// RequestKeyframe discards delta units until the next upstream IDR.
func (e *IngestEncoder) RequestKeyframe() {
	e.waitKey.Store(true)
}

// SetBitrate is not supported for passthrough relay.
func (e *IngestEncoder) SetBitrate(bps int) error {
	return fmt.Errorf("%w: passthrough bitrate is set upstream", ErrNotSupported)
}

// SetResolution is not supported for passthrough relay.
func (e *IngestEncoder) SetResolution(width, height int) error {
	return fmt.Errorf("%w: passthrough resolution is set upstream", ErrNotSupported)
}

// Config returns the feed parameters.
func (e *IngestEncoder) Config() VideoEncoderConfig {
	return e.config
}

// Stats returns forwarding counters.
func (e *IngestEncoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close stops the underlying ingest.
func (e *IngestEncoder) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.ingest.Close()
}
