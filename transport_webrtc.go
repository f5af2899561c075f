package nightbeam

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	controlChannelLabel = "nightbeam-control"
	mediaChannelLabel   = "nightbeam-media"

	// Detached data channel reads need a scratch buffer at least as large
	// as the biggest message either side sends.
	maxDatagramSize = 65536
)

// WebRTCConfig configures the WebRTC transport for one client.
type WebRTCConfig struct {
	// ICEServers lists STUN/TURN URLs. Empty means host candidates only,
	// fine on a LAN.
	ICEServers []string

	// OpenTimeout bounds the wait for both data channels to open.
	// Default 30s.
	OpenTimeout time.Duration

	Logger *logrus.Logger
}

func (c *WebRTCConfig) applyDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// WebRTCTransport owns one peer connection carrying the two session
// channels: ordered reliable control and unordered lossy media. The host
// is the offerer; it creates both channels and detaches them once open.
type WebRTCTransport struct {
	pc          *webrtc.PeerConnection
	log         *logrus.Logger
	openTimeout time.Duration

	mu      sync.Mutex
	control datachannel.ReadWriteCloser
	media   datachannel.ReadWriteCloser
	ready   chan struct{} // closed when both channels are detached
	readyWg sync.WaitGroup
}

// NewWebRTCTransport creates the peer connection and both data channels.
// Call Offer, deliver the SDP to the client, feed its answer to SetAnswer,
// then Session once Ready closes.
func NewWebRTCTransport(config WebRTCConfig) (*WebRTCTransport, error) {
	config.applyDefaults()

	se := webrtc.SettingEngine{
		LoggerFactory: &pionLoggerFactory{log: config.Logger},
	}
	se.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var iceServers []webrtc.ICEServer
	for _, url := range config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &WebRTCTransport{
		pc:          pc,
		log:         config.Logger,
		openTimeout: config.OpenTimeout,
		ready:       make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.WithField("state", s.String()).Debug("peer connection state")
	})

	ordered := true
	if err := t.createChannel(controlChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	}, func(raw datachannel.ReadWriteCloser) {
		t.mu.Lock()
		t.control = raw
		t.mu.Unlock()
	}); err != nil {
		pc.Close()
		return nil, err
	}

	unordered := false
	var maxRetransmits uint16
	if err := t.createChannel(mediaChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	}, func(raw datachannel.ReadWriteCloser) {
		t.mu.Lock()
		t.media = raw
		t.mu.Unlock()
	}); err != nil {
		pc.Close()
		return nil, err
	}

	go func() {
		t.readyWg.Wait()
		close(t.ready)
	}()

	return t, nil
}

func (t *WebRTCTransport) createChannel(label string, init *webrtc.DataChannelInit, bind func(datachannel.ReadWriteCloser)) error {
	dc, err := t.pc.CreateDataChannel(label, init)
	if err != nil {
		return fmt.Errorf("failed to create %s channel: %w", label, err)
	}
	t.readyWg.Add(1)
	dc.OnOpen(func() {
		defer t.readyWg.Done()
		raw, err := dc.Detach()
		if err != nil {
			t.log.WithError(err).WithField("label", label).Error("data channel detach failed")
			return
		}
		bind(raw)
		t.log.WithField("label", label).Debug("data channel open")
	})
	return nil
}

// Offer produces the local SDP after ICE gathering completes.
func (t *WebRTCTransport) Offer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return t.pc.LocalDescription().SDP, nil
}

// SetAnswer applies the client's SDP answer.
func (t *WebRTCTransport) SetAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// Ready closes once both data channels are open and detached.
func (t *WebRTCTransport) Ready() <-chan struct{} {
	return t.ready
}

// Session wraps the detached channels in a running TransportSession. It
// blocks until the channels open or the configured timeout elapses.
func (t *WebRTCTransport) Session(config TransportConfig) (*TransportSession, error) {
	select {
	case <-t.ready:
	case <-time.After(t.openTimeout):
		return nil, errors.New("data channels did not open in time")
	}

	t.mu.Lock()
	control, media := t.control, t.media
	t.mu.Unlock()
	if control == nil || media == nil {
		return nil, errors.New("data channel detach failed")
	}

	return NewTransportSession(config,
		&webrtcMediaConn{ch: media},
		newWebRTCStream(control),
	), nil
}

// Close tears down the peer connection and both channels.
func (t *WebRTCTransport) Close() error {
	return t.pc.Close()
}

// webrtcMediaConn adapts a detached unreliable data channel to MediaConn.
// Each packet is one SCTP message.
type webrtcMediaConn struct {
	ch  datachannel.ReadWriteCloser
	buf [maxDatagramSize]byte
}

func (c *webrtcMediaConn) WritePacket(data []byte) error {
	_, err := c.ch.Write(data)
	return err
}

func (c *webrtcMediaConn) ReadPacket() ([]byte, error) {
	n, err := c.ch.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

func (c *webrtcMediaConn) Close() error { return c.ch.Close() }

// webrtcStream presents a detached ordered reliable data channel as a byte
// stream. Reads drain one message at a time into an internal buffer so
// length-prefixed framing reassembles correctly across message boundaries.
type webrtcStream struct {
	ch datachannel.ReadWriteCloser

	mu      sync.Mutex
	pending []byte
	scratch [maxDatagramSize]byte
}

func newWebRTCStream(ch datachannel.ReadWriteCloser) *webrtcStream {
	return &webrtcStream{ch: ch}
}

func (s *webrtcStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		n, err := s.ch.Read(s.scratch[:])
		if err != nil {
			return 0, err
		}
		s.pending = append(s.pending, s.scratch[:n]...)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *webrtcStream) Write(p []byte) (int, error) {
	return s.ch.Write(p)
}

func (s *webrtcStream) Close() error { return s.ch.Close() }

// pionLoggerFactory routes pion's internal logging through logrus.
type pionLoggerFactory struct {
	log *logrus.Logger
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.log.WithField("scope", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string)                  { l.entry.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
