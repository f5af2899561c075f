package nightbeam

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport errors.
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrControlSendTimeout = errors.New("control send timed out")
)

// MediaConn is a message-oriented, best-effort, unordered channel. Writes
// may be dropped by the network; reads block until a datagram arrives or
// the connection closes (io.EOF).
type MediaConn interface {
	WritePacket(data []byte) error
	ReadPacket() ([]byte, error)
	Close() error
}

// ControlConn is an ordered, reliable byte stream carrying length-prefixed
// control messages.
type ControlConn interface {
	io.ReadWriteCloser
}

// TransportEventType classifies inbound transport events.
type TransportEventType int

const (
	EventControl      TransportEventType = iota // ControlMessage from the reliable channel
	EventFeedback                               // Raw input/feedback datagram from the media channel
	EventLivenessLost                           // No traffic within the liveness timeout
	EventClosed                                 // Client disconnected or transport closed
)

func (t TransportEventType) String() string {
	switch t {
	case EventControl:
		return "control"
	case EventFeedback:
		return "feedback"
	case EventLivenessLost:
		return "livenessLost"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportEvent is one inbound event delivered to the state machine and
// the input sink.
type TransportEvent struct {
	Type     TransportEventType
	Message  *ControlMessage // Set for EventControl
	Datagram []byte          // Set for EventFeedback
	Err      error           // Set for EventClosed when abnormal
}

// TransportStats counts transport outcomes.
type TransportStats struct {
	MediaSent        uint64 // Shard packets handed to the media channel
	MediaDropped     uint64 // Shard packets shed at the full outbound queue
	ControlSent      uint64
	ControlReceived  uint64
	FeedbackReceived uint64
}

// TransportConfig configures a transport session.
type TransportConfig struct {
	// MediaQueueLen bounds the outbound media queue. SendMedia never
	// blocks: packets past the bound are dropped and counted. Default 256.
	MediaQueueLen int

	// ControlSendTimeout bounds SendControl. Default 2s.
	ControlSendTimeout time.Duration

	// LivenessTimeout is the maximum client silence before the session is
	// declared dead. Default 10s.
	LivenessTimeout time.Duration

	// Logger receives transport diagnostics. Default logrus standard logger.
	Logger *logrus.Logger
}

func (c *TransportConfig) applyDefaults() {
	if c.MediaQueueLen <= 0 {
		c.MediaQueueLen = 256
	}
	if c.ControlSendTimeout <= 0 {
		c.ControlSendTimeout = 2 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// DefaultLivenessTimeout is the liveness timeout advertised to clients
// when the host uses the default configuration.
const DefaultLivenessTimeout = 10 * time.Second

type controlSend struct {
	msg    *ControlMessage
	result chan error
}

// TransportSession owns the two per-client channels: an ordered/reliable
// control channel and a best-effort low-latency media channel. Sends are
// non-blocking (media) or bounded by a short timeout (control); inbound
// traffic of both channels is surfaced as a single event stream that ends
// when the client disconnects or the session is torn down.
type TransportSession struct {
	config  TransportConfig
	media   MediaConn
	control ControlConn
	log     *logrus.Logger

	sendQ    chan []byte
	controlQ chan controlSend
	events   chan TransportEvent

	lastRecv  atomic.Int64 // unix nanos of last inbound traffic
	qos       atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	loops     sync.WaitGroup

	statsMu sync.Mutex
	stats   TransportStats
}

// NewTransportSession wires a transport session over the given channel
// implementations and starts its send/receive loops.
func NewTransportSession(config TransportConfig, media MediaConn, control ControlConn) *TransportSession {
	config.applyDefaults()
	t := &TransportSession{
		config:   config,
		media:    media,
		control:  control,
		log:      config.Logger,
		sendQ:    make(chan []byte, config.MediaQueueLen),
		controlQ: make(chan controlSend),
		events:   make(chan TransportEvent, 64),
		done:     make(chan struct{}),
	}
	t.lastRecv.Store(time.Now().UnixNano())

	t.loops.Add(4)
	go t.mediaWriteLoop()
	go t.controlWriteLoop()
	go t.mediaReadLoop()
	go t.controlReadLoop()
	go t.livenessLoop()
	go t.closeEventsWhenDone()
	return t
}

// SendMedia enqueues one shard packet for best-effort delivery. It never
// blocks the caller: when the outbound queue is full the packet is dropped
// silently and counted. The orchestrator's block-level bound is the real
// backpressure point.
func (t *TransportSession) SendMedia(pkt *ShardPacket) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	select {
	case t.sendQ <- data:
		t.statsMu.Lock()
		t.stats.MediaSent++
		t.statsMu.Unlock()
	default:
		t.statsMu.Lock()
		t.stats.MediaDropped++
		t.statsMu.Unlock()
	}
	return nil
}

// SendControl enqueues a message for reliable, ordered delivery. It blocks
// at most the configured control send timeout, then reports a transport
// error; an expired ctx cancels the wait earlier.
func (t *TransportSession) SendControl(ctx context.Context, msg *ControlMessage) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	send := controlSend{msg: msg, result: make(chan error, 1)}
	timer := time.NewTimer(t.config.ControlSendTimeout)
	defer timer.Stop()

	select {
	case t.controlQ <- send:
	case <-timer.C:
		return ErrControlSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}

	select {
	case err := <-send.result:
		if err != nil {
			return err
		}
		t.statsMu.Lock()
		t.stats.ControlSent++
		t.statsMu.Unlock()
		return nil
	case <-timer.C:
		return ErrControlSendTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}
}

// Events returns the inbound event stream. It is closed after the
// transport shuts down, ending the sequence.
func (t *TransportSession) Events() <-chan TransportEvent {
	return t.events
}

// LivenessTimeout returns the configured client silence limit.
func (t *TransportSession) LivenessTimeout() time.Duration {
	return t.config.LivenessTimeout
}

// SetQoS records the client's request for low-latency traffic marking.
// Marking is applied where the underlying channel exposes a socket; the
// in-memory and data-channel transports only record and log it.
func (t *TransportSession) SetQoS(enabled bool) {
	t.qos.Store(enabled)
	t.log.WithField("qos", enabled).Info("traffic marking negotiated")
}

// QoS reports whether low-latency traffic marking was negotiated.
func (t *TransportSession) QoS() bool {
	return t.qos.Load()
}

// MediaQueueDepth returns the current outbound media queue depth.
func (t *TransportSession) MediaQueueDepth() int {
	return len(t.sendQ)
}

// Stats returns transport counters.
func (t *TransportSession) Stats() TransportStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// Close tears the transport down: both channels close, in-flight loops
// stop, and the event stream ends.
func (t *TransportSession) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.media.Close()
		t.control.Close()
	})
	return nil
}

func (t *TransportSession) touch() {
	t.lastRecv.Store(time.Now().UnixNano())
}

func (t *TransportSession) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *TransportSession) mediaWriteLoop() {
	defer t.loops.Done()
	for {
		select {
		case data := <-t.sendQ:
			if err := t.media.WritePacket(data); err != nil {
				if !t.closed.Load() {
					t.log.WithError(err).Debug("media write failed")
				}
			}
		case <-t.done:
			return
		}
	}
}

func (t *TransportSession) controlWriteLoop() {
	defer t.loops.Done()
	for {
		select {
		case send := <-t.controlQ:
			send.result <- WriteControl(t.control, send.msg)
		case <-t.done:
			return
		}
	}
}

func (t *TransportSession) mediaReadLoop() {
	defer t.loops.Done()
	for {
		data, err := t.media.ReadPacket()
		if err != nil {
			if !t.closed.Load() {
				t.log.WithError(err).Debug("media channel closed")
			}
			return
		}
		t.touch()

		// Keepalive probes refresh liveness but carry nothing.
		if len(data) == 4 && string(data) == "PING" {
			continue
		}
		t.statsMu.Lock()
		t.stats.FeedbackReceived++
		t.statsMu.Unlock()
		t.emit(TransportEvent{Type: EventFeedback, Datagram: data})
	}
}

func (t *TransportSession) controlReadLoop() {
	defer t.loops.Done()
	for {
		msg, err := ReadControl(t.control)
		if err != nil {
			if t.closed.Load() || errors.Is(err, io.EOF) {
				t.emit(TransportEvent{Type: EventClosed})
			} else {
				t.emit(TransportEvent{Type: EventClosed, Err: err})
			}
			t.Close()
			return
		}
		t.touch()
		t.statsMu.Lock()
		t.stats.ControlReceived++
		t.statsMu.Unlock()
		t.emit(TransportEvent{Type: EventControl, Message: msg})
	}
}

// livenessLoop declares the session dead after configured silence. This is
// the sole implicit death trigger; explicit teardown arrives as a control
// message.
func (t *TransportSession) livenessLoop() {
	interval := t.config.LivenessTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, t.lastRecv.Load()))
			if silent >= t.config.LivenessTimeout {
				t.log.WithField("silent", silent.String()).Warn("client liveness lost")
				t.emit(TransportEvent{Type: EventLivenessLost})
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *TransportSession) closeEventsWhenDone() {
	<-t.done
	t.loops.Wait()
	close(t.events)
}
