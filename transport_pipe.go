package nightbeam

import (
	"bytes"
	"io"
	"sync"
)

// In-memory channel pair implementations backing the tests and loopback
// examples. The media pipe mimics an unreliable datagram path: writes into
// a full buffer are dropped, never blocked. The control pipe mimics a
// reliable ordered stream.

// mediaPipeHalf is one direction-aware end of a media pipe.
type mediaPipeHalf struct {
	in  *mediaQueue
	out *mediaQueue
}

type mediaQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	limit  int
	closed bool
}

func newMediaQueue(limit int) *mediaQueue {
	q := &mediaQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *mediaQueue) push(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.queue) >= q.limit {
		// Unreliable path: overflow is loss, not backpressure.
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.queue = append(q.queue, buf)
	q.cond.Signal()
}

func (q *mediaQueue) pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.queue) == 0 {
		return nil, io.EOF
	}
	data := q.queue[0]
	q.queue = q.queue[1:]
	return data, nil
}

func (q *mediaQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// WritePacket sends a datagram toward the peer, dropping on overflow.
func (h *mediaPipeHalf) WritePacket(data []byte) error {
	h.out.push(data)
	return nil
}

// ReadPacket receives the next datagram from the peer.
func (h *mediaPipeHalf) ReadPacket() ([]byte, error) {
	return h.in.pop()
}

// Close closes both directions of this end.
func (h *mediaPipeHalf) Close() error {
	h.in.close()
	h.out.close()
	return nil
}

// NewMediaPipe creates a connected pair of in-memory unreliable media
// channels with the given per-direction buffer.
func NewMediaPipe(buffer int) (MediaConn, MediaConn) {
	if buffer <= 0 {
		buffer = 256
	}
	ab := newMediaQueue(buffer)
	ba := newMediaQueue(buffer)
	return &mediaPipeHalf{in: ba, out: ab}, &mediaPipeHalf{in: ab, out: ba}
}

// controlPipeHalf is one end of an in-memory reliable ordered stream.
type controlPipeHalf struct {
	in  *controlBuffer
	out *controlBuffer
}

type controlBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newControlBuffer() *controlBuffer {
	b := &controlBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *controlBuffer) write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := b.buf.Write(data)
	b.cond.Signal()
	return n, err
}

func (b *controlBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

func (b *controlBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Read reads bytes sent by the peer.
func (h *controlPipeHalf) Read(p []byte) (int, error) {
	return h.in.read(p)
}

// Write sends bytes to the peer; reliable and ordered.
func (h *controlPipeHalf) Write(p []byte) (int, error) {
	return h.out.write(p)
}

// Close closes both directions of this end.
func (h *controlPipeHalf) Close() error {
	h.in.close()
	h.out.close()
	return nil
}

// NewControlPipe creates a connected pair of in-memory reliable control
// streams.
func NewControlPipe() (ControlConn, ControlConn) {
	ab := newControlBuffer()
	ba := newControlBuffer()
	return &controlPipeHalf{in: ba, out: ab}, &controlPipeHalf{in: ab, out: ba}
}

// PipeClient is the client end of an in-memory transport pair, used by
// tests to script a remote client.
type PipeClient struct {
	Media   MediaConn
	Control ControlConn
}

// SendControl writes one framed control message to the host.
func (c *PipeClient) SendControl(msg *ControlMessage) error {
	return WriteControl(c.Control, msg)
}

// ReadControl reads the host's next control message.
func (c *PipeClient) ReadControl() (*ControlMessage, error) {
	return ReadControl(c.Control)
}

// SendDatagram writes one raw datagram onto the media channel.
func (c *PipeClient) SendDatagram(data []byte) error {
	return c.Media.WritePacket(data)
}

// ReadMediaPacket reads the next shard packet sent by the host.
func (c *PipeClient) ReadMediaPacket() (*ShardPacket, error) {
	data, err := c.Media.ReadPacket()
	if err != nil {
		return nil, err
	}
	return UnmarshalShardPacket(data)
}

// Close closes both client channel ends.
func (c *PipeClient) Close() error {
	c.Media.Close()
	return c.Control.Close()
}

// NewPipeTransport creates a host TransportSession connected to an
// in-memory client end.
func NewPipeTransport(config TransportConfig) (*TransportSession, *PipeClient) {
	hostMedia, clientMedia := NewMediaPipe(config.MediaQueueLen)
	hostControl, clientControl := NewControlPipe()
	host := NewTransportSession(config, hostMedia, hostControl)
	return host, &PipeClient{Media: clientMedia, Control: clientControl}
}
