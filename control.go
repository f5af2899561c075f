package nightbeam

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ControlType identifies a control message.
type ControlType uint8

const (
	MsgOffer        ControlType = iota + 1 // Client capability offer
	MsgAnswer                              // Host accepted parameter set
	MsgReject                              // Host rejected the offer
	MsgSetup                               // Client setup (binds the session)
	MsgPlay                                // Start or resume delivery
	MsgPause                               // Suspend delivery, keep session
	MsgTeardown                            // End the session
	MsgReconfigure                         // Change resolution/bitrate mid-session
	MsgReconfigured                        // Host ack: new parameters live
	MsgHeartbeat                           // Client liveness ping
	MsgLossReport                          // Client loss statistics
	MsgInput                               // Input event carried on the reliable channel
	MsgError                               // Host error reply (no state change)
)

func (t ControlType) String() string {
	switch t {
	case MsgOffer:
		return "offer"
	case MsgAnswer:
		return "answer"
	case MsgReject:
		return "reject"
	case MsgSetup:
		return "setup"
	case MsgPlay:
		return "play"
	case MsgPause:
		return "pause"
	case MsgTeardown:
		return "teardown"
	case MsgReconfigure:
		return "reconfigure"
	case MsgReconfigured:
		return "reconfigured"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgLossReport:
		return "lossReport"
	case MsgInput:
		return "input"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("controlType(%d)", uint8(t))
	}
}

// Control framing errors.
var (
	ErrControlTooLarge  = errors.New("control message too large")
	ErrUnknownControl   = errors.New("unknown control message type")
	ErrControlMalformed = errors.New("malformed control message")
)

// maxControlLen bounds one framed control message.
const maxControlLen = 1 << 20

// VideoParams are the negotiated video parameters of a session.
type VideoParams struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
	BitrateBps int    `json:"bitrateBps"` // Bitrate ceiling
	Codec      string `json:"codec"`      // Codec identifier (see ParseVideoCodec)
}

// AudioParams are the negotiated audio parameters of a session.
type AudioParams struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitrateBps int    `json:"bitrateBps"`
	Codec      string `json:"codec"`
}

// Offer is the client's capability offer opening negotiation.
type Offer struct {
	Video VideoParams `json:"video"`
	Audio AudioParams `json:"audio"`

	// MinFecShards is the client's required minimum parity shard count
	// per keyframe block.
	MinFecShards int `json:"minFecShards"`

	// QoS asks the host to mark media traffic for low-latency handling
	// where the transport supports it.
	QoS bool `json:"qos"`
}

// Answer carries the host's accepted parameter set.
type Answer struct {
	SessionID string      `json:"sessionId"`
	Video     VideoParams `json:"video"`
	Audio     AudioParams `json:"audio"`

	// FecShardSize is the data shard size the host will use, fixed for
	// the session.
	FecShardSize int `json:"fecShardSize"`

	// LivenessTimeoutSec tells the client how much silence the host
	// tolerates before tearing the session down.
	LivenessTimeoutSec int `json:"livenessTimeoutSec"`
}

// Reject carries the host's refusal of an offer.
type Reject struct {
	Reason string `json:"reason"`
}

// Setup binds the negotiated session before play.
type Setup struct {
	SessionID string `json:"sessionId"`
}

// Play starts or resumes frame delivery.
type Play struct {
	SessionID string `json:"sessionId"`
}

// Pause suspends frame delivery, keeping the session alive.
type Pause struct {
	SessionID string `json:"sessionId"`
}

// Teardown ends the session.
type Teardown struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// Reconfigure changes video parameters mid-session.
type Reconfigure struct {
	SessionID string      `json:"sessionId"`
	Video     VideoParams `json:"video"`
}

// Reconfigured acknowledges that new parameters are live.
type Reconfigured struct {
	SessionID string      `json:"sessionId"`
	Video     VideoParams `json:"video"`
}

// Heartbeat keeps the session alive through idle periods.
type Heartbeat struct {
	SessionID string `json:"sessionId"`
}

// InputBatch carries input events on the reliable channel for clients
// that prefer ordering over latency.
type InputBatch struct {
	SessionID string       `json:"sessionId"`
	Events    []InputEvent `json:"events"`
}

// ErrorReply reports a rejected or failed control operation without a
// state change.
type ErrorReply struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ControlMessage is one typed record on the reliable channel. Body holds
// the JSON encoding of the payload struct for Type.
type ControlMessage struct {
	Type ControlType
	Body json.RawMessage
}

// NewControlMessage marshals a payload into a control message.
func NewControlMessage(t ControlType, payload any) (*ControlMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &ControlMessage{Type: t, Body: body}, nil
}

// Decode unmarshals the message body into the payload struct for its type.
func (m *ControlMessage) Decode(payload any) error {
	if err := json.Unmarshal(m.Body, payload); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrControlMalformed, m.Type, err)
	}
	return nil
}

// WriteControl writes one length-prefixed control message:
// u32 big-endian length of (type byte + body), then the type byte and body.
func WriteControl(w io.Writer, msg *ControlMessage) error {
	if len(msg.Body)+1 > maxControlLen {
		return ErrControlTooLarge
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(msg.Body)+1))
	header[4] = byte(msg.Type)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(msg.Body) > 0 {
		if _, err := w.Write(msg.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReadControl reads one length-prefixed control message.
func ReadControl(r io.Reader) (*ControlMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrControlMalformed)
	}
	if length > maxControlLen {
		return nil, ErrControlTooLarge
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	msg := &ControlMessage{Type: ControlType(frame[0])}
	if msg.Type < MsgOffer || msg.Type > MsgError {
		return nil, fmt.Errorf("%w: %d", ErrUnknownControl, frame[0])
	}
	if length > 1 {
		msg.Body = frame[1:]
	}
	return msg, nil
}
