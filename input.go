package nightbeam

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Input event kinds carried in the client feedback stream.
type InputKind uint8

const (
	InputKeyDown InputKind = iota + 1
	InputKeyUp
	InputMouseMove
	InputMouseButtonDown
	InputMouseButtonUp
	InputMouseScroll
)

func (k InputKind) String() string {
	switch k {
	case InputKeyDown:
		return "keyDown"
	case InputKeyUp:
		return "keyUp"
	case InputMouseMove:
		return "mouseMove"
	case InputMouseButtonDown:
		return "mouseButtonDown"
	case InputMouseButtonUp:
		return "mouseButtonUp"
	case InputMouseScroll:
		return "mouseScroll"
	default:
		return fmt.Sprintf("inputKind(%d)", uint8(k))
	}
}

// ErrBadInputEvent is returned for undecodable feedback datagrams.
var ErrBadInputEvent = errors.New("malformed input event")

// inputMagic distinguishes input datagrams from shard packets on the
// shared unreliable channel.
const inputMagic = 0x1E

// InputEvent is one decoded client input event. X/Y carry mouse
// coordinates or scroll deltas; Code carries key or button codes.
type InputEvent struct {
	Kind InputKind `json:"kind"`
	Code uint16    `json:"code"`
	X    int16     `json:"x"`
	Y    int16     `json:"y"`
}

// Marshal serializes the event as one feedback datagram:
// magic u8, kind u8, code u16, x i16, y i16, all big-endian.
func (e InputEvent) Marshal() []byte {
	buf := make([]byte, 8)
	buf[0] = inputMagic
	buf[1] = byte(e.Kind)
	binary.BigEndian.PutUint16(buf[2:4], e.Code)
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.X))
	binary.BigEndian.PutUint16(buf[6:8], uint16(e.Y))
	return buf
}

// IsInputDatagram reports whether a feedback datagram carries an input
// event.
func IsInputDatagram(data []byte) bool {
	return len(data) == 8 && data[0] == inputMagic
}

// UnmarshalInputEvent decodes one feedback datagram.
func UnmarshalInputEvent(data []byte) (InputEvent, error) {
	if !IsInputDatagram(data) {
		return InputEvent{}, ErrBadInputEvent
	}
	ev := InputEvent{
		Kind: InputKind(data[1]),
		Code: binary.BigEndian.Uint16(data[2:4]),
		X:    int16(binary.BigEndian.Uint16(data[4:6])),
		Y:    int16(binary.BigEndian.Uint16(data[6:8])),
	}
	if ev.Kind < InputKeyDown || ev.Kind > InputMouseScroll {
		return InputEvent{}, fmt.Errorf("%w: kind %d", ErrBadInputEvent, data[1])
	}
	return ev, nil
}

// InputSink receives decoded input events in arrival order. The contract
// is a simple ordered event sink: delivery is fire-and-forget, no
// acknowledgment. Implementations belong to the input-injection
// collaborator outside this core.
type InputSink interface {
	Deliver(ev InputEvent)
}

// DiscardInputSink drops all events; the default when no injector is
// wired.
type DiscardInputSink struct{}

// Deliver drops the event.
func (DiscardInputSink) Deliver(InputEvent) {}
