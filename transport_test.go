package nightbeam

import (
	"context"
	"testing"
	"time"
)

func testTransportConfig() TransportConfig {
	return TransportConfig{LivenessTimeout: 200 * time.Millisecond}
}

func waitEvent(t *testing.T, ch <-chan TransportEvent, want TransportEventType) TransportEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %v", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func TestTransportControlRoundtrip(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()
	defer client.Close()

	// Host to client.
	out, err := NewControlMessage(MsgAnswer, Answer{SessionID: "abc"})
	if err != nil {
		t.Fatalf("NewControlMessage failed: %v", err)
	}
	if err := session.SendControl(context.Background(), out); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	got, err := client.ReadControl()
	if err != nil {
		t.Fatalf("client ReadControl failed: %v", err)
	}
	if got.Type != MsgAnswer {
		t.Fatalf("unexpected type %v", got.Type)
	}

	// Client to host arrives as an event.
	in, err := NewControlMessage(MsgHeartbeat, Heartbeat{SessionID: "abc"})
	if err != nil {
		t.Fatalf("NewControlMessage failed: %v", err)
	}
	if err := client.SendControl(in); err != nil {
		t.Fatalf("client SendControl failed: %v", err)
	}
	ev := waitEvent(t, session.Events(), EventControl)
	if ev.Message.Type != MsgHeartbeat {
		t.Fatalf("unexpected control event %v", ev.Message.Type)
	}
}

func TestTransportMediaDelivery(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()
	defer client.Close()

	pkt := &ShardPacket{
		FrameSeq: 1, Kind: KindVideo, K: 1, M: 0,
		ShardSize: 4, PayloadLen: 4,
		Payload: []byte{1, 2, 3, 4},
	}
	if err := session.SendMedia(pkt); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	got, err := client.ReadMediaPacket()
	if err != nil {
		t.Fatalf("ReadMediaPacket failed: %v", err)
	}
	if got.FrameSeq != 1 || got.Payload[3] != 4 {
		t.Fatalf("packet mismatch: %+v", got)
	}
}

func TestTransportFeedbackDatagram(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()
	defer client.Close()

	input := InputEvent{Kind: InputMouseMove, X: 5, Y: 9}
	if err := client.SendDatagram(input.Marshal()); err != nil {
		t.Fatalf("SendDatagram failed: %v", err)
	}
	ev := waitEvent(t, session.Events(), EventFeedback)
	got, err := UnmarshalInputEvent(ev.Datagram)
	if err != nil {
		t.Fatalf("feedback not an input event: %v", err)
	}
	if got != input {
		t.Fatalf("input mismatch: %+v", got)
	}
}

func TestTransportLivenessTimeout(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()
	defer client.Close()

	start := time.Now()
	waitEvent(t, session.Events(), EventLivenessLost)
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("liveness fired too early: %v", elapsed)
	}
}

func TestTransportKeepaliveDefersLiveness(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()
	defer client.Close()

	// Pings well inside the 200ms window keep the session alive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			client.SendDatagram([]byte("PING"))
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case ev := <-session.Events():
		if ev.Type == EventLivenessLost {
			t.Fatal("liveness lost despite keepalives")
		}
	case <-done:
	}
	<-done
}

func TestTransportSendMediaDropsWhenFull(t *testing.T) {
	cfg := testTransportConfig()
	cfg.MediaQueueLen = 1
	session, client := NewPipeTransport(cfg)
	defer session.Close()
	defer client.Close()

	pkt := &ShardPacket{
		FrameSeq: 1, Kind: KindVideo, K: 1, M: 0,
		ShardSize: 1, PayloadLen: 1, Payload: []byte{0},
	}
	// Flood far past any queue capacity; SendMedia must never block.
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for i := 0; i < 10_000; i++ {
			session.SendMedia(pkt)
		}
	}()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("SendMedia blocked")
	}
}

func TestTransportClosedEventOnClientClose(t *testing.T) {
	session, client := NewPipeTransport(testTransportConfig())
	defer session.Close()

	client.Close()
	waitEvent(t, session.Events(), EventClosed)
}
