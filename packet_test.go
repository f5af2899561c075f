package nightbeam

import (
	"bytes"
	"errors"
	"testing"
)

func TestShardPacketRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 512)
	pkt := &ShardPacket{
		FrameSeq:   42,
		Kind:       KindVideo,
		Keyframe:   true,
		K:          4,
		M:          2,
		Index:      5, // parity shard
		Parity:     true,
		ShardSize:  512,
		PayloadLen: 1800,
		Payload:    payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !IsShardPacket(data) {
		t.Fatal("marshaled packet not recognized")
	}

	got, err := UnmarshalShardPacket(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.FrameSeq != 42 || got.Kind != KindVideo || !got.Keyframe {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.K != 4 || got.M != 2 || got.Index != 5 || got.ShardSize != 512 {
		t.Errorf("shard geometry mismatch: %+v", got)
	}
	if got.PayloadLen != 1800 {
		t.Errorf("payload length mismatch: %d", got.PayloadLen)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload mismatch")
	}
	if !got.Parity {
		t.Error("index past K should be parity")
	}
}

func TestUnmarshalShardPacketRejectsMalformed(t *testing.T) {
	valid, err := (&ShardPacket{
		FrameSeq:  1,
		Kind:      KindAudio,
		K:         2,
		M:         1,
		Index:     0,
		ShardSize: 16,
		Payload:   make([]byte, 16),
	}).Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{"truncated header", func(b []byte) []byte { return b[:10] }, ErrPacketTooShort},
		{"bad magic", func(b []byte) []byte { b[0] = 0x00; return b }, ErrBadMagic},
		{"bad version", func(b []byte) []byte { b[1] = 99; return b }, ErrBadVersion},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-4] }, ErrPacketMalformed},
		{"trailing bytes", func(b []byte) []byte { return append(b, 0) }, ErrPacketMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, len(valid))
			copy(buf, valid)
			_, err := UnmarshalShardPacket(tc.mutate(buf))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMarshalRejectsPayloadSizeMismatch(t *testing.T) {
	pkt := &ShardPacket{
		FrameSeq:  1,
		Kind:      KindVideo,
		K:         1,
		M:         0,
		ShardSize: 32,
		Payload:   make([]byte, 16),
	}
	if _, err := pkt.Marshal(); err == nil {
		t.Fatal("expected error for payload/shardSize mismatch")
	}
}

func TestIsShardPacketDiscriminatesInput(t *testing.T) {
	input := InputEvent{Kind: InputMouseMove, X: 10, Y: -3}.Marshal()
	if IsShardPacket(input) {
		t.Fatal("input datagram misclassified as shard packet")
	}
	if !IsInputDatagram(input) {
		t.Fatal("input datagram not recognized")
	}
}
