package nightbeam

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Shard packet wire format, fixed for the life of a session. All multi-byte
// fields are big-endian:
//
//	offset  size  field
//	0       1     magic (0xB5)
//	1       1     version (1)
//	2       1     media kind
//	3       1     flags (bit0 = parity shard, bit1 = keyframe)
//	4       8     frame sequence number
//	12      2     k (data shard count)
//	14      2     m (parity shard count)
//	16      2     shard index (0..k+m-1; >=k means parity)
//	18      2     shard size in bytes
//	20      4     original payload length (pre-padding)
//	24      -     shard payload (shard size bytes)
//
// The payload length field lets the receiver strip zero padding after
// reconstruction without any out-of-band state.
const (
	shardMagic     = 0xB5
	shardVersion   = 1
	ShardHeaderLen = 24

	flagParity   = 1 << 0
	flagKeyframe = 1 << 1
)

// Shard packet decoding errors.
var (
	ErrPacketTooShort  = errors.New("packet too short")
	ErrBadMagic        = errors.New("bad packet magic")
	ErrBadVersion      = errors.New("unsupported packet version")
	ErrPacketMalformed = errors.New("malformed packet")
)

// ShardPacket is one network packet: a single data or parity shard of one
// frame's FEC block, carrying enough metadata for the receiver to decode
// without side channels. Immutable once emitted.
type ShardPacket struct {
	FrameSeq   uint64    // Frame sequence number
	Kind       MediaKind // Video or audio
	K          uint16    // Data shard count of the block
	M          uint16    // Parity shard count of the block
	Index      uint16    // Shard index within the block
	ShardSize  uint16    // Shard payload size in bytes
	PayloadLen uint32    // Original frame payload length before padding
	Parity     bool      // Parity shard (Index >= K)
	Keyframe   bool      // Block carries a video keyframe
	Payload    []byte    // Shard bytes, len == ShardSize
}

// Marshal serializes the packet into wire format.
func (p *ShardPacket) Marshal() ([]byte, error) {
	if len(p.Payload) != int(p.ShardSize) {
		return nil, fmt.Errorf("%w: payload %d bytes, shard size %d",
			ErrPacketMalformed, len(p.Payload), p.ShardSize)
	}
	buf := make([]byte, ShardHeaderLen+len(p.Payload))
	buf[0] = shardMagic
	buf[1] = shardVersion
	buf[2] = byte(p.Kind)
	var flags byte
	if p.Parity {
		flags |= flagParity
	}
	if p.Keyframe {
		flags |= flagKeyframe
	}
	buf[3] = flags
	binary.BigEndian.PutUint64(buf[4:12], p.FrameSeq)
	binary.BigEndian.PutUint16(buf[12:14], p.K)
	binary.BigEndian.PutUint16(buf[14:16], p.M)
	binary.BigEndian.PutUint16(buf[16:18], p.Index)
	binary.BigEndian.PutUint16(buf[18:20], p.ShardSize)
	binary.BigEndian.PutUint32(buf[20:24], p.PayloadLen)
	copy(buf[ShardHeaderLen:], p.Payload)
	return buf, nil
}

// UnmarshalShardPacket parses one wire packet. The returned packet's
// Payload aliases data.
func UnmarshalShardPacket(data []byte) (*ShardPacket, error) {
	if len(data) < ShardHeaderLen {
		return nil, ErrPacketTooShort
	}
	if data[0] != shardMagic {
		return nil, ErrBadMagic
	}
	if data[1] != shardVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[1])
	}

	p := &ShardPacket{
		Kind:       MediaKind(data[2]),
		Parity:     data[3]&flagParity != 0,
		Keyframe:   data[3]&flagKeyframe != 0,
		FrameSeq:   binary.BigEndian.Uint64(data[4:12]),
		K:          binary.BigEndian.Uint16(data[12:14]),
		M:          binary.BigEndian.Uint16(data[14:16]),
		Index:      binary.BigEndian.Uint16(data[16:18]),
		ShardSize:  binary.BigEndian.Uint16(data[18:20]),
		PayloadLen: binary.BigEndian.Uint32(data[20:24]),
	}

	if p.K == 0 {
		return nil, fmt.Errorf("%w: zero data shards", ErrPacketMalformed)
	}
	if int(p.Index) >= int(p.K)+int(p.M) {
		return nil, fmt.Errorf("%w: shard index %d outside block of %d",
			ErrPacketMalformed, p.Index, int(p.K)+int(p.M))
	}
	if len(data) != ShardHeaderLen+int(p.ShardSize) {
		return nil, fmt.Errorf("%w: %d payload bytes, shard size %d",
			ErrPacketMalformed, len(data)-ShardHeaderLen, p.ShardSize)
	}
	if p.Parity != (p.Index >= p.K) {
		return nil, fmt.Errorf("%w: parity flag disagrees with index", ErrPacketMalformed)
	}

	p.Payload = data[ShardHeaderLen:]
	return p, nil
}

// IsShardPacket reports whether a datagram looks like a shard packet, used
// by the transport to separate media packets from feedback datagrams
// sharing the unreliable channel.
func IsShardPacket(data []byte) bool {
	return len(data) >= ShardHeaderLen && data[0] == shardMagic
}
