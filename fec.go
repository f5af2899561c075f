package nightbeam

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// FEC errors.
var (
	// ErrFrameUnrecoverable means fewer than k shards of a block survived;
	// the frame is lost and will never be silently approximated.
	ErrFrameUnrecoverable = errors.New("frame unrecoverable: fewer than k shards")

	ErrFrameTooLarge = errors.New("frame exceeds maximum FEC block size")
)

const (
	// maxDataShards bounds k so every block fits the GF(2^8) code's 256
	// total shard limit with full parity headroom.
	maxDataShards = 128

	// DefaultShardSize is the default data shard payload size.
	DefaultShardSize = 1024
)

// FECConfig configures the packetizer.
type FECConfig struct {
	// ShardSize is the target shard payload size in bytes. Oversized
	// frames get proportionally larger shards so k stays within the code
	// limit. Default 1024.
	ShardSize int

	// MaxOverhead caps parity as a fraction of the data shard count.
	// Default 1.0: parity never exceeds 100% of data shards.
	MaxOverhead float64

	// MinParity is the parity floor for every frame, so isolated
	// single-packet loss is always recoverable. Default 1.
	MinParity int

	// MinKeyframeParity is the parity floor for video keyframes,
	// typically the negotiated minimum FEC shard count. Losing a keyframe
	// stalls decode until the next one, so keyframes are protected at
	// least this hard regardless of the loss estimate. Default MinParity.
	MinKeyframeParity int
}

// DefaultFECConfig returns the default FEC configuration.
func DefaultFECConfig() FECConfig {
	return FECConfig{
		ShardSize:         DefaultShardSize,
		MaxOverhead:       1.0,
		MinParity:         1,
		MinKeyframeParity: 1,
	}
}

func (c *FECConfig) applyDefaults() {
	if c.ShardSize <= 0 {
		c.ShardSize = DefaultShardSize
	}
	if c.ShardSize > math.MaxUint16 {
		c.ShardSize = math.MaxUint16
	}
	if c.MaxOverhead <= 0 {
		c.MaxOverhead = 1.0
	}
	if c.MinParity < 1 {
		c.MinParity = 1
	}
	if c.MinKeyframeParity < c.MinParity {
		c.MinKeyframeParity = c.MinParity
	}
}

// FecBlock is the erasure-coding unit derived from one EncodedFrame: k data
// shards plus m parity shards such that any k of the k+m reconstruct the
// original payload exactly.
type FecBlock struct {
	FrameSeq   uint64
	Kind       MediaKind
	K          int
	M          int
	ShardSize  int
	PayloadLen uint32
	Keyframe   bool
	Packets    []ShardPacket // len K+M, indexed by shard index
}

// Packetizer protects encoded frames against network loss without
// retransmission. Parameters (k, m) are chosen per frame from payload size
// and the session's smoothed loss estimate, and recorded in every emitted
// packet so the receiver needs no out-of-band state.
type Packetizer struct {
	config FECConfig
	loss   *LossEstimator

	mu       sync.Mutex
	encoders map[uint32]reedsolomon.Encoder // (k<<16|m) -> cached codec
}

// NewPacketizer creates a packetizer fed by the given loss estimator.
// A nil estimator pins the loss estimate to zero (minimum parity only).
func NewPacketizer(config FECConfig, loss *LossEstimator) *Packetizer {
	config.applyDefaults()
	return &Packetizer{
		config:   config,
		loss:     loss,
		encoders: make(map[uint32]reedsolomon.Encoder),
	}
}

// ShardCounts returns the (k, m, shardSize) the packetizer would choose for
// a payload of the given size, exposed for telemetry and tests.
func (p *Packetizer) ShardCounts(payloadLen int, keyframe bool) (k, m, shardSize int) {
	estimate := 0.0
	if p.loss != nil {
		estimate = p.loss.Estimate()
	}
	return p.chooseShardCounts(payloadLen, keyframe, estimate)
}

func (p *Packetizer) chooseShardCounts(payloadLen int, keyframe bool, lossRatio float64) (k, m, shardSize int) {
	shardSize = p.config.ShardSize
	k = (payloadLen + shardSize - 1) / shardSize
	if k < 1 {
		k = 1
	}
	if k > maxDataShards {
		// Grow the shards instead of the block.
		shardSize = (payloadLen + maxDataShards - 1) / maxDataShards
		k = (payloadLen + shardSize - 1) / shardSize
	}

	m = int(math.Ceil(float64(k) * lossRatio))

	parityCap := int(math.Ceil(float64(k) * p.config.MaxOverhead))
	if parityCap < 1 {
		parityCap = 1
	}
	if m > parityCap {
		m = parityCap
	}

	floor := p.config.MinParity
	if keyframe {
		floor = p.config.MinKeyframeParity
	}
	if floor > parityCap {
		floor = parityCap
	}
	if m < floor {
		m = floor
	}
	return k, m, shardSize
}

// Packetize splits one encoded frame into a FEC block of self-describing
// shard packets. The frame is consumed exactly once; its payload is copied
// into the shards.
func (p *Packetizer) Packetize(frame *EncodedFrame) (*FecBlock, error) {
	if len(frame.Data) > maxDataShards*math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame.Data))
	}

	estimate := 0.0
	if p.loss != nil {
		estimate = p.loss.Estimate()
	}
	k, m, shardSize := p.chooseShardCounts(len(frame.Data), frame.IsKeyframe(), estimate)

	enc, err := p.encoder(k, m)
	if err != nil {
		return nil, err
	}

	// Lay the payload out as k zero-padded data shards.
	shards := make([][]byte, k+m)
	backing := make([]byte, (k+m)*shardSize)
	for i := range shards {
		shards[i] = backing[i*shardSize : (i+1)*shardSize]
	}
	for i := 0; i < k; i++ {
		start := i * shardSize
		if start >= len(frame.Data) {
			break
		}
		end := start + shardSize
		if end > len(frame.Data) {
			end = len(frame.Data)
		}
		copy(shards[i], frame.Data[start:end])
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec encode failed: %w", err)
	}

	block := &FecBlock{
		FrameSeq:   frame.Seq,
		Kind:       frame.Kind,
		K:          k,
		M:          m,
		ShardSize:  shardSize,
		PayloadLen: uint32(len(frame.Data)),
		Keyframe:   frame.IsKeyframe(),
		Packets:    make([]ShardPacket, k+m),
	}
	for i := range shards {
		block.Packets[i] = ShardPacket{
			FrameSeq:   frame.Seq,
			Kind:       frame.Kind,
			K:          uint16(k),
			M:          uint16(m),
			Index:      uint16(i),
			ShardSize:  uint16(shardSize),
			PayloadLen: uint32(len(frame.Data)),
			Parity:     i >= k,
			Keyframe:   block.Keyframe,
			Payload:    shards[i],
		}
	}
	return block, nil
}

func (p *Packetizer) encoder(k, m int) (reedsolomon.Encoder, error) {
	key := uint32(k)<<16 | uint32(m)
	p.mu.Lock()
	defer p.mu.Unlock()
	if enc, ok := p.encoders[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create rs(%d,%d) codec: %w", k, m, err)
	}
	p.encoders[key] = enc
	return enc, nil
}

// DecodeBlock reconstructs a frame from any subset of its block's packets.
// Any k of the k+m shards suffice; with fewer it returns
// ErrFrameUnrecoverable rather than ever producing corrupt output. All
// packets must belong to the same block; duplicates are tolerated.
func DecodeBlock(packets []*ShardPacket) (*EncodedFrame, error) {
	if len(packets) == 0 {
		return nil, ErrFrameUnrecoverable
	}
	ref := packets[0]
	k, m := int(ref.K), int(ref.M)
	shardSize := int(ref.ShardSize)

	shards := make([][]byte, k+m)
	have := 0
	for _, pkt := range packets {
		if pkt.FrameSeq != ref.FrameSeq || pkt.K != ref.K || pkt.M != ref.M ||
			pkt.ShardSize != ref.ShardSize || pkt.Kind != ref.Kind {
			return nil, fmt.Errorf("%w: mixed blocks", ErrPacketMalformed)
		}
		idx := int(pkt.Index)
		if idx >= k+m || len(pkt.Payload) != shardSize {
			return nil, fmt.Errorf("%w: bad shard", ErrPacketMalformed)
		}
		if shards[idx] == nil {
			shards[idx] = pkt.Payload
			have++
		}
	}
	if have < k {
		return nil, fmt.Errorf("%w: have %d of %d", ErrFrameUnrecoverable, have, k)
	}

	dec, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create rs(%d,%d) codec: %w", k, m, err)
	}
	if err := dec.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("fec reconstruct failed: %w", err)
	}

	payload := make([]byte, 0, int(ref.PayloadLen))
	for i := 0; i < k && len(payload) < int(ref.PayloadLen); i++ {
		remain := int(ref.PayloadLen) - len(payload)
		if remain > shardSize {
			remain = shardSize
		}
		payload = append(payload, shards[i][:remain]...)
	}

	frameType := FrameTypeUnknown
	if ref.Kind == KindVideo {
		frameType = FrameTypeDelta
		if ref.Keyframe {
			frameType = FrameTypeKey
		}
	}
	return &EncodedFrame{
		Seq:       ref.FrameSeq,
		Kind:      ref.Kind,
		FrameType: frameType,
		Data:      payload,
	}, nil
}

// AssemblerConfig configures the receive-side frame assembler.
type AssemblerConfig struct {
	// MaxPending bounds how many incomplete blocks per media kind are
	// held waiting for shards. When exceeded, the oldest block is evicted;
	// if it was still short of k shards it is reported unrecoverable.
	// Default 32.
	MaxPending int

	// OnUnrecoverable, if set, is called when a block is evicted with
	// fewer than k shards (loss beyond the FEC boundary).
	OnUnrecoverable func(frameSeq uint64, kind MediaKind, keyframe bool)
}

// AssemblerStats counts assembler outcomes.
type AssemblerStats struct {
	FramesRecovered     uint64 // Frames reconstructed (with or without parity)
	FramesUnrecoverable uint64 // Frames lost past the FEC boundary
	ShardsReceived      uint64
	ShardsDuplicate     uint64
}

// Assembler reconstructs frames from shard packets arriving in any order.
// It is the receive-side counterpart of Packetizer, used by clients and by
// the loopback tests.
type Assembler struct {
	config AssemblerConfig

	mu      sync.Mutex
	pending map[MediaKind]map[uint64]*pendingBlock
	done    map[MediaKind]map[uint64]struct{}
	stats   AssemblerStats
}

type pendingBlock struct {
	packets []*ShardPacket
	have    int
	k       int
	kf      bool
}

// NewAssembler creates a frame assembler.
func NewAssembler(config AssemblerConfig) *Assembler {
	if config.MaxPending <= 0 {
		config.MaxPending = 32
	}
	return &Assembler{
		config:  config,
		pending: make(map[MediaKind]map[uint64]*pendingBlock),
		done:    make(map[MediaKind]map[uint64]struct{}),
	}
}

// Add feeds one received shard packet. It returns the reconstructed frame
// the moment the block reaches k shards, and nil otherwise. Each frame is
// returned at most once.
func (a *Assembler) Add(pkt *ShardPacket) (*EncodedFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.ShardsReceived++

	if _, ok := a.done[pkt.Kind][pkt.FrameSeq]; ok {
		a.stats.ShardsDuplicate++
		return nil, nil
	}

	kinds := a.pending[pkt.Kind]
	if kinds == nil {
		kinds = make(map[uint64]*pendingBlock)
		a.pending[pkt.Kind] = kinds
	}
	block := kinds[pkt.FrameSeq]
	if block == nil {
		block = &pendingBlock{
			packets: make([]*ShardPacket, 0, int(pkt.K)+int(pkt.M)),
			k:       int(pkt.K),
			kf:      pkt.Keyframe,
		}
		kinds[pkt.FrameSeq] = block
		a.evictLocked(pkt.Kind)
	}

	for _, existing := range block.packets {
		if existing.Index == pkt.Index {
			a.stats.ShardsDuplicate++
			return nil, nil
		}
	}
	block.packets = append(block.packets, pkt)
	block.have++

	if block.have < block.k {
		return nil, nil
	}

	frame, err := DecodeBlock(block.packets)
	if err != nil {
		// A shard with inconsistent geometry poisons the whole set. Drop
		// the block rather than retry it on every later shard; a clean
		// set of retransmitted shards can still rebuild the frame.
		delete(kinds, pkt.FrameSeq)
		a.stats.FramesUnrecoverable++
		if a.config.OnUnrecoverable != nil {
			a.config.OnUnrecoverable(pkt.FrameSeq, pkt.Kind, block.kf)
		}
		return nil, err
	}
	delete(kinds, pkt.FrameSeq)
	a.markDoneLocked(pkt.Kind, pkt.FrameSeq)
	a.stats.FramesRecovered++
	return frame, nil
}

// Stats returns assembler counters.
func (a *Assembler) Stats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// evictLocked drops the oldest pending block when over budget.
func (a *Assembler) evictLocked(kind MediaKind) {
	kinds := a.pending[kind]
	for len(kinds) > a.config.MaxPending {
		oldest := uint64(math.MaxUint64)
		for seq := range kinds {
			if seq < oldest {
				oldest = seq
			}
		}
		block := kinds[oldest]
		delete(kinds, oldest)
		a.markDoneLocked(kind, oldest)
		if block.have < block.k {
			a.stats.FramesUnrecoverable++
			if a.config.OnUnrecoverable != nil {
				a.config.OnUnrecoverable(oldest, kind, block.kf)
			}
		}
	}
}

func (a *Assembler) markDoneLocked(kind MediaKind, seq uint64) {
	doneKind := a.done[kind]
	if doneKind == nil {
		doneKind = make(map[uint64]struct{})
		a.done[kind] = doneKind
	}
	doneKind[seq] = struct{}{}
	// Trim the done set so it cannot grow without bound.
	if len(doneKind) > 4*a.config.MaxPending {
		oldest := uint64(math.MaxUint64)
		for s := range doneKind {
			if s < oldest {
				oldest = s
			}
		}
		delete(doneKind, oldest)
	}
}
