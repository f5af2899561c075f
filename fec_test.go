package nightbeam

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func testFrame(seq uint64, size int, frameType FrameType) *EncodedFrame {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(seq)))
	rng.Read(data)
	return &EncodedFrame{
		Seq:       seq,
		Kind:      KindVideo,
		FrameType: frameType,
		Timestamp: int64(seq) * 33_000,
		Data:      data,
	}
}

func TestPacketizeRoundtrip(t *testing.T) {
	p := NewPacketizer(DefaultFECConfig(), NewLossEstimator(DefaultLossSmoothing))

	for _, size := range []int{1, 100, 1024, 1025, 10_000, 200_000} {
		frame := testFrame(1, size, FrameTypeKey)
		block, err := p.Packetize(frame)
		if err != nil {
			t.Fatalf("Packetize(%d bytes) failed: %v", size, err)
		}
		if len(block.Packets) != block.K+block.M {
			t.Fatalf("expected %d packets, got %d", block.K+block.M, len(block.Packets))
		}

		pkts := make([]*ShardPacket, len(block.Packets))
		for i := range block.Packets {
			pkts[i] = &block.Packets[i]
		}
		decoded, err := DecodeBlock(pkts)
		if err != nil {
			t.Fatalf("DecodeBlock(%d bytes) failed: %v", size, err)
		}
		if !bytes.Equal(decoded.Data, frame.Data) {
			t.Fatalf("decoded payload mismatch at size %d", size)
		}
		if decoded.Seq != frame.Seq || decoded.FrameType != frame.FrameType {
			t.Fatalf("decoded metadata mismatch: %+v", decoded)
		}
	}
}

func TestDecodeWithExactlyKShards(t *testing.T) {
	p := NewPacketizer(FECConfig{MinParity: 4}, NewLossEstimator(DefaultLossSmoothing))
	frame := testFrame(7, 20_000, FrameTypeDelta)
	block, err := p.Packetize(frame)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}
	if block.M < 4 {
		t.Fatalf("expected at least 4 parity shards, got %d", block.M)
	}

	// Keep only the last K shards: any K of K+M must reconstruct.
	survivors := make([]*ShardPacket, 0, block.K)
	for i := len(block.Packets) - block.K; i < len(block.Packets); i++ {
		survivors = append(survivors, &block.Packets[i])
	}
	decoded, err := DecodeBlock(survivors)
	if err != nil {
		t.Fatalf("DecodeBlock with K shards failed: %v", err)
	}
	if !bytes.Equal(decoded.Data, frame.Data) {
		t.Fatal("reconstructed payload mismatch")
	}
}

func TestDecodeBelowKUnrecoverable(t *testing.T) {
	p := NewPacketizer(DefaultFECConfig(), NewLossEstimator(DefaultLossSmoothing))
	frame := testFrame(3, 50_000, FrameTypeDelta)
	block, err := p.Packetize(frame)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	short := make([]*ShardPacket, 0, block.K-1)
	for i := 0; i < block.K-1; i++ {
		short = append(short, &block.Packets[i])
	}
	if _, err := DecodeBlock(short); !errors.Is(err, ErrFrameUnrecoverable) {
		t.Fatalf("expected ErrFrameUnrecoverable, got %v", err)
	}
}

func TestKeyframeParityFloor(t *testing.T) {
	cfg := FECConfig{MinParity: 1, MinKeyframeParity: 6}
	p := NewPacketizer(cfg, NewLossEstimator(DefaultLossSmoothing))

	key, err := p.Packetize(testFrame(1, 30_000, FrameTypeKey))
	if err != nil {
		t.Fatalf("Packetize keyframe failed: %v", err)
	}
	delta, err := p.Packetize(testFrame(2, 30_000, FrameTypeDelta))
	if err != nil {
		t.Fatalf("Packetize delta failed: %v", err)
	}
	if key.M < 6 {
		t.Errorf("keyframe parity %d below floor 6", key.M)
	}
	if delta.M >= key.M {
		t.Errorf("delta parity %d should be below keyframe parity %d at zero loss", delta.M, key.M)
	}
}

func TestParityTracksLossEstimate(t *testing.T) {
	loss := NewLossEstimator(DefaultLossSmoothing)
	p := NewPacketizer(DefaultFECConfig(), loss)

	before, _, _ := p.ShardCounts(100_000, false)
	_, mLow, _ := p.ShardCounts(100_000, false)

	// Sustained 20% loss raises the estimate and with it the parity count.
	for i := 0; i < 20; i++ {
		loss.Update(LossReport{ShardsReceived: 80, ShardsLost: 20, WindowMs: 1000})
	}
	after, mHigh, _ := p.ShardCounts(100_000, false)

	if before != after {
		t.Fatalf("data shard count changed with loss: %d -> %d", before, after)
	}
	if mHigh <= mLow {
		t.Errorf("parity did not grow with loss: %d -> %d", mLow, mHigh)
	}

	// Parity never exceeds the overhead cap.
	maxParity := after // MaxOverhead 1.0
	if mHigh > maxParity {
		t.Errorf("parity %d exceeds cap %d", mHigh, maxParity)
	}
}

func TestOversizedFrameGrowsShards(t *testing.T) {
	p := NewPacketizer(DefaultFECConfig(), NewLossEstimator(DefaultLossSmoothing))

	// 1 MB frame would need >128 shards of 1 KiB.
	k, _, shardSize := p.ShardCounts(1<<20, false)
	if k > maxDataShards {
		t.Fatalf("data shard count %d exceeds code limit", k)
	}
	if shardSize <= DefaultShardSize {
		t.Fatalf("expected grown shard size, got %d", shardSize)
	}

	frame := testFrame(9, 1<<20, FrameTypeKey)
	block, err := p.Packetize(frame)
	if err != nil {
		t.Fatalf("Packetize oversized frame failed: %v", err)
	}
	pkts := make([]*ShardPacket, block.K)
	for i := 0; i < block.K; i++ {
		pkts[i] = &block.Packets[i]
	}
	decoded, err := DecodeBlock(pkts)
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}
	if !bytes.Equal(decoded.Data, frame.Data) {
		t.Fatal("oversized payload mismatch")
	}
}

func TestAssemblerReassembly(t *testing.T) {
	p := NewPacketizer(FECConfig{MinParity: 2}, NewLossEstimator(DefaultLossSmoothing))
	frame := testFrame(11, 8_000, FrameTypeDelta)
	block, err := p.Packetize(frame)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	a := NewAssembler(AssemblerConfig{})
	var got *EncodedFrame
	// Feed shards out of order, skipping one data shard; parity covers it.
	order := rand.New(rand.NewSource(42)).Perm(len(block.Packets))
	for _, i := range order {
		if i == 0 {
			continue
		}
		done, err := a.Add(&block.Packets[i])
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if done != nil {
			got = done
		}
	}
	if got == nil {
		t.Fatal("assembler never completed the frame")
	}
	if !bytes.Equal(got.Data, frame.Data) {
		t.Fatal("assembled payload mismatch")
	}

	// Duplicates and stragglers after completion are ignored.
	dup, err := a.Add(&block.Packets[1])
	if err != nil {
		t.Fatalf("duplicate Add failed: %v", err)
	}
	if dup != nil {
		t.Fatal("duplicate shard completed a second frame")
	}
}

func TestAssemblerDropsPoisonedBlock(t *testing.T) {
	p := NewPacketizer(FECConfig{MinParity: 4}, NewLossEstimator(DefaultLossSmoothing))
	frame := testFrame(21, 8_000, FrameTypeDelta)
	block, err := p.Packetize(frame)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	var unrecoverable []uint64
	a := NewAssembler(AssemblerConfig{
		OnUnrecoverable: func(frameSeq uint64, kind MediaKind, keyframe bool) {
			unrecoverable = append(unrecoverable, frameSeq)
		},
	})

	// A forged shard with inconsistent geometry joins the block first.
	forged := block.Packets[block.K+block.M-1]
	forged.ShardSize = forged.ShardSize + 1
	if _, err := a.Add(&forged); err != nil {
		t.Fatalf("forged Add failed: %v", err)
	}

	// Honest shards fill the block; decode must fail once, not on every
	// later shard.
	sawError := false
	for i := 0; i < block.K; i++ {
		done, err := a.Add(&block.Packets[i])
		if err != nil {
			sawError = true
			continue
		}
		if done != nil {
			t.Fatal("poisoned block decoded")
		}
	}
	if !sawError {
		t.Fatal("inconsistent geometry never surfaced a decode error")
	}
	if len(unrecoverable) != 1 || unrecoverable[0] != 21 {
		t.Fatalf("poisoned block not reported unrecoverable: %v", unrecoverable)
	}

	// Clean retransmits of the same frame still assemble.
	var got *EncodedFrame
	for i := 0; i < block.K; i++ {
		done, err := a.Add(&block.Packets[i])
		if err != nil {
			t.Fatalf("clean Add failed: %v", err)
		}
		if done != nil {
			got = done
		}
	}
	if got == nil || !bytes.Equal(got.Data, frame.Data) {
		t.Fatal("clean retransmit did not rebuild the frame")
	}
}

func TestAssemblerEvictsOldest(t *testing.T) {
	p := NewPacketizer(FECConfig{MinParity: 1}, NewLossEstimator(DefaultLossSmoothing))

	var evicted []uint64
	a := NewAssembler(AssemblerConfig{
		MaxPending: 2,
		OnUnrecoverable: func(frameSeq uint64, kind MediaKind, keyframe bool) {
			evicted = append(evicted, frameSeq)
		},
	})

	// Three incomplete frames with a pending cap of two: the oldest goes.
	for seq := uint64(1); seq <= 3; seq++ {
		block, err := p.Packetize(testFrame(seq, 5_000, FrameTypeDelta))
		if err != nil {
			t.Fatalf("Packetize failed: %v", err)
		}
		if _, err := a.Add(&block.Packets[0]); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("expected eviction of seq 1, got %v", evicted)
	}
}
