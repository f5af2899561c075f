package nightbeam

import (
	"context"
	"errors"
	"testing"
	"time"
)

type orchFixture struct {
	orch    *Orchestrator
	session *Session
	client  *PipeClient
}

func newOrchFixture(t *testing.T, fps int) *orchFixture {
	t.Helper()
	params := NegotiatedParams{
		Video: VideoParams{
			Width: 64, Height: 48, FPS: fps,
			BitrateBps: 500_000, Codec: "h264",
		},
	}
	session := NewSession("orch-test", params)
	transport, client := NewPipeTransport(TransportConfig{
		LivenessTimeout: time.Minute,
		MediaQueueLen:   4096,
	})

	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, FPS: fps})
	encoder := NewNullVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 48))

	orch, err := NewOrchestrator(OrchestratorConfig{
		Session:      session,
		VideoSource:  source,
		VideoEncoder: encoder,
		Transport:    transport,
		FEC:          FECConfig{ShardSize: 1024, MinParity: 1},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	t.Cleanup(func() {
		orch.Stop()
		client.Close()
	})
	return &orchFixture{orch: orch, session: session, client: client}
}

// newOrchFixtureWith builds an unstarted orchestrator so the queue
// admission paths can be driven directly.
func newOrchFixtureWith(t *testing.T, overrides OrchestratorConfig) *orchFixture {
	t.Helper()
	params := NegotiatedParams{
		Video: VideoParams{
			Width: 64, Height: 48, FPS: 60,
			BitrateBps: 500_000, Codec: "h264",
		},
	}
	session := NewSession("orch-queues", params)
	transport, client := NewPipeTransport(TransportConfig{LivenessTimeout: time.Minute})

	orch, err := NewOrchestrator(OrchestratorConfig{
		Session:        session,
		VideoSource:    NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, FPS: 60}),
		VideoEncoder:   NewNullVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 48)),
		Transport:      transport,
		FEC:            FECConfig{ShardSize: 1024, MinParity: 1},
		EncodeQueueLen: overrides.EncodeQueueLen,
		BlockQueueLen:  overrides.BlockQueueLen,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return &orchFixture{orch: orch, session: session, client: client}
}

// collectFrames reads shard packets off the media channel and reassembles
// complete frames until n video frames arrive or the deadline passes.
func (f *orchFixture) collectFrames(t *testing.T, n int, timeout time.Duration) []*EncodedFrame {
	t.Helper()
	asm := NewAssembler(AssemblerConfig{})
	var frames []*EncodedFrame
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			pkt, err := f.client.ReadMediaPacket()
			if err != nil {
				return
			}
			frame, err := asm.Add(pkt)
			if err != nil || frame == nil {
				continue
			}
			if frame.Kind != KindVideo {
				continue
			}
			frames = append(frames, frame)
			if len(frames) >= n {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		f.client.Close()
		<-done
	}
	if len(frames) < n {
		t.Fatalf("collected %d frames, want %d", len(frames), n)
	}
	return frames
}

func TestOrchestratorDeliversFrames(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	frames := f.collectFrames(t, 10, 5*time.Second)

	if !frames[0].IsKeyframe() {
		t.Error("first delivered frame is not a keyframe")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq <= frames[i-1].Seq {
			t.Fatalf("sequence not increasing: %d after %d", frames[i].Seq, frames[i-1].Seq)
		}
	}
	for _, frame := range frames {
		if len(frame.Data) == 0 {
			t.Fatal("reconstructed frame has no data")
		}
	}

	stats := f.session.Stats()
	if stats.ShardsSent == 0 {
		t.Error("stats report no shards sent")
	}
}

func TestOrchestratorStartTwice(t *testing.T) {
	f := newOrchFixture(t, 30)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.orch.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start returned %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestratorPauseStopsDelivery(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.collectFrames(t, 3, 5*time.Second)

	f.orch.Pause()

	// Single reader goroutine so packets queued before and after the
	// pause land on one channel in order.
	packets := make(chan *ShardPacket, 256)
	go func() {
		defer close(packets)
		for {
			pkt, err := f.client.ReadMediaPacket()
			if err != nil {
				return
			}
			packets <- pkt
		}
	}()

	// Drain packets already in flight when Pause landed, then expect
	// silence.
	for {
		select {
		case <-packets:
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}
	select {
	case pkt := <-packets:
		t.Fatalf("packet for frame %d delivered while paused", pkt.FrameSeq)
	case <-time.After(200 * time.Millisecond):
	}

	f.orch.Resume()
	asm := NewAssembler(AssemblerConfig{})
	deadline := time.After(5 * time.Second)
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				t.Fatal("media channel closed before a frame arrived")
			}
			frame, err := asm.Add(pkt)
			if err != nil || frame == nil || frame.Kind != KindVideo {
				continue
			}
			if !frame.IsKeyframe() {
				t.Fatal("first frame after resume is not a keyframe")
			}
			return
		case <-deadline:
			t.Fatal("no frame delivered after resume")
		}
	}
}

func TestOrchestratorStopIsObservable(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.collectFrames(t, 2, 5*time.Second)

	done := make(chan struct{})
	go func() {
		f.orch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	// Stop is idempotent.
	f.orch.Stop()
}

func TestOrchestratorKeyframeOnRequest(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.collectFrames(t, 2, 5*time.Second)

	before := f.session.Stats().KeyframesForced
	f.orch.RequestKeyframe()
	if got := f.session.Stats().KeyframesForced; got != before+1 {
		t.Fatalf("KeyframesForced %d, want %d", got, before+1)
	}

	asm := NewAssembler(AssemblerConfig{})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := f.client.ReadMediaPacket()
		if err != nil {
			t.Fatalf("media read failed: %v", err)
		}
		frame, aerr := asm.Add(pkt)
		if aerr != nil || frame == nil {
			continue
		}
		if frame.IsKeyframe() {
			return
		}
	}
	t.Fatal("no keyframe delivered after request")
}

func TestOrchestratorReconfigureForcesKeyframe(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.collectFrames(t, 2, 5*time.Second)

	err := f.orch.Reconfigure(VideoParams{
		Width: 64, Height: 48, FPS: 60,
		BitrateBps: 250_000, Codec: "h264",
	})
	if err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	asm := NewAssembler(AssemblerConfig{})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := f.client.ReadMediaPacket()
		if err != nil {
			t.Fatalf("media read failed: %v", err)
		}
		frame, aerr := asm.Add(pkt)
		if aerr != nil || frame == nil || frame.Kind != KindVideo {
			continue
		}
		if !frame.IsKeyframe() {
			t.Fatal("first frame after reconfigure is not a keyframe")
		}
		return
	}
	t.Fatal("no frame delivered after reconfigure")
}

func TestOrchestratorReconfigureKeepsPaused(t *testing.T) {
	f := newOrchFixture(t, 60)
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.collectFrames(t, 2, 5*time.Second)

	f.orch.Pause()

	packets := make(chan *ShardPacket, 256)
	go func() {
		defer close(packets)
		for {
			pkt, err := f.client.ReadMediaPacket()
			if err != nil {
				return
			}
			packets <- pkt
		}
	}()
	for {
		select {
		case <-packets:
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}

	// Reconfiguring a paused session must not restart delivery; only an
	// explicit play does that.
	err := f.orch.Reconfigure(VideoParams{
		Width: 64, Height: 48, FPS: 60,
		BitrateBps: 250_000, Codec: "h264",
	})
	if err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	select {
	case pkt := <-packets:
		t.Fatalf("packet for frame %d delivered while paused", pkt.FrameSeq)
	case <-time.After(300 * time.Millisecond):
	}

	f.orch.Resume()
	asm := NewAssembler(AssemblerConfig{})
	deadline := time.After(5 * time.Second)
	for {
		select {
		case pkt, ok := <-packets:
			if !ok {
				t.Fatal("media channel closed before a frame arrived")
			}
			frame, aerr := asm.Add(pkt)
			if aerr != nil || frame == nil || frame.Kind != KindVideo {
				continue
			}
			if !frame.IsKeyframe() {
				t.Fatal("first frame after resume is not a keyframe")
			}
			return
		case <-deadline:
			t.Fatal("no frame delivered after resume")
		}
	}
}

func TestOrchestratorEncodeQueueShedsOldest(t *testing.T) {
	f := newOrchFixtureWith(t, OrchestratorConfig{EncodeQueueLen: 1})

	frames := make([]*VideoFrame, 3)
	for i := range frames {
		frames[i] = &VideoFrame{Width: 64, Height: 48, Format: PixelFormatI420}
	}
	for _, frame := range frames {
		f.orch.enqueueFrame(frame) // must never block
	}

	stats := f.session.Stats()
	if stats.FramesDropped != 2 {
		t.Fatalf("FramesDropped = %d, want 2", stats.FramesDropped)
	}
	if stats.KeyframesForced != 2 {
		t.Fatalf("every drop must force a keyframe, got %d", stats.KeyframesForced)
	}
	select {
	case got := <-f.orch.rawQ:
		if got != frames[2] {
			t.Fatal("queue kept an older frame instead of the newest")
		}
	default:
		t.Fatal("newest frame missing from the queue")
	}
}

func TestOrchestratorBlockQueueShedsWholeBlocks(t *testing.T) {
	f := newOrchFixtureWith(t, OrchestratorConfig{BlockQueueLen: 1})

	block := func(seq uint64, kind MediaKind) *FecBlock {
		return &FecBlock{FrameSeq: seq, Kind: kind}
	}
	f.orch.enqueueBlock(block(1, KindVideo))
	f.orch.enqueueBlock(block(2, KindVideo))
	f.orch.enqueueBlock(block(3, KindVideo))

	stats := f.session.Stats()
	if stats.BlocksDropped != 2 {
		t.Fatalf("BlocksDropped = %d, want 2", stats.BlocksDropped)
	}
	if stats.KeyframesForced != 2 {
		t.Fatalf("video block drops must force keyframes, got %d", stats.KeyframesForced)
	}
	select {
	case got := <-f.orch.blockQ:
		if got.FrameSeq != 3 {
			t.Fatalf("queue kept block %d instead of the newest", got.FrameSeq)
		}
	default:
		t.Fatal("newest block missing from the queue")
	}

	// Audio drops are silent: no keyframe churn.
	f.orch.enqueueBlock(block(10, KindAudio))
	f.orch.enqueueBlock(block(11, KindAudio))
	stats = f.session.Stats()
	if stats.BlocksDropped != 3 {
		t.Fatalf("BlocksDropped = %d after audio overflow, want 3", stats.BlocksDropped)
	}
	if stats.KeyframesForced != 2 {
		t.Fatalf("audio drop forced a keyframe: %d", stats.KeyframesForced)
	}
}

// slowVideoEncoder stalls each encode to saturate the pipeline upstream.
type slowVideoEncoder struct {
	VideoEncoder
	delay time.Duration
}

func (e *slowVideoEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	time.Sleep(e.delay)
	return e.VideoEncoder.Encode(frame)
}

func TestOrchestratorSaturationNeverBlocksCapture(t *testing.T) {
	params := NegotiatedParams{
		Video: VideoParams{Width: 64, Height: 48, FPS: 120, BitrateBps: 500_000, Codec: "h264"},
	}
	session := NewSession("saturated", params)
	transport, client := NewPipeTransport(TransportConfig{
		LivenessTimeout: time.Minute,
		MediaQueueLen:   4096,
	})

	orch, err := NewOrchestrator(OrchestratorConfig{
		Session:     session,
		VideoSource: NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, FPS: 120}),
		VideoEncoder: &slowVideoEncoder{
			VideoEncoder: NewNullVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 48)),
			delay:        50 * time.Millisecond,
		},
		Transport:      transport,
		FEC:            FECConfig{ShardSize: 1024, MinParity: 1},
		EncodeQueueLen: 1,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	defer func() {
		orch.Stop()
		client.Close()
	}()
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The 120 fps source outruns the 50 ms encoder many times over; the
	// pipeline must shed frames rather than stall, and still deliver.
	asm := NewAssembler(AssemblerConfig{})
	delivered := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && delivered < 3 {
		pkt, err := client.ReadMediaPacket()
		if err != nil {
			t.Fatalf("media read failed: %v", err)
		}
		if frame, aerr := asm.Add(pkt); aerr == nil && frame != nil {
			delivered++
		}
	}
	if delivered < 3 {
		t.Fatalf("only %d frames delivered under saturation", delivered)
	}
	if f := session.Stats().FramesDropped; f == 0 {
		t.Fatal("saturated pipeline shed no frames")
	}
}

func TestOrchestratorAudioInterleaved(t *testing.T) {
	params := NegotiatedParams{
		Video: VideoParams{Width: 64, Height: 48, FPS: 60, BitrateBps: 500_000, Codec: "h264"},
		Audio: AudioParams{SampleRate: 48000, Channels: 2, BitrateBps: 128_000, Codec: "opus"},
	}
	session := NewSession("orch-audio", params)
	transport, client := NewPipeTransport(TransportConfig{
		LivenessTimeout: time.Minute,
		MediaQueueLen:   4096,
	})

	orch, err := NewOrchestrator(OrchestratorConfig{
		Session:      session,
		VideoSource:  NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, FPS: 60}),
		AudioSource:  NewTestToneSource(DefaultTestToneConfig()),
		VideoEncoder: NewNullVideoEncoder(DefaultVideoEncoderConfig(VideoCodecH264, 64, 48)),
		AudioEncoder: NewNullAudioEncoder(DefaultAudioEncoderConfig(AudioCodecOpus)),
		Transport:    transport,
		FEC:          FECConfig{ShardSize: 1024, MinParity: 1},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	defer func() {
		orch.Stop()
		client.Close()
	}()
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	asm := NewAssembler(AssemblerConfig{})
	var video, audio int
	var lastAudioSeq uint64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (video < 5 || audio < 5) {
		pkt, err := client.ReadMediaPacket()
		if err != nil {
			t.Fatalf("media read failed: %v", err)
		}
		frame, aerr := asm.Add(pkt)
		if aerr != nil || frame == nil {
			continue
		}
		switch frame.Kind {
		case KindVideo:
			video++
		case KindAudio:
			audio++
			if audio > 1 && frame.Seq <= lastAudioSeq {
				t.Fatalf("audio sequence not increasing: %d after %d", frame.Seq, lastAudioSeq)
			}
			lastAudioSeq = frame.Seq
		}
	}
	if video < 5 || audio < 5 {
		t.Fatalf("interleaving starved a kind: %d video, %d audio", video, audio)
	}
}
