package nightbeam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Orchestrator errors.
var (
	ErrPipelineFatal  = errors.New("pipeline failed beyond restart budget")
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

// OrchestratorConfig configures one session's pipeline.
type OrchestratorConfig struct {
	Session      *Session
	VideoSource  VideoSource
	AudioSource  AudioSource // optional
	VideoEncoder VideoEncoder
	AudioEncoder AudioEncoder // optional; required when AudioSource is set
	Transport    *TransportSession
	FEC          FECConfig

	// EncodeQueueLen bounds frames waiting for the encoder. On overflow
	// the oldest pending non-keyframe frame is dropped; capture is never
	// blocked. Default 2.
	EncodeQueueLen int

	// BlockQueueLen bounds FEC blocks waiting for the transport. On
	// overflow the entire oldest block is dropped: a partially sent frame
	// cannot be made useful by sending the rest of its shards late.
	// Default 8.
	BlockQueueLen int

	// MaxRestartAttempts bounds transparent capture/encoder restarts
	// before the failure becomes session-fatal. Default 3.
	MaxRestartAttempts int

	Logger  *logrus.Logger
	Metrics *Metrics // optional
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.EncodeQueueLen <= 0 {
		c.EncodeQueueLen = 2
	}
	if c.BlockQueueLen <= 0 {
		c.BlockQueueLen = 8
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Orchestrator drives one session's pipeline -- capture, encode, FEC,
// transport -- at the capture source's cadence, under a per-frame deadline
// derived from the negotiated frame rate. Bounded queues at each stage
// boundary are the single backpressure mechanism; shedding policy is
// drop-frames-never-block-capture.
type Orchestrator struct {
	config  OrchestratorConfig
	session *Session
	log     *logrus.Entry

	videoFEC *Packetizer
	audioFEC *Packetizer

	rawQ   chan *VideoFrame
	blockQ chan *FecBlock
	fatal  chan error

	paused  atomic.Bool
	started atomic.Bool
	stopped atomic.Bool

	frameBudget time.Duration

	// reconfigMu serializes parameter swaps against the encode loop so a
	// reconfigure is atomic from the pipeline's point of view.
	reconfigMu sync.Mutex

	videoSeq uint64 // owned by the video encode loop
	audioSeq uint64 // owned by the audio loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires a pipeline for one session. Nothing runs until
// Start.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if config.VideoSource == nil {
		return nil, fmt.Errorf("video source is required")
	}
	if config.VideoEncoder == nil {
		return nil, fmt.Errorf("video encoder is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.AudioSource != nil && config.AudioEncoder == nil {
		return nil, fmt.Errorf("audio encoder is required with an audio source")
	}
	config.applyDefaults()

	fec := config.FEC
	if fec.MinKeyframeParity < config.Session.Params.MinFecShards {
		fec.MinKeyframeParity = config.Session.Params.MinFecShards
	}

	fps := config.Session.Params.Video.FPS
	if fps <= 0 {
		fps = 30
	}

	o := &Orchestrator{
		config:      config,
		session:     config.Session,
		log:         config.Logger.WithField("session", config.Session.ID),
		videoFEC:    NewPacketizer(fec, config.Session.Loss),
		audioFEC:    NewPacketizer(fec, config.Session.Loss),
		rawQ:        make(chan *VideoFrame, config.EncodeQueueLen),
		blockQ:      make(chan *FecBlock, config.BlockQueueLen),
		fatal:       make(chan error, 1),
		frameBudget: time.Second / time.Duration(fps),
	}
	return o, nil
}

// Start launches the pipeline goroutines and begins capture.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	o.ctx, o.cancel = context.WithCancel(ctx)

	if err := o.config.VideoSource.Start(o.ctx); err != nil {
		return fmt.Errorf("failed to start video source: %w", err)
	}
	if o.config.AudioSource != nil {
		if err := o.config.AudioSource.Start(o.ctx); err != nil {
			o.config.VideoSource.Stop()
			return fmt.Errorf("failed to start audio source: %w", err)
		}
	}

	// First delivered frame must be decodable on its own.
	o.config.VideoEncoder.RequestKeyframe()

	o.wg.Add(3)
	go o.captureLoop()
	go o.encodeLoop()
	go o.sendLoop()
	if o.config.AudioSource != nil {
		o.wg.Add(1)
		go o.audioLoop()
	}
	o.log.WithFields(logrus.Fields{
		"video": fmt.Sprintf("%dx%d@%d", o.session.Params.Video.Width,
			o.session.Params.Video.Height, o.session.Params.Video.FPS),
	}).Info("pipeline started")
	return nil
}

// Stop cancels all in-flight pipeline work for this session. It returns
// once every pipeline goroutine has exited, so teardown is observable as
// completed, not best-effort.
func (o *Orchestrator) Stop() {
	if !o.started.Load() || !o.stopped.CompareAndSwap(false, true) {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.config.VideoSource.Stop()
	if o.config.AudioSource != nil {
		o.config.AudioSource.Stop()
	}
	o.log.Info("pipeline stopped")
}

// Pause suspends frame delivery while capture idles along; the session and
// its negotiated parameters stay alive.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	o.drainQueues()
}

// Resume restarts delivery after a pause, forcing a keyframe so the client
// resynchronizes immediately.
func (o *Orchestrator) Resume() {
	o.RequestKeyframe()
	o.paused.Store(false)
}

// RequestKeyframe forces the encoder's next frame to be a keyframe.
func (o *Orchestrator) RequestKeyframe() {
	o.config.VideoEncoder.RequestKeyframe()
	o.session.addStats(func(s *SessionStats) { s.KeyframesForced++ })
	if o.config.Metrics != nil {
		o.config.Metrics.KeyframesForced.Inc()
	}
}

// Reconfigure atomically swaps video parameters mid-session: delivery
// pauses, in-flight FEC blocks for the old parameters are drained, the
// encoder is retargeted, and the first frame after resumption is a
// keyframe.
func (o *Orchestrator) Reconfigure(video VideoParams) error {
	o.reconfigMu.Lock()
	defer o.reconfigMu.Unlock()

	// Delivery stops for the swap and returns to whatever it was before:
	// a paused session stays paused until an explicit play.
	wasPaused := o.paused.Swap(true)
	defer o.paused.Store(wasPaused)
	o.drainQueues()

	enc := o.config.VideoEncoder
	cfg := enc.Config()
	if video.Width != cfg.Width || video.Height != cfg.Height {
		if err := enc.SetResolution(video.Width, video.Height); err != nil {
			return fmt.Errorf("failed to apply resolution %dx%d: %w", video.Width, video.Height, err)
		}
	}
	if video.BitrateBps > 0 && video.BitrateBps != cfg.BitrateBps {
		if err := enc.SetBitrate(video.BitrateBps); err != nil {
			return fmt.Errorf("failed to apply bitrate %d: %w", video.BitrateBps, err)
		}
	}

	o.RequestKeyframe()
	o.log.WithFields(logrus.Fields{
		"width": video.Width, "height": video.Height, "bitrate": video.BitrateBps,
	}).Info("pipeline reconfigured")
	return nil
}

// Fatal surfaces the pipeline's unrecoverable error, if any. The state
// machine consumes it and is the sole authority for ending the session.
func (o *Orchestrator) Fatal() <-chan error {
	return o.fatal
}

func (o *Orchestrator) failFatal(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}

// drainQueues discards pending raw frames and FEC blocks. Callers pause
// delivery first so the queues cannot refill underneath.
func (o *Orchestrator) drainQueues() {
	for len(o.rawQ) > 0 {
		select {
		case <-o.rawQ:
		default:
		}
	}
	for len(o.blockQ) > 0 {
		select {
		case <-o.blockQ:
		default:
		}
	}
}

// captureLoop pulls frames at the source's native cadence. It never
// blocks on downstream stages: when the encoder queue is full the oldest
// pending frame is shed instead.
func (o *Orchestrator) captureLoop() {
	defer o.wg.Done()

	restarts := 0
	for {
		frame, err := o.config.VideoSource.ReadFrame(o.ctx)
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			restarts++
			o.session.addStats(func(s *SessionStats) { s.EncoderRestarts++ })
			if restarts > o.config.MaxRestartAttempts {
				o.failFatal(fmt.Errorf("%w: video capture: %v", ErrPipelineFatal, err))
				return
			}
			o.log.WithError(err).Warn("video capture failed, restarting source")
			o.config.VideoSource.Stop()
			if startErr := o.config.VideoSource.Start(o.ctx); startErr != nil {
				o.failFatal(fmt.Errorf("%w: video capture restart: %v", ErrPipelineFatal, startErr))
				return
			}
			continue
		}
		restarts = 0

		if frame == nil || o.paused.Load() {
			continue
		}
		o.enqueueFrame(frame)
	}
}

// enqueueFrame hands a frame to the encode stage without ever blocking.
// On overflow the oldest pending frame is shed first. Shedding raw frames
// is always safe: an outstanding keyframe obligation lives in the
// encoder's force flag, not in any particular input frame, and every drop
// re-requests a keyframe so the client can resync.
func (o *Orchestrator) enqueueFrame(frame *VideoFrame) {
	for {
		select {
		case o.rawQ <- frame:
			return
		default:
		}
		select {
		case <-o.rawQ:
			o.recordFrameDrop()
		default:
			// Encoder drained the queue between the two selects.
		}
	}
}

func (o *Orchestrator) recordFrameDrop() {
	o.session.addStats(func(s *SessionStats) { s.FramesDropped++ })
	if o.config.Metrics != nil {
		o.config.Metrics.FramesDropped.Inc()
	}
	o.RequestKeyframe()
}

// encodeLoop compresses frames in strict capture order and feeds the FEC
// stage.
func (o *Orchestrator) encodeLoop() {
	defer o.wg.Done()

	restarts := 0
	for {
		var frame *VideoFrame
		select {
		case frame = <-o.rawQ:
		case <-o.ctx.Done():
			return
		}

		o.reconfigMu.Lock()
		start := time.Now()
		encoded, err := o.config.VideoEncoder.Encode(frame)
		elapsed := time.Since(start)
		o.reconfigMu.Unlock()

		if elapsed > o.frameBudget {
			o.session.addStats(func(s *SessionStats) { s.DeadlineMisses++ })
		}
		if err != nil {
			restarts++
			o.session.addStats(func(s *SessionStats) { s.EncoderRestarts++ })
			if restarts > o.config.MaxRestartAttempts {
				o.failFatal(fmt.Errorf("%w: video encode: %v", ErrPipelineFatal, err))
				return
			}
			o.log.WithError(err).Warn("video encode failed, retrying with keyframe")
			o.config.VideoEncoder.RequestKeyframe()
			continue
		}
		restarts = 0
		if encoded == nil {
			continue // encoder buffering
		}

		o.videoSeq++
		encoded.Seq = o.videoSeq

		block, err := o.videoFEC.Packetize(encoded)
		if err != nil {
			// Frame-local: log, discard, resync.
			o.log.WithError(err).Warn("video packetize failed, dropping frame")
			o.recordFrameDrop()
			continue
		}
		o.enqueueBlock(block)
	}
}

// audioLoop captures, encodes, and packetizes audio. Audio is cheap and
// never triggers keyframes; its blocks share the send queue.
func (o *Orchestrator) audioLoop() {
	defer o.wg.Done()

	for {
		samples, err := o.config.AudioSource.ReadSamples(o.ctx)
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			continue
		}
		if samples == nil || o.paused.Load() {
			continue
		}

		encoded, err := o.config.AudioEncoder.Encode(samples)
		if err != nil || encoded == nil {
			continue
		}
		o.audioSeq++
		encoded.Seq = o.audioSeq

		block, err := o.audioFEC.Packetize(encoded)
		if err != nil {
			continue
		}
		o.enqueueBlock(block)
	}
}

// enqueueBlock hands a FEC block to the send stage without blocking. On
// overflow the entire oldest pending block is dropped -- sending only some
// of a frame's shards late cannot make the frame useful.
func (o *Orchestrator) enqueueBlock(block *FecBlock) {
	for {
		select {
		case o.blockQ <- block:
			return
		default:
		}
		select {
		case old := <-o.blockQ:
			o.session.addStats(func(s *SessionStats) { s.BlocksDropped++ })
			if o.config.Metrics != nil {
				o.config.Metrics.BlocksDropped.Inc()
			}
			if old.Kind == KindVideo {
				o.RequestKeyframe()
			}
		default:
		}
	}
}

// sendLoop hands shard packets to the transport.
func (o *Orchestrator) sendLoop() {
	defer o.wg.Done()

	for {
		var block *FecBlock
		select {
		case block = <-o.blockQ:
		case <-o.ctx.Done():
			return
		}

		for i := range block.Packets {
			if err := o.config.Transport.SendMedia(&block.Packets[i]); err != nil {
				if errors.Is(err, ErrTransportClosed) {
					return
				}
				o.log.WithError(err).Debug("media send failed")
			}
		}
		o.session.addStats(func(s *SessionStats) { s.ShardsSent += uint64(len(block.Packets)) })
		if o.config.Metrics != nil {
			o.config.Metrics.ShardsSent.Add(float64(len(block.Packets)))
			o.config.Metrics.ParityShards.Set(float64(block.M))
		}
	}
}
