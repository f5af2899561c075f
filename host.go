package nightbeam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// HostConfig assembles the host-side collaborators shared by every
// session.
type HostConfig struct {
	// Capability bounds what offers are accepted.
	Capability HostCapability

	// VideoSource is the capture device shared by all sessions. The host
	// wraps it in a fan-out; each session reads through its own tap.
	VideoSource VideoSource

	// AudioSources creates a per-session audio source. Optional.
	AudioSources func() (AudioSource, error)

	// Encoders builds per-session encoders. Ignored for video when Lease
	// is set.
	Encoders EncoderProvider

	// Lease guards a single fixed-function video encoder. When set, each
	// session acquires it at setup and releases it at teardown; a second
	// concurrent session is refused.
	Lease *EncoderLease

	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int

	FEC       FECConfig
	Transport TransportConfig
	Input     InputSink

	Logger  *logrus.Logger
	Metrics *Metrics
}

// Host accepts client transports and runs one state machine per client.
type Host struct {
	config   HostConfig
	log      *logrus.Logger
	registry *Registry
	shared   *SharedVideoSource

	mu       sync.Mutex
	machines map[string]*StateMachine
	closed   bool
}

// NewHost creates a host around a shared capture source.
func NewHost(config HostConfig) (*Host, error) {
	if config.VideoSource == nil {
		return nil, errors.New("nil video source")
	}
	if config.Encoders == nil && config.Lease == nil {
		return nil, errors.New("no encoder provider or lease")
	}
	config.FEC.applyDefaults()
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	var registry *Registry
	if config.MaxSessions > 0 {
		registry = NewRegistryWithLimit(config.MaxSessions)
	} else {
		registry = NewRegistry()
	}

	return &Host{
		config:   config,
		log:      config.Logger,
		registry: registry,
		shared:   NewSharedVideoSource(config.VideoSource),
		machines: make(map[string]*StateMachine),
	}, nil
}

// Registry exposes the live session table.
func (h *Host) Registry() *Registry {
	return h.registry
}

// Accept builds the state machine for one connected client. The caller
// owns Run; Serve combines the two.
func (h *Host) Accept(endpoint string, transport *TransportSession) (*StateMachine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("host closed")
	}
	if _, exists := h.machines[endpoint]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, endpoint)
	}

	sm, err := NewStateMachine(StateMachineConfig{
		Endpoint:   endpoint,
		Capability: h.config.Capability,
		Registry:   h.registry,
		Transport:  transport,
		Pipelines:  PipelineFactoryFunc(h.newPipeline),
		FEC:        h.config.FEC,
		Input:      h.config.Input,
		Logger:     h.config.Logger,
		Metrics:    h.config.Metrics,
	})
	if err != nil {
		return nil, err
	}
	h.machines[endpoint] = sm
	go func() {
		<-sm.Done()
		h.mu.Lock()
		delete(h.machines, endpoint)
		h.mu.Unlock()
	}()
	return sm, nil
}

// Serve accepts one client and blocks until its session terminates.
func (h *Host) Serve(ctx context.Context, endpoint string, transport *TransportSession) error {
	sm, err := h.Accept(endpoint, transport)
	if err != nil {
		transport.Close()
		return err
	}
	sm.Run(ctx)
	return nil
}

// Close terminates the shared capture source. Active sessions observe
// capture EOF and tear down through their restart budget.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.shared.Close()
}

// newPipeline assembles the per-session streaming pipeline: a capture
// tap, a leased or freshly built encoder, and the orchestrator.
func (h *Host) newPipeline(session *Session) (Pipeline, error) {
	tap, err := h.shared.Attach()
	if err != nil {
		return nil, err
	}

	encCfg := VideoEncoderConfig{
		Codec:      ParseVideoCodec(session.Params.Video.Codec),
		Width:      session.Params.Video.Width,
		Height:     session.Params.Video.Height,
		FPS:        session.Params.Video.FPS,
		BitrateBps: session.Params.Video.BitrateBps,
	}

	var (
		enc     VideoEncoder
		release func()
	)
	if h.config.Lease != nil {
		enc, err = h.config.Lease.Acquire(session.ID)
		if err == nil {
			if rerr := enc.SetResolution(encCfg.Width, encCfg.Height); rerr != nil {
				err = rerr
			} else if rerr := enc.SetBitrate(encCfg.BitrateBps); rerr != nil {
				err = rerr
			}
			if err != nil {
				h.config.Lease.Release(session.ID)
			}
		}
		sessionID := session.ID
		release = func() { h.config.Lease.Release(sessionID) }
	} else {
		enc, err = h.config.Encoders.NewVideoEncoder(encCfg)
		release = func() {
			if enc != nil {
				enc.Close()
			}
		}
	}
	if err != nil {
		tap.Close()
		return nil, err
	}

	var (
		audioSrc AudioSource
		audioEnc AudioEncoder
	)
	if h.config.AudioSources != nil && h.config.Encoders != nil {
		audioSrc, err = h.config.AudioSources()
		if err == nil {
			audioEnc, err = h.config.Encoders.NewAudioEncoder(AudioEncoderConfig{
				Codec:      ParseAudioCodec(session.Params.Audio.Codec),
				SampleRate: session.Params.Audio.SampleRate,
				Channels:   session.Params.Audio.Channels,
				BitrateBps: session.Params.Audio.BitrateBps,
			})
		}
		if err != nil {
			release()
			tap.Close()
			return nil, err
		}
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Session:      session,
		VideoSource:  tap,
		AudioSource:  audioSrc,
		VideoEncoder: enc,
		AudioEncoder: audioEnc,
		Transport:    h.machineTransport(session.Endpoint),
		FEC:          h.config.FEC,
		Logger:       h.config.Logger,
		Metrics:      h.config.Metrics,
	})
	if err != nil {
		release()
		tap.Close()
		return nil, err
	}

	cleanup := func() {
		release()
		tap.Close()
		if audioSrc != nil {
			audioSrc.Close()
		}
		if audioEnc != nil {
			audioEnc.Close()
		}
	}
	return &hostPipeline{Orchestrator: orch, cleanup: cleanup}, nil
}

// machineTransport returns the transport of the machine serving an
// endpoint.
func (h *Host) machineTransport(endpoint string) *TransportSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sm, ok := h.machines[endpoint]; ok {
		return sm.config.Transport
	}
	return nil
}

// hostPipeline couples an orchestrator with the resource cleanup its
// session acquired at setup.
type hostPipeline struct {
	*Orchestrator
	cleanup func()
	once    sync.Once
}

func (p *hostPipeline) Stop() {
	p.Orchestrator.Stop()
	p.once.Do(p.cleanup)
}
