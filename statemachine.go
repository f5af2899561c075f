package nightbeam

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline is the streaming machinery the state machine drives. The
// Orchestrator satisfies it; tests substitute lighter fakes.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume()
	RequestKeyframe()
	Reconfigure(video VideoParams) error
	Fatal() <-chan error
}

// PipelineFactory builds the pipeline for a freshly negotiated session.
// Implementations acquire the encoder and capture resources; the returned
// pipeline's Stop must release them.
type PipelineFactory interface {
	NewPipeline(session *Session) (Pipeline, error)
}

// PipelineFactoryFunc adapts a function to PipelineFactory.
type PipelineFactoryFunc func(session *Session) (Pipeline, error)

func (f PipelineFactoryFunc) NewPipeline(session *Session) (Pipeline, error) {
	return f(session)
}

// StateTransition is one observed state change, published to the
// Transitions channel.
type StateTransition struct {
	SessionID string
	From      SessionState
	To        SessionState
	Reason    string
}

// StateMachineConfig configures a per-client state machine.
type StateMachineConfig struct {
	// Endpoint identifies the client this machine serves.
	Endpoint string

	// Capability bounds what offers the host accepts.
	Capability HostCapability

	// Registry tracks live sessions; the machine adds on negotiation and
	// removes on termination. Optional.
	Registry *Registry

	// Transport carries control and media for this client.
	Transport *TransportSession

	// Pipelines builds the streaming pipeline once a session is set up.
	Pipelines PipelineFactory

	// FEC supplies the shard size advertised in the answer.
	FEC FECConfig

	// Input receives decoded client input events. Defaults to discard.
	Input InputSink

	// ReplyTimeout bounds each outbound control send. Default 2s.
	ReplyTimeout time.Duration

	Logger  *logrus.Logger
	Metrics *Metrics
}

func (c *StateMachineConfig) applyDefaults() {
	c.FEC.applyDefaults()
	if c.Input == nil {
		c.Input = DiscardInputSink{}
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// StateMachine owns the control-plane lifecycle for one client: offer
// evaluation, session setup, play/pause, reconfiguration, and teardown.
// All transitions happen on the Run goroutine; State is safe to read from
// anywhere.
type StateMachine struct {
	config StateMachineConfig
	log    *logrus.Entry

	state    atomic.Int32
	session  atomic.Pointer[Session]
	pipeline Pipeline

	transitions chan StateTransition
	done        chan struct{}
}

// NewStateMachine creates a state machine in StateIdle. Run drives it.
func NewStateMachine(config StateMachineConfig) (*StateMachine, error) {
	if config.Transport == nil {
		return nil, errors.New("nil transport")
	}
	if config.Pipelines == nil {
		return nil, errors.New("nil pipeline factory")
	}
	config.applyDefaults()
	m := &StateMachine{
		config:      config,
		log:         config.Logger.WithField("endpoint", config.Endpoint),
		transitions: make(chan StateTransition, 16),
		done:        make(chan struct{}),
	}
	m.state.Store(int32(StateIdle))
	return m, nil
}

// State returns the current session state.
func (m *StateMachine) State() SessionState {
	return SessionState(m.state.Load())
}

// Session returns the negotiated session, nil before negotiation.
func (m *StateMachine) Session() *Session {
	return m.session.Load()
}

// Transitions exposes state changes as they happen. The channel is
// buffered; slow consumers miss events rather than stalling control.
func (m *StateMachine) Transitions() <-chan StateTransition {
	return m.transitions
}

// Done closes when the machine reaches StateTerminated.
func (m *StateMachine) Done() <-chan struct{} {
	return m.done
}

// Run consumes transport events until the session terminates. It always
// leaves the machine in StateTerminated with the pipeline stopped, the
// session deregistered, and the transport closed.
func (m *StateMachine) Run(ctx context.Context) {
	reason := "context canceled"
	defer func() { m.terminate(reason) }()

	for {
		var fatal <-chan error
		if m.pipeline != nil {
			fatal = m.pipeline.Fatal()
		}
		select {
		case <-ctx.Done():
			return
		case err := <-fatal:
			m.log.WithError(err).Error("pipeline failed")
			m.sendError(ctx, "pipeline", err.Error())
			reason = "pipeline failure"
			return
		case ev, ok := <-m.config.Transport.Events():
			if !ok {
				reason = "transport closed"
				return
			}
			switch ev.Type {
			case EventControl:
				if done := m.handleControl(ctx, ev.Message); done {
					reason = "teardown"
					return
				}
			case EventFeedback:
				m.handleFeedback(ev.Datagram)
			case EventLivenessLost:
				m.log.Warn("liveness timeout, terminating")
				reason = "liveness timeout"
				return
			case EventClosed:
				reason = "transport closed"
				return
			}
		}
	}
}

// handleControl dispatches one control message against the current state.
// It returns true when the machine should terminate.
func (m *StateMachine) handleControl(ctx context.Context, msg *ControlMessage) bool {
	if msg == nil {
		return false
	}
	state := m.State()
	m.log.WithFields(logrus.Fields{
		"type":  msg.Type.String(),
		"state": state.String(),
	}).Debug("control message")

	switch msg.Type {
	case MsgOffer:
		if state != StateIdle {
			m.sendError(ctx, "illegal", "offer outside idle")
			return false
		}
		return m.handleOffer(ctx, msg)

	case MsgSetup:
		if state != StateNegotiating || m.pipeline != nil {
			m.sendError(ctx, "illegal", "setup outside negotiation")
			return false
		}
		return m.handleSetup(ctx, msg)

	case MsgPlay:
		switch state {
		case StateNegotiating:
			if m.pipeline == nil {
				m.sendError(ctx, "illegal", "play before setup")
				return false
			}
			return m.handleFirstPlay(ctx)
		case StatePaused:
			m.pipeline.Resume()
			m.setState(StateStreaming, "resume")
			return false
		default:
			m.sendError(ctx, "illegal", "play outside negotiation or pause")
			return false
		}

	case MsgPause:
		if state != StateStreaming {
			m.sendError(ctx, "illegal", "pause outside streaming")
			return false
		}
		m.pipeline.Pause()
		m.setState(StatePaused, "pause")
		return false

	case MsgReconfigure:
		if state != StateStreaming && state != StatePaused {
			m.sendError(ctx, "illegal", "reconfigure outside streaming")
			return false
		}
		return m.handleReconfigure(ctx, msg, state)

	case MsgTeardown:
		var td Teardown
		reason := "client teardown"
		if err := msg.Decode(&td); err == nil && td.Reason != "" {
			reason = td.Reason
		}
		m.log.WithField("reason", reason).Info("teardown requested")
		return true

	case MsgHeartbeat:
		if s := m.session.Load(); s != nil {
			s.Touch()
		}
		return false

	case MsgLossReport:
		m.handleLossReport(msg)
		return false

	case MsgInput:
		var batch InputBatch
		if err := msg.Decode(&batch); err != nil {
			m.sendError(ctx, "malformed", "bad input batch")
			return false
		}
		for _, ev := range batch.Events {
			m.config.Input.Deliver(ev)
		}
		if s := m.session.Load(); s != nil {
			s.Touch()
		}
		return false

	default:
		m.sendError(ctx, "illegal", fmt.Sprintf("unexpected %s", msg.Type))
		return false
	}
}

func (m *StateMachine) handleOffer(ctx context.Context, msg *ControlMessage) bool {
	var offer Offer
	if err := msg.Decode(&offer); err != nil {
		m.reject(ctx, "malformed offer")
		return true
	}
	params, err := m.config.Capability.EvaluateOffer(offer)
	if err != nil {
		m.log.WithError(err).Info("offer rejected")
		m.reject(ctx, err.Error())
		return true
	}

	session := NewSession(m.config.Endpoint, params)
	if m.config.Registry != nil {
		if err := m.config.Registry.Add(session); err != nil {
			m.log.WithError(err).Warn("session registration failed")
			m.reject(ctx, "endpoint busy")
			return true
		}
	}
	m.session.Store(session)
	m.config.Transport.SetQoS(params.QoS)
	m.log.WithFields(logrus.Fields{
		"session": session.ID,
		"video": fmt.Sprintf("%dx%d@%d", params.Video.Width,
			params.Video.Height, params.Video.FPS),
		"qos": params.QoS,
	}).Info("session negotiated")

	answer := Answer{
		SessionID:          session.ID,
		Video:              params.Video,
		Audio:              params.Audio,
		FecShardSize:       m.config.FEC.ShardSize,
		LivenessTimeoutSec: int(m.livenessTimeout() / time.Second),
	}
	if err := m.reply(ctx, MsgAnswer, answer); err != nil {
		m.log.WithError(err).Error("answer send failed")
		return true
	}
	m.setState(StateNegotiating, "offer accepted")
	return false
}

func (m *StateMachine) handleSetup(ctx context.Context, msg *ControlMessage) bool {
	session := m.session.Load()
	var setup Setup
	if err := msg.Decode(&setup); err != nil || setup.SessionID != session.ID {
		m.sendError(ctx, "malformed", "bad setup session id")
		return false
	}
	pipeline, err := m.config.Pipelines.NewPipeline(session)
	if err != nil {
		m.log.WithError(err).Error("pipeline construction failed")
		m.sendError(ctx, "resource", err.Error())
		return true
	}
	m.pipeline = pipeline
	return false
}

func (m *StateMachine) handleFirstPlay(ctx context.Context) bool {
	if err := m.pipeline.Start(ctx); err != nil {
		m.log.WithError(err).Error("pipeline start failed")
		m.sendError(ctx, "resource", err.Error())
		return true
	}
	m.setState(StateStreaming, "play")
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsStarted.Inc()
		m.config.Metrics.ActiveSessions.Inc()
	}
	return false
}

func (m *StateMachine) handleReconfigure(ctx context.Context, msg *ControlMessage, prev SessionState) bool {
	session := m.session.Load()
	var req Reconfigure
	if err := msg.Decode(&req); err != nil || req.SessionID != session.ID {
		m.sendError(ctx, "malformed", "bad reconfigure")
		return false
	}
	if req.Video.Codec != "" && req.Video.Codec != session.Params.Video.Codec {
		m.sendError(ctx, "unsupported", "codec change requires renegotiation")
		return false
	}
	if err := validateVideoParams(m.config.Capability, req.Video); err != nil {
		m.sendError(ctx, "unsupported", err.Error())
		return false
	}

	m.setState(StateReconfiguring, "reconfigure")
	if err := m.pipeline.Reconfigure(req.Video); err != nil {
		m.log.WithError(err).Error("reconfigure failed")
		m.sendError(ctx, "resource", err.Error())
		return true
	}
	session.Params.Video = req.Video
	if err := m.reply(ctx, MsgReconfigured, Reconfigured{
		SessionID: session.ID,
		Video:     req.Video,
	}); err != nil {
		m.log.WithError(err).Error("reconfigured ack failed")
		return true
	}
	m.setState(prev, "reconfigured")
	return false
}

func (m *StateMachine) handleLossReport(msg *ControlMessage) {
	session := m.session.Load()
	if session == nil {
		return
	}
	var report LossReport
	if err := msg.Decode(&report); err != nil {
		return
	}
	estimate := session.RecordLossReport(report)
	if report.FramesLost > 0 && m.pipeline != nil {
		// Frames already past the FEC boundary: only a fresh keyframe
		// restores the client's decode chain.
		m.pipeline.RequestKeyframe()
	}
	if m.config.Metrics != nil {
		m.config.Metrics.LossReports.Inc()
		m.config.Metrics.LossEstimate.Set(estimate)
	}
	m.log.WithFields(logrus.Fields{
		"shardsLost": report.ShardsLost,
		"framesLost": report.FramesLost,
		"estimate":   estimate,
	}).Debug("loss report")
}

// handleFeedback decodes input datagrams from the unreliable channel.
// Unknown datagrams are dropped.
func (m *StateMachine) handleFeedback(data []byte) {
	ev, err := UnmarshalInputEvent(data)
	if err != nil {
		return
	}
	m.config.Input.Deliver(ev)
}

// terminate tears everything down exactly once.
func (m *StateMachine) terminate(reason string) {
	select {
	case <-m.done:
		return
	default:
	}

	session := m.session.Load()
	if m.pipeline != nil {
		m.pipeline.Stop()
		m.pipeline = nil
	}
	if session != nil && m.config.Registry != nil {
		m.config.Registry.Remove(session.Endpoint)
	}

	prev := m.State()
	wasActive := prev == StateStreaming || prev == StatePaused || prev == StateReconfiguring
	m.setState(StateTerminated, reason)
	if wasActive && m.config.Metrics != nil {
		m.config.Metrics.ActiveSessions.Dec()
	}

	// Best-effort notice; the transport may already be gone.
	if session != nil {
		msg, err := NewControlMessage(MsgTeardown, Teardown{
			SessionID: session.ID,
			Reason:    reason,
		})
		if err == nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), m.config.ReplyTimeout)
			_ = m.config.Transport.SendControl(sendCtx, msg)
			cancel()
		}
	}
	_ = m.config.Transport.Close()

	close(m.done)
	m.log.WithField("reason", reason).Info("session terminated")
}

func (m *StateMachine) setState(to SessionState, reason string) {
	from := SessionState(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	if m.config.Metrics != nil {
		m.config.Metrics.RecordTransition(from, to)
	}
	tr := StateTransition{From: from, To: to, Reason: reason}
	if s := m.session.Load(); s != nil {
		tr.SessionID = s.ID
	}
	select {
	case m.transitions <- tr:
	default:
	}
	m.log.WithFields(logrus.Fields{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}).Info("state transition")
}

func (m *StateMachine) reply(ctx context.Context, t ControlType, payload any) error {
	msg, err := NewControlMessage(t, payload)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.config.ReplyTimeout)
	defer cancel()
	return m.config.Transport.SendControl(sendCtx, msg)
}

func (m *StateMachine) reject(ctx context.Context, reason string) {
	if m.config.Metrics != nil {
		m.config.Metrics.SessionsRejected.Inc()
	}
	if err := m.reply(ctx, MsgReject, Reject{Reason: reason}); err != nil {
		m.log.WithError(err).Debug("reject send failed")
	}
}

func (m *StateMachine) sendError(ctx context.Context, code, message string) {
	reply := ErrorReply{Code: code, Message: message}
	if s := m.session.Load(); s != nil {
		reply.SessionID = s.ID
	}
	if err := m.reply(ctx, MsgError, reply); err != nil {
		m.log.WithError(err).Debug("error reply send failed")
	}
}

func (m *StateMachine) livenessTimeout() time.Duration {
	if t := m.config.Transport.LivenessTimeout(); t > 0 {
		return t
	}
	return DefaultLivenessTimeout
}

// validateVideoParams checks a mid-session parameter change against host
// capability. Codec changes are not allowed after negotiation.
func validateVideoParams(c HostCapability, v VideoParams) error {
	if v.Width <= 0 || v.Height <= 0 || v.FPS <= 0 {
		return errors.New("invalid geometry")
	}
	if v.Width > c.MaxWidth || v.Height > c.MaxHeight {
		return fmt.Errorf("resolution %dx%d exceeds host maximum %dx%d",
			v.Width, v.Height, c.MaxWidth, c.MaxHeight)
	}
	if v.FPS > c.MaxFPS {
		return fmt.Errorf("fps %d exceeds host maximum %d", v.FPS, c.MaxFPS)
	}
	if v.BitrateBps > c.MaxBitrateBps {
		return fmt.Errorf("bitrate %d exceeds host maximum %d", v.BitrateBps, c.MaxBitrateBps)
	}
	return nil
}
