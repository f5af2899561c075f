package nightbeam

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle states.
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateStreaming
	StatePaused
	StateReconfiguring
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateReconfiguring:
		return "reconfiguring"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Registry errors.
var (
	ErrSessionExists   = errors.New("endpoint already has an active session")
	ErrSessionNotFound = errors.New("session not found")
	ErrHostBusy        = errors.New("host session limit reached")
)

// NegotiatedParams are the session parameters settled during negotiation.
type NegotiatedParams struct {
	Video        VideoParams
	Audio        AudioParams
	MinFecShards int
	QoS          bool
}

// SessionStats accumulates per-session counters reported to telemetry and
// consumed by FEC parameter selection.
type SessionStats struct {
	FramesDropped      uint64 // Raw frames shed by encode backpressure
	BlocksDropped      uint64 // FEC blocks shed by send backpressure
	ShardsSent         uint64
	KeyframesForced    uint64
	FramesLostReported uint64 // Client-reported unrecoverable frames
	ShardsLostReported uint64
	EncoderRestarts    uint64
	DeadlineMisses     uint64 // Frames whose encode exceeded the frame budget
}

// Session is one active streaming relationship with one client. It is
// created on successful negotiation, exclusively owned by the state
// machine, and referenced (not owned) by the orchestrator and transport.
type Session struct {
	ID       string // Opaque token issued at negotiation
	Endpoint string // Client endpoint identifier
	Params   NegotiatedParams
	Loss     *LossEstimator

	mu           sync.Mutex
	lastActivity time.Time
	stats        SessionStats
}

// NewSession creates a session for a negotiated parameter set.
func NewSession(endpoint string, params NegotiatedParams) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Endpoint:     endpoint,
		Params:       params,
		Loss:         NewLossEstimator(DefaultLossSmoothing),
		lastActivity: time.Now(),
	}
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RecordLossReport folds a client loss report into the session's smoothed
// estimate and cumulative statistics, returning the new estimate.
func (s *Session) RecordLossReport(report LossReport) float64 {
	s.mu.Lock()
	s.stats.FramesLostReported += report.FramesLost
	s.stats.ShardsLostReported += report.ShardsLost
	s.mu.Unlock()
	s.Touch()
	return s.Loss.Update(report)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) addStats(f func(*SessionStats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Registry maps client endpoints to their single active session. Lookup is
// concurrent; insert and remove are single-writer per key. It enforces the
// one-session-per-client invariant: a second session for an endpoint is
// refused while one is active.
type Registry struct {
	mu       sync.RWMutex
	limit    int // 0 means unlimited
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry with no session cap.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// NewRegistryWithLimit creates a registry that refuses sessions beyond
// limit. Hosts that own a single hardware encoder typically run with
// limit 1.
func NewRegistryWithLimit(limit int) *Registry {
	return &Registry{limit: limit, sessions: make(map[string]*Session)}
}

// Add registers a session for its endpoint.
func (r *Registry) Add(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.Endpoint]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.Endpoint)
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return ErrHostBusy
	}
	r.sessions[session.Endpoint] = session
	return nil
}

// Lookup returns the active session for an endpoint.
func (r *Registry) Lookup(endpoint string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[endpoint]
	return session, ok
}

// Remove unregisters the endpoint's session. Removing an absent endpoint
// is a no-op.
func (r *Registry) Remove(endpoint string) {
	r.mu.Lock()
	delete(r.sessions, endpoint)
	r.mu.Unlock()
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// HostCapability bounds what the host will accept during negotiation.
type HostCapability struct {
	MaxWidth      int
	MaxHeight     int
	MaxFPS        int
	MaxBitrateBps int
	VideoCodecs   []VideoCodec
	AudioCodecs   []AudioCodec
}

// DefaultHostCapability returns a capability covering common clients.
func DefaultHostCapability() HostCapability {
	return HostCapability{
		MaxWidth:      3840,
		MaxHeight:     2160,
		MaxFPS:        120,
		MaxBitrateBps: 80_000_000,
		VideoCodecs:   []VideoCodec{VideoCodecH264, VideoCodecH265},
		AudioCodecs:   []AudioCodec{AudioCodecOpus, AudioCodecPCM},
	}
}

// EvaluateOffer checks a client offer against host capability and returns
// the accepted parameter set, or an error describing the first
// incompatibility. The host never silently downgrades: incompatible offers
// are rejected so the client can re-offer.
func (c HostCapability) EvaluateOffer(offer Offer) (NegotiatedParams, error) {
	v := offer.Video
	if v.Width <= 0 || v.Height <= 0 || v.FPS <= 0 {
		return NegotiatedParams{}, fmt.Errorf("invalid video geometry %dx%d@%d", v.Width, v.Height, v.FPS)
	}
	if v.Width > c.MaxWidth || v.Height > c.MaxHeight {
		return NegotiatedParams{}, fmt.Errorf("resolution %dx%d exceeds host maximum %dx%d",
			v.Width, v.Height, c.MaxWidth, c.MaxHeight)
	}
	if v.FPS > c.MaxFPS {
		return NegotiatedParams{}, fmt.Errorf("frame rate %d exceeds host maximum %d", v.FPS, c.MaxFPS)
	}
	if v.BitrateBps <= 0 || v.BitrateBps > c.MaxBitrateBps {
		return NegotiatedParams{}, fmt.Errorf("bitrate %d outside host range (max %d)", v.BitrateBps, c.MaxBitrateBps)
	}
	if !c.supportsVideoCodec(ParseVideoCodec(v.Codec)) {
		return NegotiatedParams{}, fmt.Errorf("video codec %q not supported", v.Codec)
	}

	a := offer.Audio
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return NegotiatedParams{}, fmt.Errorf("invalid audio parameters %dHz/%dch", a.SampleRate, a.Channels)
	}
	if !c.supportsAudioCodec(ParseAudioCodec(a.Codec)) {
		return NegotiatedParams{}, fmt.Errorf("audio codec %q not supported", a.Codec)
	}

	minFec := offer.MinFecShards
	if minFec < 1 {
		minFec = 1
	}
	return NegotiatedParams{
		Video:        v,
		Audio:        a,
		MinFecShards: minFec,
		QoS:          offer.QoS,
	}, nil
}

func (c HostCapability) supportsVideoCodec(codec VideoCodec) bool {
	for _, supported := range c.VideoCodecs {
		if supported == codec {
			return true
		}
	}
	return false
}

func (c HostCapability) supportsAudioCodec(codec AudioCodec) bool {
	for _, supported := range c.AudioCodecs {
		if supported == codec {
			return true
		}
	}
	return false
}
