package nightbeam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the telemetry collaborator: fire-and-forget counters and
// gauges consumed outside the streaming core.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsRejected prometheus.Counter

	StateTransitions *prometheus.CounterVec

	FramesDropped   prometheus.Counter
	BlocksDropped   prometheus.Counter
	ShardsSent      prometheus.Counter
	ShardsDropped   prometheus.Counter
	KeyframesForced prometheus.Counter

	ParityShards prometheus.Gauge
	LossEstimate prometheus.Gauge
	LossReports  prometheus.Counter
}

// NewMetrics creates the metric set on the given registerer. Passing nil
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nightbeam_active_sessions",
			Help: "Number of currently active streaming sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_sessions_started_total",
			Help: "Total number of sessions that reached streaming",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_sessions_rejected_total",
			Help: "Total number of offers rejected at negotiation",
		}),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightbeam_state_transitions_total",
				Help: "Session state machine transitions",
			},
			[]string{"from", "to"},
		),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_frames_dropped_total",
			Help: "Raw frames shed by encode backpressure",
		}),
		BlocksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_fec_blocks_dropped_total",
			Help: "Whole FEC blocks shed by send backpressure",
		}),
		ShardsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_shards_sent_total",
			Help: "Shard packets handed to the media channel",
		}),
		ShardsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_shards_dropped_total",
			Help: "Shard packets shed at the transport queue",
		}),
		KeyframesForced: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_keyframes_forced_total",
			Help: "Keyframes forced for client resynchronization",
		}),
		ParityShards: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nightbeam_fec_parity_shards",
			Help: "Parity shard count of the most recent video FEC block",
		}),
		LossEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nightbeam_loss_estimate",
			Help: "Smoothed media-channel loss estimate (0..1)",
		}),
		LossReports: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightbeam_loss_reports_total",
			Help: "Client loss reports processed",
		}),
	}
}

// RecordTransition records one state machine transition.
func (m *Metrics) RecordTransition(from, to SessionState) {
	m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
