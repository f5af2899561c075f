package nightbeam

import "sync"

// LossReport is the client's periodic account of media-channel loss,
// exchanged on the reliable channel. Fractions are computed from shard
// counts over the report window.
type LossReport struct {
	ShardsReceived uint64 `json:"shardsReceived"` // Shards that arrived in the window
	ShardsLost     uint64 `json:"shardsLost"`     // Shards the client knows it missed
	FramesLost     uint64 `json:"framesLost"`     // Frames that fell past the FEC boundary
	WindowMs       int    `json:"windowMs"`       // Measurement window duration
}

// Ratio returns the observed loss fraction for the window, 0 when the
// window saw no traffic.
func (r LossReport) Ratio() float64 {
	total := r.ShardsReceived + r.ShardsLost
	if total == 0 {
		return 0
	}
	return float64(r.ShardsLost) / float64(total)
}

// LossEstimator maintains an exponentially smoothed estimate of recent
// media-channel loss. It is owned by one Session and updated only through
// explicit Update calls carrying client loss reports, so the estimate is a
// testable state-update function rather than ambient shared state.
//
// With the default smoothing factor a single noisy report moves the
// estimate by a quarter of the difference; a sustained change converges
// within a handful of reports.
type LossEstimator struct {
	mu       sync.Mutex
	alpha    float64
	estimate float64
	reports  uint64
}

// DefaultLossSmoothing is the default exponential smoothing factor.
const DefaultLossSmoothing = 0.25

// NewLossEstimator creates an estimator with the given smoothing factor in
// (0, 1]; out-of-range values fall back to DefaultLossSmoothing.
func NewLossEstimator(alpha float64) *LossEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultLossSmoothing
	}
	return &LossEstimator{alpha: alpha}
}

// Update folds one loss report into the estimate and returns the new value.
func (e *LossEstimator) Update(report LossReport) float64 {
	sample := report.Ratio()
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reports == 0 {
		e.estimate = sample
	} else {
		e.estimate += e.alpha * (sample - e.estimate)
	}
	e.reports++
	return e.estimate
}

// Estimate returns the current smoothed loss fraction.
func (e *LossEstimator) Estimate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate
}

// Reports returns how many reports have been folded in.
func (e *LossEstimator) Reports() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reports
}
