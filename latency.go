package proxymon

import "time"

// LatencyAlpha is the smoothing factor of the latency moving average.
const LatencyAlpha = 0.2

// LatencyObservation is the outcome of feeding one sample to the estimator.
type LatencyObservation struct {
	SampleMs     float64
	AvgLatencyMs float64
	ThresholdMs  float64
	// Critical and Warning compare the raw sample, not the average.
	Critical bool
	Warning  bool
}

// LatencyEstimator keeps an exponential moving average of round-trip times.
// It is not safe for concurrent use; Tracker serialises access.
type LatencyEstimator struct {
	alpha    float64
	warning  float64
	critical float64
	avg      float64
}

// NewLatencyEstimator creates an estimator with the thresholds of cfg.
func NewLatencyEstimator(cfg LatencyConfig) *LatencyEstimator {
	return &LatencyEstimator{
		alpha:    LatencyAlpha,
		warning:  durationMs(cfg.Warning),
		critical: durationMs(cfg.Critical),
	}
}

// Observe folds sample into the average.
func (l *LatencyEstimator) Observe(sample time.Duration) LatencyObservation {
	ms := durationMs(sample)
	if ms < 0 {
		ms = 0
	}
	l.avg = l.avg*(1-l.alpha) + ms*l.alpha
	return LatencyObservation{
		SampleMs:     ms,
		AvgLatencyMs: l.avg,
		ThresholdMs:  l.critical,
		Critical:     ms > l.critical,
		Warning:      ms > l.warning,
	}
}

// Average returns the current moving average in milliseconds.
func (l *LatencyEstimator) Average() float64 { return l.avg }

// Reset zeroes the average.
func (l *LatencyEstimator) Reset() { l.avg = 0 }

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
