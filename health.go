package proxymon

import "time"

// Health score weights.
const (
	latencyWeight = 0.4
	successWeight = 0.4
	retryWeight   = 0.2
)

// HealthSnapshot is the composite health derived from Stats.
type HealthSnapshot struct {
	HealthScore  float64      `json:"healthScore"`
	LatencyMs    float64      `json:"latency"`
	SuccessRate  float64      `json:"successRate"`
	ProxyUsage   float64      `json:"proxyUsage"`
	ErrorRate    float64      `json:"errorRate"`
	LatencyScore float64      `json:"latencyScore"`
	RetryScore   float64      `json:"retryScore"`
	RecentErrors []ErrorEvent `json:"recentErrors"`
}

// ScoreHealth combines latency, success rate and retry success into one
// score in [0, 1]. recent bounds the number of trailing errors returned.
func ScoreHealth(s Stats, critical time.Duration, recent int) HealthSnapshot {
	var (
		total  = float64(s.TotalRequests)
		failed = float64(s.FailedRequests)
	)

	latencyScore := latencyComponent(s.AvgLatencyMs, durationMs(critical))

	successScore := 1.0
	errorRate := 0.0
	proxyUsage := 0.0
	if s.TotalRequests > 0 {
		errorRate = min(1, failed/total)
		successScore = 1 - errorRate
		proxyUsage = float64(s.ProxyRequests) / total
	}

	retryScore := 1.0
	if attempts := s.RetrySuccesses + s.RetryFailures; attempts > 0 {
		retryScore = float64(s.RetrySuccesses) / float64(attempts)
	}

	if recent < 0 {
		recent = 0
	}
	errs := s.Errors
	if len(errs) > recent {
		errs = errs[len(errs)-recent:]
	}
	recentErrors := make([]ErrorEvent, len(errs))
	for i, e := range errs {
		recentErrors[i] = e.clone()
	}

	return HealthSnapshot{
		HealthScore:  latencyWeight*latencyScore + successWeight*successScore + retryWeight*retryScore,
		LatencyMs:    s.AvgLatencyMs,
		SuccessRate:  successScore,
		ProxyUsage:   proxyUsage,
		ErrorRate:    errorRate,
		LatencyScore: latencyScore,
		RetryScore:   retryScore,
		RecentErrors: recentErrors,
	}
}

func latencyComponent(avgMs, criticalMs float64) float64 {
	if criticalMs <= 0 {
		if avgMs <= 0 {
			return 1
		}
		return 0
	}
	return max(0, 1-avgMs/criticalMs)
}
