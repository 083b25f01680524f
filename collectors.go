package proxymon

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	return BaseCollector{
		name:   name,
		logger: logger,
	}
}

// TrackerCollector exports the tracker counters and health score.
type TrackerCollector struct {
	BaseCollector
	tracker *Tracker
}

// NewTrackerCollector creates a collector reading from t.
func NewTrackerCollector(t *Tracker, logger *zap.Logger) *TrackerCollector {
	return &TrackerCollector{
		BaseCollector: NewBaseCollector("tracker", logger),
		tracker:       t,
	}
}

// Collect implements Collector interface
func (c *TrackerCollector) Collect() []Metric {
	now := time.Now()
	cfg := c.tracker.Config()
	stats := c.tracker.Stats()
	health := ScoreHealth(stats, cfg.Latency.Critical, 0)
	retries := c.tracker.Retries()

	return unlabeled(now, "", []sample{
		{"requests_total", float64(stats.TotalRequests), Counter},
		{"proxy_requests_total", float64(stats.ProxyRequests), Counter},
		{"failed_requests_total", float64(stats.FailedRequests), Counter},
		{"retry_successes_total", float64(stats.RetrySuccesses), Counter},
		{"retry_failures_total", float64(stats.RetryFailures), Counter},
		{"evicted_requests_total", float64(stats.EvictedRequests), Counter},
		{"retry_timers_fired_total", float64(retries.Fired()), Counter},
		{"retry_timers_skipped_total", float64(retries.Skipped()), Counter},
		{"active_requests", float64(stats.ActiveRequests), Gauge},
		{"pending_retries", float64(stats.PendingRetries), Gauge},
		{"latency_avg_ms", stats.AvgLatencyMs, Gauge},
		{"health_score", health.HealthScore, Gauge},
		{"success_rate", health.SuccessRate, Gauge},
		{"proxy_usage", health.ProxyUsage, Gauge},
		{"error_rate", health.ErrorRate, Gauge},
		{"error_log_size", float64(len(stats.Errors)), Gauge},
	})
}

// sample is one unlabeled value.
type sample struct {
	name  string
	value float64
	typ   MetricType
}

func unlabeled(now time.Time, prefix string, samples []sample) []Metric {
	metrics := make([]Metric, 0, len(samples))
	for _, s := range samples {
		metrics = append(metrics, Metric{
			Name:       prefix + s.name,
			Value:      s.value,
			Labels:     map[string]string{},
			MetricType: s.typ,
			Timestamp:  now,
		})
	}
	return metrics
}

// ErrorCounter counts recorded error events per category. Subscribe its
// Observe method to a Tracker.
type ErrorCounter struct {
	BaseCollector
	counts map[Category]*atomic.Int64
}

// NewErrorCounter creates a counter with every category pre-registered.
func NewErrorCounter(logger *zap.Logger) *ErrorCounter {
	counts := make(map[Category]*atomic.Int64, len(Categories))
	for _, c := range Categories {
		counts[c] = &atomic.Int64{}
	}
	return &ErrorCounter{
		BaseCollector: NewBaseCollector("errors", logger),
		counts:        counts,
	}
}

// Observe counts ev.
func (c *ErrorCounter) Observe(ev ErrorEvent) {
	counter, ok := c.counts[ev.Category]
	if !ok {
		if c.logger != nil {
			c.logger.Warn("dropping error event with unknown category",
				zap.String("category", string(ev.Category)))
		}
		return
	}
	counter.Add(1)
}

// Get returns the count for category.
func (c *ErrorCounter) Get(category Category) int64 {
	if counter, ok := c.counts[category]; ok {
		return counter.Load()
	}
	return 0
}

// Collect implements Collector interface
func (c *ErrorCounter) Collect() []Metric {
	now := time.Now()
	metrics := make([]Metric, 0, len(Categories))
	for _, category := range Categories {
		metrics = append(metrics, Metric{
			Name:       "errors_total",
			Value:      float64(c.counts[category].Load()),
			Labels:     map[string]string{"category": strings.ToLower(string(category))},
			MetricType: Counter,
			Timestamp:  now,
		})
	}
	return metrics
}

// DefaultLatencyBuckets are upper bounds in milliseconds.
var DefaultLatencyBuckets = []float64{
	25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000,
}

// LatencyHistogram records request round-trip times in milliseconds.
type LatencyHistogram struct {
	BaseCollector
	buckets []float64
	counts  []atomic.Int64
	count   atomic.Int64
	sum     float64
	mutex   sync.RWMutex
}

// NewLatencyHistogram creates a histogram with the given bucket bounds, or
// DefaultLatencyBuckets when buckets is empty.
func NewLatencyHistogram(buckets []float64, logger *zap.Logger) *LatencyHistogram {
	if len(buckets) == 0 {
		buckets = DefaultLatencyBuckets
	}
	return &LatencyHistogram{
		BaseCollector: NewBaseCollector("latency", logger),
		buckets:       append([]float64(nil), buckets...),
		counts:        make([]atomic.Int64, len(buckets)+1), // +1 for infinity bucket
	}
}

// Observe records one round-trip time.
func (h *LatencyHistogram) Observe(d time.Duration) {
	value := durationMs(d)

	h.mutex.Lock()
	h.sum += value
	h.mutex.Unlock()

	h.count.Add(1)

	i := 0
	for i < len(h.buckets) && value > h.buckets[i] {
		i++
	}
	h.counts[i].Add(1)
}

// Count returns the number of observations.
func (h *LatencyHistogram) Count() int64 { return h.count.Load() }

// Collect implements Collector interface
func (h *LatencyHistogram) Collect() []Metric {
	now := time.Now()

	h.mutex.RLock()
	sum := h.sum
	h.mutex.RUnlock()

	metrics := []Metric{
		{
			Name:       "latency_ms_sum",
			Value:      sum,
			Labels:     map[string]string{},
			MetricType: Histogram,
			Timestamp:  now,
		},
		{
			Name:       "latency_ms_count",
			Value:      float64(h.count.Load()),
			Labels:     map[string]string{},
			MetricType: Histogram,
			Timestamp:  now,
		},
	}

	cumulative := int64(0)
	for i := range h.counts {
		cumulative += h.counts[i].Load()

		le := "+Inf"
		if i < len(h.buckets) {
			le = formatBucketLabel(h.buckets[i])
		}
		metrics = append(metrics, Metric{
			Name:       "latency_ms_bucket",
			Value:      float64(cumulative),
			Labels:     map[string]string{"le": le},
			MetricType: Histogram,
			Timestamp:  now,
		})
	}
	return metrics
}

// formatBucketLabel formats bucket label
func formatBucketLabel(value float64) string {
	s := fmt.Sprintf("%.6g", value)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
