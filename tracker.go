package proxymon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Stats is a point-in-time copy of the tracker counters.
type Stats struct {
	TotalRequests  uint64  `json:"totalRequests"`
	ProxyRequests  uint64  `json:"proxyRequests"`
	FailedRequests uint64  `json:"failedRequests"`
	RetrySuccesses uint64  `json:"retrySuccesses"`
	RetryFailures  uint64  `json:"retryFailures"`
	AvgLatencyMs   float64 `json:"avgLatency"`

	ActiveRequests  int    `json:"activeRequests"`
	PendingRetries  int    `json:"pendingRetries"`
	EvictedRequests uint64 `json:"evictedRequests"`

	Errors []ErrorEvent `json:"errors"`
}

type counters struct {
	total, proxy, failed    uint64
	retrySuccess, retryFail uint64
	evicted                 uint64
}

type requestRecord struct {
	startedAt time.Time
	url       string
	proxied   bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clock = clk }
}

// WithRetryFunc sets the action invoked when a retry delay elapses.
func WithRetryFunc(fn RetryFunc) Option {
	return func(t *Tracker) { t.retryFn = fn }
}

// WithLatencyObserver sets fn to receive every measured round-trip time.
// fn runs without the tracker lock held.
func WithLatencyObserver(fn func(time.Duration)) Option {
	return func(t *Tracker) { t.observeLatency = fn }
}

// Tracker consumes request lifecycle events and maintains proxy health
// statistics. All methods are safe for concurrent use.
type Tracker struct {
	cfg        Config
	clock      clock.Clock
	logger     *zap.Logger
	classifier Classifier
	retryFn    RetryFunc

	observeLatency func(time.Duration)

	mu       sync.Mutex
	latency  *LatencyEstimator
	retries  *RetryScheduler
	requests *lru.Cache[string, *requestRecord]
	stats    counters
	errors   *ErrorLog
	stopped  bool

	subMu   sync.RWMutex
	subs    map[uint64]func(ErrorEvent)
	nextSub atomic.Uint64
}

// NewTracker validates cfg and creates a tracker.
func NewTracker(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:        cfg,
		clock:      clock.New(),
		logger:     cfg.Logger,
		classifier: NewClassifier(cfg),
		latency:    NewLatencyEstimator(cfg.Latency),
		errors:     NewErrorLog(cfg.ErrorLogCapacity),
		subs:       make(map[uint64]func(ErrorEvent)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}

	requests, err := lru.New[string, *requestRecord](cfg.MaxTrackedRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to create request arena: %w", err)
	}
	t.requests = requests
	t.retries = NewRetryScheduler(cfg.Retry, t.clock)
	return t, nil
}

// Config returns the configuration the tracker was built with.
func (t *Tracker) Config() Config { return t.cfg }

// Retries exposes the retry scheduler for metrics.
func (t *Tracker) Retries() *RetryScheduler { return t.retries }

// Handle dispatches ev to the matching handler. Unknown events are ignored.
func (t *Tracker) Handle(ev Event) {
	switch e := ev.(type) {
	case RequestStarted:
		t.RequestStarted(e)
	case RequestHeaders:
		t.RequestHeaders(e)
	case RequestCompleted:
		t.RequestCompleted(e)
	case RequestFailed:
		t.RequestFailed(e)
	case ProxyConfigChanged:
		t.ProxyConfigChanged(e)
	default:
		t.logger.Debug("ignoring unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// Run handles events from src until ctx is done or the source is closed,
// evicting idle request records in between.
func (t *Tracker) Run(ctx context.Context, src EventSource) error {
	var sweep <-chan time.Time
	if idle := t.cfg.RequestIdleTimeout; idle > 0 {
		ticker := t.clock.Ticker(max(idle/2, time.Second))
		defer ticker.Stop()
		sweep = ticker.C
	}

	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.Handle(ev)
		case <-sweep:
			if n := t.EvictIdle(); n > 0 {
				t.logger.Debug("evicted idle requests", zap.Int("count", n))
			}
		}
	}
}

// RequestStarted records a new request and decides whether it is proxy-routed.
func (t *Tracker) RequestStarted(ev RequestStarted) {
	if ev.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	proxied := t.isProxyRequest(ev.URL, ev.Initiator, ev.Headers)
	if rec, ok := t.requests.Peek(ev.ID); ok {
		// Same id seen again (redirect or duplicate delivery): only routing may change.
		if proxied && !rec.proxied {
			rec.proxied = true
			t.stats.proxy++
		}
		return
	}

	rec := &requestRecord{startedAt: t.clock.Now(), url: ev.URL, proxied: proxied}
	if evicted := t.requests.Add(ev.ID, rec); evicted {
		t.stats.evicted++
	}
	t.stats.total++
	if proxied {
		t.stats.proxy++
	}
	t.logger.Debug("request started",
		zap.String("id", ev.ID),
		zap.String("url", ev.URL),
		zap.Bool("proxied", proxied))
}

// RequestHeaders re-checks routing once request headers are known.
func (t *Tracker) RequestHeaders(ev RequestHeaders) {
	if ev.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	rec, ok := t.requests.Peek(ev.ID)
	if !ok || rec.proxied {
		return
	}
	if t.hasProxyHeader(ev.Headers) {
		rec.proxied = true
		t.stats.proxy++
	}
}

// RequestCompleted measures latency, settles retry state and inspects the
// response for auth and gateway problems.
func (t *Tracker) RequestCompleted(ev RequestCompleted) {
	if ev.ID == "" {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	var (
		pending []ErrorEvent
		sample  time.Duration
		sampled bool
	)
	now := t.clock.Now()

	if rec, ok := t.requests.Peek(ev.ID); ok {
		t.requests.Remove(ev.ID)
		sample, sampled = now.Sub(rec.startedAt), true
		obs := t.latency.Observe(sample)
		if obs.Critical {
			e := newErrorEvent(now, CategoryLatency, fmt.Sprintf("%s: %.0fms", MessageHighLatency, obs.SampleMs))
			e.RequestID = ev.ID
			e.RequestURL = firstNonEmpty(ev.URL, rec.url)
			e.Details = &ErrorDetails{
				LatencyMs:    obs.SampleMs,
				ThresholdMs:  obs.ThresholdMs,
				AvgLatencyMs: obs.AvgLatencyMs,
			}
			pending = append(pending, t.record(e))
		} else if obs.Warning {
			t.logger.Warn("slow request",
				zap.String("id", ev.ID),
				zap.Float64("latency_ms", obs.SampleMs),
				zap.Float64("avg_latency_ms", obs.AvgLatencyMs))
		}
	}

	if t.retries.Succeed(ev.ID) {
		t.stats.retrySuccess++
		t.logger.Info("retry succeeded", zap.String("id", ev.ID), zap.String("url", ev.URL))
	}

	if cls, ok := t.classifier.ClassifyResponse(ev.StatusCode, ev.ResponseHeaders); ok {
		e := newErrorEvent(now, cls.Category, messageFor(cls.Category, ev.StatusCode))
		e.RequestID = ev.ID
		e.RequestURL = ev.URL
		e.Details = &ErrorDetails{
			StatusCode: ev.StatusCode,
			Headers:    flattenHeaders(ev.ResponseHeaders),
		}
		pending = append(pending, t.record(e))
	}
	t.mu.Unlock()

	if sampled && t.observeLatency != nil {
		t.observeLatency(sample)
	}
	t.notify(pending)
}

// RequestFailed counts the failure, classifies it and either schedules a
// retry or records the error.
func (t *Tracker) RequestFailed(ev RequestFailed) {
	if ev.ID == "" {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	var pending []ErrorEvent
	now := t.clock.Now()

	t.stats.failed++
	t.requests.Remove(ev.ID)

	cls := t.classifier.Classify(Signal{Error: ev.Error})
	switch {
	case cls.Retryable && t.retries.ShouldRetry(ev.ID):
		attempt := t.retries.Attempts(ev.ID)
		req := RetryRequest{
			RequestID: ev.ID,
			URL:       ev.URL,
			Target:    ev.RetryTarget,
			Attempt:   attempt,
			Delay:     t.retries.Backoff(attempt),
		}
		_, delay := t.retries.Schedule(ev.ID, func() { t.reissue(req) })
		t.logger.Info("retry scheduled",
			zap.String("id", ev.ID),
			zap.String("error", ev.Error),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
	case cls.Retryable:
		attempts := t.retries.GiveUp(ev.ID)
		t.stats.retryFail++
		e := newErrorEvent(now, cls.Category, MessageConnectionFailed)
		e.RequestID = ev.ID
		e.RequestURL = ev.URL
		e.Details = &ErrorDetails{Error: ev.Error, Attempts: intPtr(attempts)}
		pending = append(pending, t.record(e))
	default:
		e := newErrorEvent(now, cls.Category, messageFor(cls.Category, 0))
		e.RequestID = ev.ID
		e.RequestURL = ev.URL
		e.Details = &ErrorDetails{Error: ev.Error}
		pending = append(pending, t.record(e))
	}
	t.mu.Unlock()

	t.notify(pending)
}

// ProxyConfigChanged records a CONFIG_ERROR when the new configuration no
// longer names a recognised proxy. It reports whether the proxy is recognised.
func (t *Tracker) ProxyConfigChanged(ev ProxyConfigChanged) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}

	recognized := t.IsRecognizedProxyConfig(ev.Config)
	var pending []ErrorEvent
	if !recognized {
		pc := ev.Config.clone()
		e := newErrorEvent(t.clock.Now(), CategoryConfig, MessageConfigChanged)
		e.Details = &ErrorDetails{ProxyConfig: &pc}
		pending = append(pending, t.record(e))
	} else {
		t.logger.Info("proxy configuration changed", zap.Strings("hosts", ev.Config.Hosts()))
	}
	t.mu.Unlock()

	t.notify(pending)
	return recognized
}

// IsRecognizedProxyConfig reports whether any proxy host of cfg contains a
// recognised domain.
func (t *Tracker) IsRecognizedProxyConfig(cfg ProxyConfig) bool {
	for _, host := range cfg.Hosts() {
		if containsAny(strings.ToLower(host), t.cfg.RecognizedDomains) {
			return true
		}
	}
	return false
}

// EvictIdle drops request records older than the idle timeout and returns
// how many were removed.
func (t *Tracker) EvictIdle() int {
	idle := t.cfg.RequestIdleTimeout
	if idle <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	n := 0
	// Keys are ordered oldest first and records never move once inserted.
	for _, id := range t.requests.Keys() {
		rec, ok := t.requests.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(rec.startedAt) < idle {
			break
		}
		t.requests.Remove(id)
		t.stats.evicted++
		n++
	}
	return n
}

// Stats returns a consistent copy of the counters and the error log.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	return Stats{
		TotalRequests:   t.stats.total,
		ProxyRequests:   t.stats.proxy,
		FailedRequests:  t.stats.failed,
		RetrySuccesses:  t.stats.retrySuccess,
		RetryFailures:   t.stats.retryFail,
		AvgLatencyMs:    t.latency.Average(),
		ActiveRequests:  t.requests.Len(),
		PendingRetries:  t.retries.Pending(),
		EvictedRequests: t.stats.evicted,
		Errors:          t.errors.Snapshot(),
	}
}

// Health scores a consistent copy of the current statistics.
func (t *Tracker) Health() HealthSnapshot {
	return ScoreHealth(t.Stats(), t.cfg.Latency.Critical, t.cfg.RecentErrors)
}

// Reset zeroes every counter, forgets all requests and retry state, empties
// the error log and cancels pending retry timers.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	t.logger.Info("tracker reset")
}

func (t *Tracker) resetLocked() {
	t.retries.Reset()
	t.requests.Purge()
	t.latency.Reset()
	t.errors.Reset()
	t.stats = counters{}
}

// Stop resets the tracker and ignores every later event.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.resetLocked()
	t.stopped = true
	t.logger.Info("tracker stopped")
}

// Subscribe registers fn for error notifications. The returned function
// removes the subscription.
func (t *Tracker) Subscribe(fn func(ErrorEvent)) (cancel func()) {
	id := t.nextSub.Add(1)
	t.subMu.Lock()
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// record appends e to the error log. Callers hold t.mu.
func (t *Tracker) record(e ErrorEvent) ErrorEvent {
	t.errors.Append(e)
	t.logger.Warn("proxy health error",
		zap.String("category", e.Category.String()),
		zap.String("message", e.Message),
		zap.String("request_id", e.RequestID),
		zap.String("url", e.RequestURL))
	return e
}

func (t *Tracker) notify(events []ErrorEvent) {
	if len(events) == 0 {
		return
	}
	t.subMu.RLock()
	subs := make([]func(ErrorEvent), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.RUnlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e.clone())
		}
	}
}

// reissue runs when a retry delay elapses. The tracker lock is not held.
func (t *Tracker) reissue(req RetryRequest) {
	if !req.Target.Valid() || t.retryFn == nil {
		t.retries.markSkipped()
		t.logger.Debug("retry timer fired without a target to re-issue",
			zap.String("id", req.RequestID),
			zap.String("target", string(req.Target)))
		return
	}
	t.logger.Debug("re-issuing request",
		zap.String("id", req.RequestID),
		zap.String("target", string(req.Target)),
		zap.Int("attempt", req.Attempt))
	t.retryFn(req)
}

func (t *Tracker) isProxyRequest(url, initiator string, headers http.Header) bool {
	url, initiator = strings.ToLower(url), strings.ToLower(initiator)
	for _, domain := range t.cfg.RecognizedDomains {
		if strings.Contains(url, domain) || (initiator != "" && strings.Contains(initiator, domain)) {
			return true
		}
	}
	return t.hasProxyHeader(headers)
}

func (t *Tracker) hasProxyHeader(headers http.Header) bool {
	for name := range headers {
		if containsAny(strings.ToLower(name), t.cfg.ProxyHeaderMarkers) {
			return true
		}
	}
	return false
}

func messageFor(c Category, statusCode int) string {
	switch c {
	case CategoryAuth:
		return MessageAuthRequired
	case CategoryGateway:
		if statusCode > 0 {
			return fmt.Sprintf("%s: %d", MessageGatewayError, statusCode)
		}
		return MessageGatewayError
	case CategoryProxy:
		return MessageProxyFailure
	case CategoryConfig:
		return MessageConfigChanged
	case CategoryLatency:
		return MessageHighLatency
	default:
		return MessageNetworkFailure
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
