package proxymon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned by BuildConfig when the merged configuration
// cannot be used for live arithmetic.
var ErrInvalidConfig = errors.New("invalid monitor configuration")

// Defaults
const (
	DefaultMaxRetries         = 3
	DefaultBackoffBase        = time.Second
	DefaultLatencyWarning     = time.Second
	DefaultLatencyCritical    = 5 * time.Second
	DefaultErrorLogCapacity   = 100
	DefaultRecentErrors       = 10
	DefaultMaxTrackedRequests = 10000
	DefaultRequestIdleTimeout = 5 * time.Minute
)

var (
	defaultRetryableSignatures = []string{
		"proxy connection failed",
		"tunnel connection failed",
		"network error",
		"err_proxy_connection_failed",
		"err_tunnel_connection_failed",
	}
	defaultRecognizedDomains = []string{
		"zscaler.net",
		"zscalerone.net",
		"zscalertwo.net",
		"zscalerthree.net",
		"zscloud.net",
		"zscalerpartner.net",
	}
	defaultProxyHeaderMarkers = []string{
		"proxy-authorization",
		"proxy-connection",
		"zscaler",
		"x-proxy",
	}
)

// RetryConfig controls the backoff-retry policy for proxy failures.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	// Lowercase substrings; a failure matches if its text contains any of them.
	RetryableSignatures []string
}

// LatencyConfig holds the per-sample latency thresholds.
type LatencyConfig struct {
	Warning  time.Duration
	Critical time.Duration
}

// Config is the monitor configuration. Build it with BuildConfig and treat
// it as read-only afterwards.
type Config struct {
	Retry   RetryConfig
	Latency LatencyConfig

	RecognizedDomains  []string
	ProxyHeaderMarkers []string

	ErrorLogCapacity   int
	RecentErrors       int
	MaxTrackedRequests int
	RequestIdleTimeout time.Duration

	// Optional logger
	Logger *zap.Logger
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxRetries:          DefaultMaxRetries,
			BackoffBase:         DefaultBackoffBase,
			RetryableSignatures: append([]string(nil), defaultRetryableSignatures...),
		},
		Latency: LatencyConfig{
			Warning:  DefaultLatencyWarning,
			Critical: DefaultLatencyCritical,
		},
		RecognizedDomains:  append([]string(nil), defaultRecognizedDomains...),
		ProxyHeaderMarkers: append([]string(nil), defaultProxyHeaderMarkers...),
		ErrorLogCapacity:   DefaultErrorLogCapacity,
		RecentErrors:       DefaultRecentErrors,
		MaxTrackedRequests: DefaultMaxTrackedRequests,
		RequestIdleTimeout: DefaultRequestIdleTimeout,
	}
}

// Overrides is a partial configuration supplied by the caller. Nil scalars
// keep the default; list fields extend the defaults instead of replacing them.
type Overrides struct {
	MaxRetries          *int     `yaml:"maxRetries" env:"PROXYMON_MAX_RETRIES"`
	BackoffBaseMs       *int64   `yaml:"backoffBaseMs" env:"PROXYMON_BACKOFF_BASE_MS"`
	RetryableSignatures []string `yaml:"retryableSignatures" env:"PROXYMON_RETRYABLE_SIGNATURES" envSeparator:","`

	WarningMs  *int64 `yaml:"warningMs" env:"PROXYMON_LATENCY_WARNING_MS"`
	CriticalMs *int64 `yaml:"criticalMs" env:"PROXYMON_LATENCY_CRITICAL_MS"`

	RecognizedDomains  []string `yaml:"recognizedDomains" env:"PROXYMON_RECOGNIZED_DOMAINS" envSeparator:","`
	ProxyHeaderMarkers []string `yaml:"proxyHeaderMarkers" env:"PROXYMON_PROXY_HEADER_MARKERS" envSeparator:","`

	ErrorLogCapacity     *int   `yaml:"errorLogCapacity" env:"PROXYMON_ERROR_LOG_CAPACITY"`
	RecentErrors         *int   `yaml:"recentErrors" env:"PROXYMON_RECENT_ERRORS"`
	MaxTrackedRequests   *int   `yaml:"maxTrackedRequests" env:"PROXYMON_MAX_TRACKED_REQUESTS"`
	RequestIdleTimeoutMs *int64 `yaml:"requestIdleTimeoutMs" env:"PROXYMON_REQUEST_IDLE_TIMEOUT_MS"`
}

// BuildConfig merges o over DefaultConfig and validates the result.
func BuildConfig(o Overrides) (Config, error) {
	if err := o.validate(); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig().Merge(o)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge returns a copy of c with o applied. Scalars are replaced, list
// fields are unioned with the existing values.
func (c Config) Merge(o Overrides) Config {
	out := c
	if o.MaxRetries != nil {
		out.Retry.MaxRetries = *o.MaxRetries
	}
	if o.BackoffBaseMs != nil {
		out.Retry.BackoffBase = time.Duration(*o.BackoffBaseMs) * time.Millisecond
	}
	if o.WarningMs != nil {
		out.Latency.Warning = time.Duration(*o.WarningMs) * time.Millisecond
	}
	if o.CriticalMs != nil {
		out.Latency.Critical = time.Duration(*o.CriticalMs) * time.Millisecond
	}
	if o.ErrorLogCapacity != nil {
		out.ErrorLogCapacity = *o.ErrorLogCapacity
	}
	if o.RecentErrors != nil {
		out.RecentErrors = *o.RecentErrors
	}
	if o.MaxTrackedRequests != nil {
		out.MaxTrackedRequests = *o.MaxTrackedRequests
	}
	if o.RequestIdleTimeoutMs != nil {
		out.RequestIdleTimeout = time.Duration(*o.RequestIdleTimeoutMs) * time.Millisecond
	}
	out.Retry.RetryableSignatures = unionLower(c.Retry.RetryableSignatures, o.RetryableSignatures)
	out.RecognizedDomains = unionLower(c.RecognizedDomains, o.RecognizedDomains)
	out.ProxyHeaderMarkers = unionLower(c.ProxyHeaderMarkers, o.ProxyHeaderMarkers)
	return out
}

// validate rejects negative raw values before they are converted to
// durations.
func (o Overrides) validate() error {
	var errs error
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("maxRetries must be >= 0, got %d", *o.MaxRetries))
	}
	if o.BackoffBaseMs != nil && *o.BackoffBaseMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("backoffBaseMs must be >= 0, got %d", *o.BackoffBaseMs))
	}
	if o.WarningMs != nil && *o.WarningMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("warningMs must be >= 0, got %d", *o.WarningMs))
	}
	if o.CriticalMs != nil && *o.CriticalMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("criticalMs must be >= 0, got %d", *o.CriticalMs))
	}
	if o.RequestIdleTimeoutMs != nil && *o.RequestIdleTimeoutMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("requestIdleTimeoutMs must be >= 0, got %d", *o.RequestIdleTimeoutMs))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

// Validate reports every violated constraint of c.
func (c Config) Validate() error {
	var errs error
	if c.Retry.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry.maxRetries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BackoffBase < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry.backoffBase must be >= 0, got %s", c.Retry.BackoffBase))
	}
	if c.Latency.Warning < 0 {
		errs = multierr.Append(errs, fmt.Errorf("latency.warning must be >= 0, got %s", c.Latency.Warning))
	}
	if c.Latency.Critical < c.Latency.Warning {
		errs = multierr.Append(errs, fmt.Errorf("latency.critical (%s) must be >= latency.warning (%s)",
			c.Latency.Critical, c.Latency.Warning))
	}
	if c.ErrorLogCapacity < 1 {
		errs = multierr.Append(errs, fmt.Errorf("errorLogCapacity must be >= 1, got %d", c.ErrorLogCapacity))
	}
	if c.RecentErrors < 0 {
		errs = multierr.Append(errs, fmt.Errorf("recentErrors must be >= 0, got %d", c.RecentErrors))
	}
	if c.MaxTrackedRequests < 1 {
		errs = multierr.Append(errs, fmt.Errorf("maxTrackedRequests must be >= 1, got %d", c.MaxTrackedRequests))
	}
	if c.RequestIdleTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("requestIdleTimeout must be >= 0, got %s", c.RequestIdleTimeout))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
	}
	return nil
}

func unionLower(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
