package proxymon

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Category is the closed taxonomy of proxy health errors.
type Category string

const (
	CategoryAuth    Category = "AUTH_ERROR"
	CategoryGateway Category = "GATEWAY_ERROR"
	CategoryProxy   Category = "PROXY_ERROR"
	CategoryConfig  Category = "CONFIG_ERROR"
	CategoryLatency Category = "LATENCY_ERROR"
	CategoryNetwork Category = "NETWORK_ERROR"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryAuth,
	CategoryGateway,
	CategoryProxy,
	CategoryConfig,
	CategoryLatency,
	CategoryNetwork,
}

// Valid reports whether c belongs to the closed taxonomy.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuth, CategoryGateway, CategoryProxy, CategoryConfig, CategoryLatency, CategoryNetwork:
		return true
	}
	return false
}

func (c Category) String() string { return string(c) }

// Retryable reports whether failures of this category may be retried at all.
// Only PROXY_ERROR and NETWORK_ERROR failures that also match a retryable
// signature are actually scheduled.
func (c Category) Retryable() bool {
	return c == CategoryProxy || c == CategoryNetwork
}

// Messages attached to recorded events.
const (
	MessageAuthRequired     = "Proxy authentication required"
	MessageGatewayError     = "Proxy gateway error"
	MessageConnectionFailed = "Proxy connection failed after retries"
	MessageConfigChanged    = "Proxy configuration no longer routes through a recognized proxy"
	MessageHighLatency      = "High latency detected"
	MessageProxyFailure     = "Proxy request failed"
	MessageNetworkFailure   = "Network request failed"
)

// ErrorEvent is one entry of the error log and the payload of an error
// notification.
type ErrorEvent struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Category   Category      `json:"category"`
	Message    string        `json:"message"`
	RequestID  string        `json:"requestId,omitempty"`
	RequestURL string        `json:"requestUrl,omitempty"`
	Details    *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries category-specific fields.
type ErrorDetails struct {
	StatusCode   int               `json:"statusCode,omitempty"`
	Error        string            `json:"error,omitempty"`
	LatencyMs    float64           `json:"latencyMs,omitempty"`
	ThresholdMs  float64           `json:"thresholdMs,omitempty"`
	AvgLatencyMs float64           `json:"avgLatencyMs,omitempty"`
	Attempts     *int              `json:"attempts,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ProxyConfig  *ProxyConfig      `json:"proxyConfig,omitempty"`
}

func newErrorEvent(now time.Time, category Category, message string) ErrorEvent {
	return ErrorEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Category:  category,
		Message:   message,
	}
}

func (e ErrorEvent) clone() ErrorEvent {
	if e.Details == nil {
		return e
	}
	d := *e.Details
	if d.Headers != nil {
		h := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			h[k] = v
		}
		d.Headers = h
	}
	if d.Attempts != nil {
		n := *d.Attempts
		d.Attempts = &n
	}
	if d.ProxyConfig != nil {
		pc := d.ProxyConfig.clone()
		d.ProxyConfig = &pc
	}
	e.Details = &d
	return e
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	return out
}

func intPtr(n int) *int { return &n }
