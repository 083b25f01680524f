package proxymon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrUnknownEventType is returned by DecodeEvent for an unrecognised envelope type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingRequestID is returned by DecodeEvent when a request event has no id.
	ErrMissingRequestID = errors.New("request id is required")
	// ErrFeedClosed is returned when publishing to a closed Feed.
	ErrFeedClosed = errors.New("event feed closed")
)

// Event is one inbound lifecycle notification from the host.
type Event interface {
	EventType() string
}

// Envelope type names.
const (
	TypeRequestStarted     = "request_started"
	TypeRequestHeaders     = "request_headers"
	TypeRequestCompleted   = "request_completed"
	TypeRequestFailed      = "request_failed"
	TypeProxyConfigChanged = "proxy_config_changed"
)

// RequestStarted is emitted before a request is sent.
type RequestStarted struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Initiator string      `json:"initiator,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
}

// RequestHeaders is emitted when request headers are about to be sent.
type RequestHeaders struct {
	ID      string      `json:"id"`
	Headers http.Header `json:"headers,omitempty"`
}

// RequestCompleted is emitted when a response has been received.
type RequestCompleted struct {
	ID              string      `json:"id"`
	URL             string      `json:"url"`
	StatusCode      int         `json:"statusCode,omitempty"`
	ResponseHeaders http.Header `json:"responseHeaders,omitempty"`
}

// RequestFailed is emitted when a request fails at transport level.
type RequestFailed struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Error       string      `json:"error"`
	RetryTarget RetryTarget `json:"retryTarget,omitempty"`
}

// ProxyConfigChanged is emitted when the host proxy settings change.
type ProxyConfigChanged struct {
	Config ProxyConfig `json:"config"`
}

func (RequestStarted) EventType() string     { return TypeRequestStarted }
func (RequestHeaders) EventType() string     { return TypeRequestHeaders }
func (RequestCompleted) EventType() string   { return TypeRequestCompleted }
func (RequestFailed) EventType() string      { return TypeRequestFailed }
func (ProxyConfigChanged) EventType() string { return TypeProxyConfigChanged }

// ProxyServer is a single proxy endpoint of a proxy rule set.
type ProxyServer struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
}

// ProxyRules lists the proxies per scheme.
type ProxyRules struct {
	SingleProxy   *ProxyServer `json:"singleProxy,omitempty"`
	ProxyForHTTP  *ProxyServer `json:"proxyForHttp,omitempty"`
	ProxyForHTTPS *ProxyServer `json:"proxyForHttps,omitempty"`
	FallbackProxy *ProxyServer `json:"fallbackProxy,omitempty"`
	BypassList    []string     `json:"bypassList,omitempty"`
}

// ProxyConfig is the host proxy configuration.
type ProxyConfig struct {
	Mode      string      `json:"mode,omitempty"`
	Rules     *ProxyRules `json:"rules,omitempty"`
	PACScript string      `json:"pacScript,omitempty"`
}

// Hosts returns every proxy host and the PAC script URL, if any.
func (c ProxyConfig) Hosts() []string {
	var hosts []string
	if c.Rules != nil {
		for _, p := range []*ProxyServer{c.Rules.SingleProxy, c.Rules.ProxyForHTTP, c.Rules.ProxyForHTTPS, c.Rules.FallbackProxy} {
			if p != nil && p.Host != "" {
				hosts = append(hosts, p.Host)
			}
		}
	}
	if c.PACScript != "" {
		hosts = append(hosts, c.PACScript)
	}
	return hosts
}

func (c ProxyConfig) clone() ProxyConfig {
	if c.Rules == nil {
		return c
	}
	r := *c.Rules
	for _, p := range []**ProxyServer{&r.SingleProxy, &r.ProxyForHTTP, &r.ProxyForHTTPS, &r.FallbackProxy} {
		if *p != nil {
			cp := **p
			*p = &cp
		}
	}
	r.BypassList = append([]string(nil), r.BypassList...)
	c.Rules = &r
	return c
}

type envelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// DecodeEvent parses a {"type": ..., "event": {...}} envelope.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return decodePayload(env.Type, env.Event)
}

// DecodeEvents parses a JSON array of envelopes.
func DecodeEvents(data []byte) ([]Event, error) {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode envelopes: %w", err)
	}
	events := make([]Event, 0, len(envs))
	for i, env := range envs {
		ev, err := decodePayload(env.Type, env.Event)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodePayload(typ string, raw json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
		id  string
	)
	switch strings.ToLower(typ) {
	case TypeRequestStarted:
		var e RequestStarted
		err = unmarshalPayload(raw, &e)
		ev, id = e, e.ID
	case TypeRequestHeaders:
		var e RequestHeaders
		err = unmarshalPayload(raw, &e)
		ev, id = e, e.ID
	case TypeRequestCompleted:
		var e RequestCompleted
		err = unmarshalPayload(raw, &e)
		ev, id = e, e.ID
	case TypeRequestFailed:
		var e RequestFailed
		err = unmarshalPayload(raw, &e)
		ev, id = e, e.ID
	case TypeProxyConfigChanged:
		var e ProxyConfigChanged
		err = unmarshalPayload(raw, &e)
		return e, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%s: %w", typ, ErrMissingRequestID)
	}
	return ev, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}

// EventSource is the host adapter feeding the monitor.
type EventSource interface {
	Events() <-chan Event
}

// Feed is a buffered in-process EventSource.
type Feed struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewFeed creates a feed with the given buffer size.
func NewFeed(buffer int) *Feed {
	if buffer < 0 {
		buffer = 0
	}
	return &Feed{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// Events implements EventSource.
func (f *Feed) Events() <-chan Event { return f.ch }

// Publish blocks until ev is queued, ctx is done or the feed is closed.
func (f *Feed) Publish(ctx context.Context, ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	select {
	case f.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrFeedClosed
	}
}

// Close stops accepting events and closes the channel. Blocked publishers
// return ErrFeedClosed.
func (f *Feed) Close() {
	f.doneOnce.Do(func() { close(f.done) })
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
