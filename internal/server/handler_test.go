package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikiz24/proxymon"
	"github.com/nikiz24/proxymon/internal/server"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []proxymon.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev proxymon.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func newTestServer(t *testing.T, pub server.Publisher) (*echo.Echo, *proxymon.Tracker) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := proxymon.DefaultConfig()
	cfg.Logger = logger
	tr, err := proxymon.NewTracker(cfg)
	require.NoError(t, err)
	t.Cleanup(tr.Stop)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "proxymon_test_total", Help: "test"}))

	h := server.New(pub, tr, reg, logger)
	e := server.NewEcho(h, server.Config{BodyLimit: "1M"}, logger)
	return e, tr
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPostEvents_Single(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestServer(t, pub)

	rec := do(e, http.MethodPost, "/api/v1/events", `{"type":"request_started","event":{"id":"1","url":"https://gateway.zscaler.net"}}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":1}`, rec.Body.String())
	require.Len(t, pub.events, 1)
	assert.Equal(t, "1", pub.events[0].(proxymon.RequestStarted).ID)
}

func TestPostEvents_Batch(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestServer(t, pub)

	rec := do(e, http.MethodPost, "/api/v1/events", ` [
		{"type":"request_started","event":{"id":"1","url":"https://a"}},
		{"type":"request_failed","event":{"id":"1","url":"https://a","error":"net::ERR_FAILED"}}
	]`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":2}`, rec.Body.String())
	assert.Len(t, pub.events, 2)
}

func TestPostEvents_BadPayloads(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestServer(t, pub)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"type":`},
		{"unknown type", `{"type":"tab_closed","event":{}}`},
		{"missing id", `{"type":"request_completed","event":{"url":"https://a"}}`},
		{"empty batch", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, pub.events)
}

func TestPostEvents_FeedClosed(t *testing.T) {
	feed := proxymon.NewFeed(1)
	feed.Close()
	e, _ := newTestServer(t, feed)

	rec := do(e, http.MethodPost, "/api/v1/events", `{"type":"request_started","event":{"id":"1"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsHealthErrorsAndReset(t *testing.T) {
	e, tr := newTestServer(t, &recordingPublisher{})
	tr.RequestStarted(proxymon.RequestStarted{ID: "1", URL: "https://gateway.zscaler.net"})
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "1", StatusCode: 407})
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "2", StatusCode: 502})

	rec := do(e, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats proxymon.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.ProxyRequests)
	assert.Len(t, stats.Errors, 2)

	rec = do(e, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health proxymon.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, 1.0, health.ProxyUsage)
	assert.Len(t, health.RecentErrors, 2)

	rec = do(e, http.MethodGet, "/api/v1/errors?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var errs []proxymon.ErrorEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, proxymon.CategoryGateway, errs[0].Category)

	rec = do(e, http.MethodGet, "/api/v1/errors?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, tr.Stats().TotalRequests)
}

func TestLivenessAndMetrics(t *testing.T) {
	e, _ := newTestServer(t, &recordingPublisher{})

	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxymon_test_total")
}
