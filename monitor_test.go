package proxymon_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikiz24/proxymon"
)

func newMonitor(t *testing.T) (*proxymon.Monitor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg := proxymon.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)

	exp := proxymon.DefaultExporterConfig()
	exp.InstanceIP = "10.0.0.1"

	mon, err := proxymon.New(cfg, exp, proxymon.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(mon.Stop)
	return mon, mock
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := proxymon.DefaultConfig()
	cfg.MaxTrackedRequests = 0
	_, err := proxymon.New(cfg, proxymon.DefaultExporterConfig())
	assert.ErrorIs(t, err, proxymon.ErrInvalidConfig)
}

func TestMonitor_CountsErrorsPerCategory(t *testing.T) {
	mon, _ := newMonitor(t)
	tr := mon.Tracker()

	tr.RequestCompleted(proxymon.RequestCompleted{ID: "1", StatusCode: 407})
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "2", StatusCode: 502})
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "3", StatusCode: 401})

	assert.Equal(t, int64(2), mon.Errors().Get(proxymon.CategoryAuth))
	assert.Equal(t, int64(1), mon.Errors().Get(proxymon.CategoryGateway))
}

func TestMonitor_ExporterSeesAllCollectors(t *testing.T) {
	mon, mock := newMonitor(t)
	tr := mon.Tracker()

	tr.RequestStarted(proxymon.RequestStarted{ID: "1", URL: "https://gateway.zscaler.net"})
	mock.Add(120 * time.Millisecond)
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "1", StatusCode: 200})

	names := map[string]bool{}
	for _, m := range mon.Exporter().Metrics() {
		names[m.Name] = true
	}
	assert.True(t, names["requests_total"])
	assert.True(t, names["errors_total"])
	assert.True(t, names["latency_ms_bucket"])
	assert.True(t, names["process_goroutines_num"])
	assert.Len(t, mon.Collectors(), 3)
}

func TestMonitor_PrometheusCollector(t *testing.T) {
	mon, mock := newMonitor(t)
	tr := mon.Tracker()

	tr.RequestStarted(proxymon.RequestStarted{ID: "1", URL: "https://gateway.zscaler.net"})
	mock.Add(80 * time.Millisecond)
	tr.RequestCompleted(proxymon.RequestCompleted{ID: "1", StatusCode: 200})

	families := gather(t, mon.PrometheusCollector())

	total := families["proxymon_tracker_requests_total"]
	require.NotNil(t, total)
	assert.Equal(t, 1.0, total.GetMetric()[0].GetCounter().GetValue())

	count := families["proxymon_tracker_latency_ms_count"]
	require.NotNil(t, count)
	assert.Equal(t, 1.0, count.GetMetric()[0].GetUntyped().GetValue())

	_, hasRuntime := families["proxymon_tracker_process_goroutines_num"]
	assert.False(t, hasRuntime)
}

func TestMonitor_RunAndHealth(t *testing.T) {
	mon, _ := newMonitor(t)
	require.NoError(t, mon.Start())

	feed := proxymon.NewFeed(4)
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx, feed) }()

	require.NoError(t, feed.Publish(ctx, proxymon.RequestStarted{ID: "1", URL: "https://gateway.zscaler.net"}))
	require.NoError(t, feed.Publish(ctx, proxymon.RequestFailed{ID: "1", Error: "net::ERR_NAME_NOT_RESOLVED"}))
	feed.Close()
	require.NoError(t, <-done)

	h := mon.Health()
	assert.Equal(t, 1.0, h.ProxyUsage)
	assert.Equal(t, 1.0, h.ErrorRate)
	assert.Len(t, h.RecentErrors, 1)
	assert.Equal(t, int64(1), mon.Errors().Get(proxymon.CategoryNetwork))

	mon.Reset()
	assert.Zero(t, mon.Stats().TotalRequests)

	assert.ErrorIs(t, mon.Flush(), proxymon.ErrNoRemoteWrite)
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	mon, _ := newMonitor(t)
	mon.Stop()
	mon.Stop()

	mon.Tracker().RequestStarted(proxymon.RequestStarted{ID: "1", URL: "https://example.com"})
	assert.Zero(t, mon.Stats().TotalRequests)
}
