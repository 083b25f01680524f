package proxymon_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nikiz24/proxymon"
)

func newRemoteWriteServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/write" {
			hits.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func exporterConfig(t *testing.T, url string) proxymon.ExporterConfig {
	cfg := proxymon.DefaultExporterConfig()
	cfg.InstanceIP = "10.0.0.1"
	cfg.RemoteWriteURL = url
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func TestNewExporter_RequiresServiceName(t *testing.T) {
	cfg := exporterConfig(t, "")
	cfg.ServiceName = ""
	_, err := proxymon.NewExporter(cfg)
	assert.Error(t, err)
}

func TestExporter_MetricsFromAllCollectors(t *testing.T) {
	exp, err := proxymon.NewExporter(exporterConfig(t, ""))
	require.NoError(t, err)

	exp.RegisterCollector(staticCollector{metrics: []proxymon.Metric{{Name: "a", Value: 1}}})
	exp.RegisterCollector(staticCollector{metrics: []proxymon.Metric{{Name: "b", Value: 2}, {Name: "c", Value: 3}}})

	assert.Len(t, exp.Metrics(), 3)
	assert.Len(t, exp.Collectors(), 2)
}

func TestExporter_FlushWithoutRemoteWrite(t *testing.T) {
	exp, err := proxymon.NewExporter(exporterConfig(t, ""))
	require.NoError(t, err)

	require.NoError(t, exp.Start())
	exp.Stop()
	assert.ErrorIs(t, exp.Flush(), proxymon.ErrNoRemoteWrite)
}

func TestExporter_FlushWritesToEndpoint(t *testing.T) {
	srv, hits := newRemoteWriteServer(t, http.StatusNoContent)

	exp, err := proxymon.NewExporter(exporterConfig(t, srv.URL+"/api/v1/write"))
	require.NoError(t, err)
	exp.RegisterCollector(staticCollector{metrics: []proxymon.Metric{
		{Name: "requests_total", Value: 3, MetricType: proxymon.Counter, Timestamp: time.Now()},
	}})

	require.NoError(t, exp.Flush())
	assert.Equal(t, int32(1), hits.Load())
}

func TestExporter_FlushSkipsEmptyGather(t *testing.T) {
	srv, hits := newRemoteWriteServer(t, http.StatusNoContent)

	exp, err := proxymon.NewExporter(exporterConfig(t, srv.URL+"/api/v1/write"))
	require.NoError(t, err)

	require.NoError(t, exp.Flush())
	assert.Zero(t, hits.Load())
}

func TestExporter_FlushReportsServerError(t *testing.T) {
	srv, hits := newRemoteWriteServer(t, http.StatusInternalServerError)

	exp, err := proxymon.NewExporter(exporterConfig(t, srv.URL+"/api/v1/write"))
	require.NoError(t, err)
	exp.RegisterCollector(staticCollector{metrics: []proxymon.Metric{{Name: "x", Value: 1}}})

	assert.Error(t, exp.Flush())
	assert.GreaterOrEqual(t, hits.Load(), int32(1))
}

func TestExporter_PeriodicWrite(t *testing.T) {
	srv, hits := newRemoteWriteServer(t, http.StatusNoContent)

	cfg := exporterConfig(t, srv.URL+"/api/v1/write")
	cfg.RemoteWriteInterval = 20 * time.Millisecond
	exp, err := proxymon.NewExporter(cfg)
	require.NoError(t, err)
	exp.RegisterCollector(staticCollector{metrics: []proxymon.Metric{{Name: "x", Value: 1}}})

	require.NoError(t, exp.Start())
	assert.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	exp.Stop()
}
