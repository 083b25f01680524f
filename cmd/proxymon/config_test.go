package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/proxymon"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxymon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverrides_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
maxRetries: 5
criticalMs: 4000
recognizedDomains:
  - corp-proxy.example
`)
	t.Setenv("PROXYMON_MAX_RETRIES", "7")

	o, err := loadOverrides(path)
	require.NoError(t, err)
	require.NotNil(t, o.MaxRetries)
	assert.Equal(t, 7, *o.MaxRetries)
	require.NotNil(t, o.CriticalMs)
	assert.Equal(t, int64(4000), *o.CriticalMs)
	assert.Equal(t, []string{"corp-proxy.example"}, o.RecognizedDomains)
	assert.Nil(t, o.WarningMs)
}

func TestLoadOverrides_Errors(t *testing.T) {
	_, err := loadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = loadOverrides(writeFile(t, "maxRetries: [nope"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestBuildMonitorConfig_RejectsInvalidOverrides(t *testing.T) {
	path := writeFile(t, "warningMs: 5000\ncriticalMs: 1000\n")

	_, err := buildMonitorConfig(path)
	assert.Error(t, err)
}

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	cfg, err := loadDaemonConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8089", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1024, cfg.EventBuffer)
	assert.Equal(t, 5*time.Second, cfg.RetryWebhookTimeout)
	assert.Equal(t, "proxymon", cfg.Metrics.ServiceName)
}

func TestMetricsConfig_ExporterConfig(t *testing.T) {
	t.Setenv("PROXYMON_REMOTE_WRITE_URL", "http://vm.internal:8428/api/v1/write")
	t.Setenv("PROXYMON_METRICS_LABELS", "env:prod,region:eu")
	t.Setenv("PROXYMON_DNS_ENABLE", "true")
	t.Setenv("PROXYMON_DNS_UDP_SERVERS", "1.1.1.1:53,8.8.8.8:53")

	cfg, err := loadDaemonConfig()
	require.NoError(t, err)

	exp := cfg.Metrics.exporterConfig()
	assert.Equal(t, "proxymon", exp.Namespace)
	assert.Equal(t, "tracker", exp.Subsystem)
	assert.Equal(t, "http://vm.internal:8428/api/v1/write", exp.RemoteWriteURL)
	assert.Equal(t, proxymon.DefaultRemoteWriteInterval, exp.RemoteWriteInterval)
	assert.Equal(t, map[string]string{"env": "prod", "region": "eu"}, exp.CustomLabels)
	assert.True(t, exp.DNS.Enable)
	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, exp.DNS.UDPServers)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger("chatty")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	path := writeFile(t, "maxRetries: 2\nproxyHeaderMarkers: [x-corp-proxy]\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "maxRetries: 2")
	assert.Contains(t, out.String(), "- x-corp-proxy")
	assert.Contains(t, out.String(), "- zscaler.net")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}
