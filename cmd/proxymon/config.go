package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nikiz24/proxymon"
)

type daemonConfig struct {
	Addr        string `env:"PROXYMON_ADDR" envDefault:":8089"`
	ConfigFile  string `env:"PROXYMON_CONFIG"`
	LogLevel    string `env:"PROXYMON_LOG_LEVEL" envDefault:"info"`
	EventBuffer int    `env:"PROXYMON_EVENT_BUFFER" envDefault:"1024"`
	BodyLimit   string `env:"PROXYMON_BODY_LIMIT" envDefault:"1M"`

	RateLimitRPS   float64 `env:"PROXYMON_RATE_LIMIT_RPS" envDefault:"200"`
	RateLimitBurst int     `env:"PROXYMON_RATE_LIMIT_BURST" envDefault:"400"`

	RetryWebhook        string        `env:"PROXYMON_RETRY_WEBHOOK"`
	RetryWebhookTimeout time.Duration `env:"PROXYMON_RETRY_WEBHOOK_TIMEOUT" envDefault:"5s"`

	Metrics metricsConfig
}

type metricsConfig struct {
	Namespace           string            `env:"PROXYMON_METRICS_NAMESPACE" envDefault:"proxymon"`
	Subsystem           string            `env:"PROXYMON_METRICS_SUBSYSTEM" envDefault:"tracker"`
	ServiceName         string            `env:"PROXYMON_SERVICE_NAME" envDefault:"proxymon"`
	RemoteWriteURL      string            `env:"PROXYMON_REMOTE_WRITE_URL"`
	RemoteWriteInterval time.Duration     `env:"PROXYMON_REMOTE_WRITE_INTERVAL" envDefault:"15s"`
	InstanceIP          string            `env:"PROXYMON_INSTANCE_IP"`
	CustomLabels        map[string]string `env:"PROXYMON_METRICS_LABELS"`

	DNSEnable       bool     `env:"PROXYMON_DNS_ENABLE"`
	DNSUDPServers   []string `env:"PROXYMON_DNS_UDP_SERVERS" envSeparator:","`
	DNSTLSServers   []string `env:"PROXYMON_DNS_TLS_SERVERS" envSeparator:","`
	DNSDoHEndpoints []string `env:"PROXYMON_DNS_DOH_ENDPOINTS" envSeparator:","`
}

func loadDaemonConfig() (daemonConfig, error) {
	var cfg daemonConfig
	if err := env.Parse(&cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func (m metricsConfig) exporterConfig() proxymon.ExporterConfig {
	exp := proxymon.DefaultExporterConfig()
	exp.Namespace = m.Namespace
	exp.Subsystem = m.Subsystem
	exp.ServiceName = m.ServiceName
	exp.RemoteWriteURL = m.RemoteWriteURL
	exp.RemoteWriteInterval = m.RemoteWriteInterval
	exp.InstanceIP = m.InstanceIP
	for k, v := range m.CustomLabels {
		exp.CustomLabels[k] = v
	}
	exp.DNS = proxymon.ResolverConfig{
		Enable:       m.DNSEnable,
		UDPServers:   m.DNSUDPServers,
		TLSServers:   m.DNSTLSServers,
		DoHEndpoints: m.DNSDoHEndpoints,
	}
	return exp
}

// loadOverrides reads the optional YAML file, then lets PROXYMON_* variables
// take precedence.
func loadOverrides(path string) (proxymon.Overrides, error) {
	var o proxymon.Overrides
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return proxymon.Overrides{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &o); err != nil {
			return proxymon.Overrides{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&o); err != nil {
		return proxymon.Overrides{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return o, nil
}

// effectiveConfig is the YAML view printed by the config command.
type effectiveConfig struct {
	MaxRetries           int      `yaml:"maxRetries"`
	BackoffBaseMs        int64    `yaml:"backoffBaseMs"`
	RetryableSignatures  []string `yaml:"retryableSignatures"`
	WarningMs            int64    `yaml:"warningMs"`
	CriticalMs           int64    `yaml:"criticalMs"`
	RecognizedDomains    []string `yaml:"recognizedDomains"`
	ProxyHeaderMarkers   []string `yaml:"proxyHeaderMarkers"`
	ErrorLogCapacity     int      `yaml:"errorLogCapacity"`
	RecentErrors         int      `yaml:"recentErrors"`
	MaxTrackedRequests   int      `yaml:"maxTrackedRequests"`
	RequestIdleTimeoutMs int64    `yaml:"requestIdleTimeoutMs"`
}

func newEffectiveConfig(c proxymon.Config) effectiveConfig {
	return effectiveConfig{
		MaxRetries:           c.Retry.MaxRetries,
		BackoffBaseMs:        c.Retry.BackoffBase.Milliseconds(),
		RetryableSignatures:  c.Retry.RetryableSignatures,
		WarningMs:            c.Latency.Warning.Milliseconds(),
		CriticalMs:           c.Latency.Critical.Milliseconds(),
		RecognizedDomains:    c.RecognizedDomains,
		ProxyHeaderMarkers:   c.ProxyHeaderMarkers,
		ErrorLogCapacity:     c.ErrorLogCapacity,
		RecentErrors:         c.RecentErrors,
		MaxTrackedRequests:   c.MaxTrackedRequests,
		RequestIdleTimeoutMs: c.RequestIdleTimeout.Milliseconds(),
	}
}
