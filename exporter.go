package proxymon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// DefaultRemoteWriteInterval is used when ExporterConfig.RemoteWriteInterval is unset.
const DefaultRemoteWriteInterval = 15 * time.Second

// ErrNoRemoteWrite is returned by Flush when no remote write URL is configured.
var ErrNoRemoteWrite = errors.New("no remote write client configured")

// ExporterConfig configures metric export
type ExporterConfig struct {
	// Metric name prefix is Namespace_Subsystem_
	Namespace   string
	Subsystem   string
	ServiceName string

	// Remote write configuration
	RemoteWriteURL      string
	RemoteWriteInterval time.Duration

	// Instance label, detected when empty
	InstanceIP   string
	CustomLabels map[string]string

	// Optional logger
	Logger *zap.Logger

	DNS ResolverConfig
}

// DefaultExporterConfig returns exporter defaults without a remote write target.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Namespace:           "proxymon",
		Subsystem:           "tracker",
		ServiceName:         "proxymon",
		RemoteWriteInterval: DefaultRemoteWriteInterval,
		CustomLabels:        make(map[string]string),
	}
}

// Collector defines a metrics collector that can provide multiple metrics
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
	Summary
)

// Exporter gathers metrics from collectors and pushes them to a
// Prometheus remote write endpoint.
type Exporter struct {
	config   ExporterConfig
	logger   *zap.Logger
	resolver *Resolver

	mutex      sync.RWMutex
	collectors []Collector
	client     *promwrite.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExporter creates an exporter. Without RemoteWriteURL it only serves
// Metrics to pull-based consumers.
func NewExporter(config ExporterConfig) (*Exporter, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if config.RemoteWriteInterval <= 0 {
		config.RemoteWriteInterval = DefaultRemoteWriteInterval
	}
	if config.InstanceIP == "" {
		config.InstanceIP = detectInstance()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var host string
	if config.RemoteWriteURL != "" {
		u, err := url.Parse(config.RemoteWriteURL)
		if err != nil {
			return nil, fmt.Errorf("invalid remote write url: %w", err)
		}
		host = u.Hostname()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		config:   config,
		logger:   logger,
		resolver: NewResolver(host, config.DNS, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.RemoteWriteURL != "" {
		e.client = promwrite.NewClient(config.RemoteWriteURL)
	}
	return e, nil
}

// RegisterCollector adds collector to every later gather.
func (e *Exporter) RegisterCollector(collector Collector) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.collectors = append(e.collectors, collector)

	e.logger.Debug("Registered metrics collector",
		zap.String("collector", collector.Name()))
}

// Collectors returns the registered collectors.
func (e *Exporter) Collectors() []Collector {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]Collector(nil), e.collectors...)
}

// Start launches the periodic write loop and, when enabled, the DNS refresh
// loop. It is a no-op without a remote write URL.
func (e *Exporter) Start() error {
	if e.remoteClient() == nil {
		e.logger.Warn("Starting metrics exporter without remote write URL")
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.RemoteWriteInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.Flush(); err != nil {
					e.logger.Error("Failed to write metrics", zap.Error(err))
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()

	if e.resolver.Enabled() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.resolver.RefreshInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					e.refreshClient(false)
				case <-e.ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (e *Exporter) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Metrics gathers the current metrics from every collector.
func (e *Exporter) Metrics() []Metric {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var metrics []Metric
	for _, collector := range e.collectors {
		metrics = append(metrics, collector.Collect()...)
	}
	return metrics
}

// Flush writes the current metrics to the remote write endpoint once.
func (e *Exporter) Flush() error {
	client := e.remoteClient()
	if client == nil {
		return ErrNoRemoteWrite
	}

	metrics := e.Metrics()
	if len(metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	req := &promwrite.WriteRequest{TimeSeries: e.convertToTimeSeries(metrics)}
	if _, err := client.Write(ctx, req); err != nil {
		// The endpoint may have moved; retry once on a fresh client.
		if e.refreshClient(true) {
			if _, retryErr := e.remoteClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}
	return nil
}

func (e *Exporter) remoteClient() *promwrite.Client {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.client
}

// refreshClient re-resolves the remote write host and recreates the client
// when the address set changed.
func (e *Exporter) refreshClient(force bool) bool {
	if e.config.RemoteWriteURL == "" {
		return false
	}
	ips, changed := e.resolver.Refresh(e.ctx, force)
	if !changed {
		return false
	}

	e.mutex.Lock()
	e.client = promwrite.NewClient(e.config.RemoteWriteURL)
	e.mutex.Unlock()

	e.logger.Info("Refreshed remote write client after DNS update",
		zap.String("host", e.resolver.Host()), zap.Strings("ips", ips))
	return true
}

// convertToTimeSeries converts collected metrics to remote write series.
// Custom and metric labels are sorted by name so series are stable.
func (e *Exporter) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))

	prefix := metricPrefix(e.config.Namespace, e.config.Subsystem)
	custom := sortedLabels(e.config.CustomLabels)

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 4+len(custom)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: prefix + metric.Name},
			promwrite.Label{Name: "_instance_", Value: e.config.InstanceIP},
			promwrite.Label{Name: "instance", Value: e.config.InstanceIP},
			promwrite.Label{Name: "_target_", Value: e.config.ServiceName},
		)
		labels = append(labels, custom...)
		labels = append(labels, sortedLabels(metric.Labels)...)

		ts := metric.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{Time: ts, Value: metric.Value},
		})
	}
	return result
}

func metricPrefix(namespace, subsystem string) string {
	var prefix string
	for _, part := range []string{namespace, subsystem} {
		if part != "" {
			prefix += part + "_"
		}
	}
	return prefix
}

func sortedLabels(m map[string]string) []promwrite.Label {
	labels := make([]promwrite.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, promwrite.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func detectInstance() string {
	if ip, err := GetOutboundIPv4(); err == nil {
		return ip
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
