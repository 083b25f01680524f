package proxymon

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Monitor wires a Tracker to its metric collectors and the remote write
// exporter.
type Monitor struct {
	tracker  *Tracker
	exporter *Exporter
	errors   *ErrorCounter
	latency  *LatencyHistogram
	logger   *zap.Logger

	collectors  []Collector
	unsubscribe func()
	stopOnce    sync.Once
}

// New creates a monitor. The latency observer of the tracker is owned by
// the monitor and feeds its latency histogram.
func New(cfg Config, exp ExporterConfig, opts ...Option) (*Monitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if exp.Logger == nil {
		exp.Logger = logger
	}

	errs := NewErrorCounter(logger)
	latency := NewLatencyHistogram(nil, logger)

	tracker, err := NewTracker(cfg, append(opts[:len(opts):len(opts)], WithLatencyObserver(latency.Observe))...)
	if err != nil {
		return nil, err
	}
	exporter, err := NewExporter(exp)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		tracker:  tracker,
		exporter: exporter,
		errors:   errs,
		latency:  latency,
		logger:   logger,
		collectors: []Collector{
			NewTrackerCollector(tracker, logger),
			errs,
			latency,
		},
	}
	for _, c := range m.collectors {
		exporter.RegisterCollector(c)
	}
	exporter.RegisterCollector(NewRuntimeCollector(logger))
	m.unsubscribe = tracker.Subscribe(errs.Observe)

	logger.Info("monitor initialized",
		zap.String("namespace", exp.Namespace),
		zap.String("subsystem", exp.Subsystem),
		zap.String("service", exp.ServiceName),
		zap.Bool("remote_write", exp.RemoteWriteURL != ""))
	return m, nil
}

// Tracker returns the underlying tracker.
func (m *Monitor) Tracker() *Tracker { return m.tracker }

// Exporter returns the remote write exporter.
func (m *Monitor) Exporter() *Exporter { return m.exporter }

// Errors returns the per-category error counter.
func (m *Monitor) Errors() *ErrorCounter { return m.errors }

// Collectors returns the tracker-derived collectors, without the runtime one.
func (m *Monitor) Collectors() []Collector {
	return append([]Collector(nil), m.collectors...)
}

// PrometheusCollector returns a prometheus.Collector over Collectors using
// the exporter namespace and subsystem.
func (m *Monitor) PrometheusCollector() prometheus.Collector {
	return NewPrometheusBridge(m.exporter.config.Namespace, m.exporter.config.Subsystem, m.collectors...)
}

// Start starts the exporter loops.
func (m *Monitor) Start() error {
	return m.exporter.Start()
}

// Run feeds events from src to the tracker until ctx is done or src closes.
func (m *Monitor) Run(ctx context.Context, src EventSource) error {
	return m.tracker.Run(ctx, src)
}

// Flush writes the current metrics to the remote write endpoint.
func (m *Monitor) Flush() error {
	return m.exporter.Flush()
}

// Stats returns the tracker statistics.
func (m *Monitor) Stats() Stats { return m.tracker.Stats() }

// Health returns the tracker health snapshot.
func (m *Monitor) Health() HealthSnapshot { return m.tracker.Health() }

// Reset resets the tracker counters.
func (m *Monitor) Reset() { m.tracker.Reset() }

// Stop stops the exporter and the tracker. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.unsubscribe()
		m.exporter.Stop()
		m.tracker.Stop()
		m.logger.Info("monitor stopped")
	})
}
