package proxymon

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusBridge exposes Collectors to a prometheus.Registerer so the same
// metrics served over remote write can be scraped. It is an unchecked
// collector: metric names are only known after a Collect.
type PrometheusBridge struct {
	namespace  string
	subsystem  string
	collectors []Collector
}

// NewPrometheusBridge wraps collectors under namespace_subsystem_.
func NewPrometheusBridge(namespace, subsystem string, collectors ...Collector) *PrometheusBridge {
	return &PrometheusBridge{
		namespace:  namespace,
		subsystem:  subsystem,
		collectors: collectors,
	}
}

// Describe implements prometheus.Collector. It sends nothing.
func (b *PrometheusBridge) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (b *PrometheusBridge) Collect(ch chan<- prometheus.Metric) {
	for _, c := range b.collectors {
		for _, m := range c.Collect() {
			names := make([]string, 0, len(m.Labels))
			for k := range m.Labels {
				names = append(names, k)
			}
			sort.Strings(names)
			values := make([]string, len(names))
			for i, k := range names {
				values[i] = m.Labels[k]
			}

			desc := prometheus.NewDesc(
				prometheus.BuildFQName(b.namespace, b.subsystem, m.Name),
				"proxymon "+c.Name()+" metric "+m.Name,
				names, nil,
			)
			metric, err := prometheus.NewConstMetric(desc, valueType(m.MetricType), m.Value, values...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- metric
		}
	}
}

func valueType(t MetricType) prometheus.ValueType {
	switch t {
	case Counter:
		return prometheus.CounterValue
	case Gauge:
		return prometheus.GaugeValue
	default:
		return prometheus.UntypedValue
	}
}
