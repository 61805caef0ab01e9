package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusNamespace prefixes every exported series.
const PrometheusNamespace = "ensim"

// PrometheusSink maps known metric events onto Prometheus collectors.
// Log and span events, and metrics it has no collector for, are ignored.
type PrometheusSink struct {
	counters map[string]counterBinding
	gauges   map[string]gaugeBinding
}

type counterBinding struct {
	vec    *prometheus.CounterVec
	labels []string
}

type gaugeBinding struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// NewPrometheusSink registers collectors on reg. A nil reg uses the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) counterBinding {
		return counterBinding{
			vec: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: PrometheusNamespace,
				Name:      name,
				Help:      help,
			}, labels),
			labels: labels,
		}
	}
	gauge := func(name, help string, labels ...string) gaugeBinding {
		return gaugeBinding{
			vec: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: PrometheusNamespace,
				Name:      name,
				Help:      help,
			}, labels),
			labels: labels,
		}
	}
	return &PrometheusSink{
		counters: map[string]counterBinding{
			MetricEnvelopesTotal:    counter(MetricEnvelopesTotal, "Reconciler decisions by envelope type and outcome.", "type", "outcome"),
			MetricCountiesTouched:   counter(MetricCountiesTouched, "County records written by frames and completion.", "type"),
			MetricTransportMessages: counter(MetricTransportMessages, "Messages read by a transport.", "transport", "result"),
		},
		gauges: map[string]gaugeBinding{
			MetricNewsroomDepth: gauge(MetricNewsroomDepth, "Retained newsroom items."),
		},
	}
}

// Export applies a metric event to its collector.
func (s *PrometheusSink) Export(_ context.Context, event Event) error {
	if event.Metric == nil {
		return nil
	}
	m := event.Metric
	if c, ok := s.counters[m.Name]; ok {
		if m.Value < 0 {
			return nil
		}
		c.vec.WithLabelValues(labelValues(c.labels, m.Attributes)...).Add(m.Value)
		return nil
	}
	if g, ok := s.gauges[m.Name]; ok {
		g.vec.WithLabelValues(labelValues(g.labels, m.Attributes)...).Set(m.Value)
	}
	return nil
}

func labelValues(labels []string, attributes map[string]string) []string {
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = attributes[label]
	}
	return values
}
