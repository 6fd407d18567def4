// Package metrics defines the collector the storage engine reports
// operation latencies to. The engine only ever calls Observe; histogram
// buckets and exposition live with the embedder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives one observation per completed store operation.
type Collector interface {
	Observe(op string, d time.Duration)
}

type noop struct{}

func (noop) Observe(string, time.Duration) {}

// Noop returns a collector that discards every observation.
func Noop() Collector {
	return noop{}
}

// PrometheusCollector records operation latencies into a histogram
// vector labelled by operation.
type PrometheusCollector struct {
	latency *prometheus.HistogramVec
}

// NewPrometheus builds a collector and registers it with reg.
func NewPrometheus(reg prometheus.Registerer) (*PrometheusCollector, error) {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fincask",
		Name:      "operation_duration_seconds",
		Help:      "Latency of store operations.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"operation"})

	if err := reg.Register(latency); err != nil {
		return nil, err
	}

	return &PrometheusCollector{latency: latency}, nil
}

func (c *PrometheusCollector) Observe(op string, d time.Duration) {
	c.latency.WithLabelValues(op).Observe(d.Seconds())
}
