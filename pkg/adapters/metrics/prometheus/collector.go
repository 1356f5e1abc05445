package prometheus

import (
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "megaservice"

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	nodes           *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	defaultsApplied *prometheus.CounterVec
	inFlight        prometheus.Gauge
	nodeHealthy     *prometheus.GaugeVec
}

// NewCollector creates a collector registered with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of orchestrated requests by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		nodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of node invocations by status",
			},
			[]string{"node", "role", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Node invocation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"node", "role"},
		),
		defaultsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "defaults_applied_total",
				Help:      "Total number of placeholder values applied to backend responses",
			},
			[]string{"kind"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being orchestrated",
			},
		),
		nodeHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_healthy",
				Help:      "Whether a node answered its last health probe (1) or not (0)",
			},
			[]string{"node"},
		),
	}
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordNode records one node invocation
func (c *Collector) RecordNode(node, role string, status domain.NodeStatus, duration time.Duration) {
	c.nodes.WithLabelValues(node, role, string(status)).Inc()
	c.nodeDuration.WithLabelValues(node, role).Observe(duration.Seconds())
}

// RecordDefaultApplied counts a placeholder filled in by the assembler
func (c *Collector) RecordDefaultApplied(kind string) {
	c.defaultsApplied.WithLabelValues(kind).Inc()
}

// SetInFlight sets the number of in-flight requests
func (c *Collector) SetInFlight(count int) {
	c.inFlight.Set(float64(count))
}

// SetNodeHealth records the result of a node health probe
func (c *Collector) SetNodeHealth(node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.nodeHealthy.WithLabelValues(node).Set(v)
}
