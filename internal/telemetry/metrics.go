package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements store.MetricsSink with a Prometheus registry
// (spec.md §4.8), generalizing the teacher's hand-rolled HandleMetrics
// (plain fmt.Fprintf text exposition) into CounterVec/HistogramVec
// instruments served by promhttp.Handler(), grounded on the
// CounterVec/HistogramVec/GaugeVec shape in other_examples/
// 1967e8d2_isaacbuz-ComputeHive's APIGateway metrics.
type Metrics struct {
	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec

	requestsTotal      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	proxyDuration      *prometheus.HistogramVec
}

// NewMetrics builds a Metrics sink with its own registry (not the global
// DefaultRegisterer) so tests can construct independent instances without
// a "duplicate metrics collector registration" panic.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway, by service and status.",
		}, []string{"service", "method", "status"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_decisions_total",
			Help: "Total number of rate-limit decisions, by outcome.",
		}, []string{"service", "scope", "allowed"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_proxy_duration_seconds",
			Help:    "Duration of proxied backend requests, by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
	}

	reg.MustRegister(m.requestsTotal, m.rateLimitDecisions, m.proxyDuration)
	return m
}

// IncCounter implements store.MetricsSink. name selects one of the
// gateway's fixed counters; labels not recognized by that counter's label
// set are dropped rather than erroring, since a MetricsSink must never be
// able to fail a request path.
func (m *Metrics) IncCounter(name string, labels map[string]string) {
	switch name {
	case "gateway_requests_total":
		m.requestsTotal.With(prometheus.Labels{
			"service": labels["service"],
			"method":  labels["method"],
			"status":  labels["status"],
		}).Inc()
	case "gateway_rate_limit_decisions_total":
		m.rateLimitDecisions.With(prometheus.Labels{
			"service": labels["service"],
			"scope":   labels["scope"],
			"allowed": labels["allowed"],
		}).Inc()
	}
}

// ObserveHistogram implements store.MetricsSink.
func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	switch name {
	case "gateway_proxy_duration_seconds":
		m.proxyDuration.With(prometheus.Labels{"service": labels["service"]}).Observe(value)
	}
}

// Handler returns the http.Handler to mount at /q/metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
