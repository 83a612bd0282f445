package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the gateway emits, registered
// against a private registry so multiple instances (e.g. in tests) never
// collide on the process-global default registry.
type Metrics struct {
	registry *prometheus.Registry

	AdmissionTotal     *prometheus.CounterVec
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyLatency       *prometheus.HistogramVec
	UsageFlushTotal    *prometheus.CounterVec
	UsageFlushBatch    prometheus.Histogram
	PriceCalcTicks     prometheus.Counter
	BudgetCheckTicks   prometheus.Counter
	BlockedProjects    prometheus.Gauge
}

// New constructs and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		AdmissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xproxy_admission_total",
			Help: "Admission decisions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xproxy_proxy_requests_total",
			Help: "Proxied requests by provider and status class.",
		}, []string{"provider", "status_class"}),
		ProxyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xproxy_proxy_latency_seconds",
			Help:    "Upstream round-trip latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		UsageFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xproxy_usage_flush_total",
			Help: "Usage flusher ticks by outcome.",
		}, []string{"outcome"}),
		UsageFlushBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xproxy_usage_flush_batch_size",
			Help:    "Usage events per flush.",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000},
		}),
		PriceCalcTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xproxy_price_calculator_ticks_total",
			Help: "Price calculator tick count.",
		}),
		BudgetCheckTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xproxy_budget_checker_ticks_total",
			Help: "Budget checker tick count.",
		}),
		BlockedProjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xproxy_blocked_projects",
			Help: "Projects currently over budget.",
		}),
	}

	reg.MustRegister(
		m.AdmissionTotal, m.ProxyRequestsTotal, m.ProxyLatency,
		m.UsageFlushTotal, m.UsageFlushBatch, m.PriceCalcTicks,
		m.BudgetCheckTicks, m.BlockedProjects,
	)
	return m
}

// Handler serves the registered metrics at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
