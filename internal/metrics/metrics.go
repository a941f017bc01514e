// Package metrics owns the Prometheus registry for the gateway and worker.
// A private registry keeps the scrape surface to exactly what we declare.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	JobsTotal         *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	CostRub           *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Proxied requests by endpoint, provider, and outcome",
		}, []string{"endpoint", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_latency_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "provider"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Jobs reaching a terminal status",
		}, []string{"provider", "status"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"status"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_total",
			Help: "Tokens consumed, split by prompt/completion",
		}, []string{"provider", "model", "kind"}),
		CostRub: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cost_rub_total",
			Help: "Accumulated cost in rubles",
		}, []string{"provider", "model"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.JobsTotal,
		m.WebhookDeliveries, m.TokensTotal, m.CostRub,
	)
	return m
}

// ObserveRequest records one finished proxied request.
func (m *Registry) ObserveRequest(endpoint, provider, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(endpoint, provider, status).Inc()
	m.RequestLatency.WithLabelValues(endpoint, provider).Observe(seconds)
}

// ObserveUsage records token and cost counters for a priced request.
func (m *Registry) ObserveUsage(provider, model string, promptTokens, completionTokens *int, costRub float64) {
	if promptTokens != nil {
		m.TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(*promptTokens))
	}
	if completionTokens != nil {
		m.TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(*completionTokens))
	}
	if costRub > 0 {
		m.CostRub.WithLabelValues(provider, model).Add(costRub)
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
