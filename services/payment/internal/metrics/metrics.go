package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	registry          *prometheus.Registry
	paymentsCreated   *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	escrowTransitions *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		paymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payments created, by provider.",
		}, []string{"provider"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Provider webhooks handled, by provider and result.",
		}, []string{"provider", "result"}),
		escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow state transitions, by resulting status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.paymentsCreated, m.webhooks, m.escrowTransitions)

	return m
}

func (m *Metrics) PaymentCreated(provider string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(provider).Inc()
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) EscrowTransition(status string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
