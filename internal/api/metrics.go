package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry holds this handler's Prometheus collectors. Each Handler
// owns its own registry so tests can build handlers freely.
type metricsRegistry struct {
	registry         *prometheus.Registry
	paymentsTotal    *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	conversionsTotal *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satpos_payments_total",
		Help: "Payment attempts by outcome of the issuance chain",
	}, []string{"status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satpos_settlements_total",
		Help: "Settled payments by settlement method",
	}, []string{"method"})

	conversions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satpos_conversions_total",
		Help: "Fiat to sat conversions by outcome",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, settlements, conversions)

	return &metricsRegistry{
		registry:         r,
		paymentsTotal:    payments,
		settlementsTotal: settlements,
		conversionsTotal: conversions,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPayment(status string) {
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSettlement(method string) {
	m.settlementsTotal.WithLabelValues(method).Inc()
}

func (m *metricsRegistry) incConversion(status string) {
	m.conversionsTotal.WithLabelValues(status).Inc()
}
