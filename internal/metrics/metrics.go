package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reservations_total",
		Help: "Stock reservation attempts by outcome",
	}, []string{"outcome"})

	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payments_total",
		Help: "Terminal payment outcomes",
	}, []string{"outcome"})

	PaymentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_payment_retries_total",
		Help: "Payment attempts retried after a transient failure",
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_refunds_total",
		Help: "Refund issuance by method and outcome",
	}, []string{"method", "outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)
