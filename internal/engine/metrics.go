package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняло принятие решения (без пересылки)
	AuthorizeDuration *prometheus.HistogramVec

	// Traffic: решения по вызовам
	Decisions *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// HITL: результаты опроса токена (issued, already_retrieved, pending, denied, expired)
	TokenRetrievals *prometheus.CounterVec

	// Egress: латентность пересылки в upstream
	ForwardDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - closed, 0.5 - half-open, 1 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AuthorizeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latch_authorize_duration_seconds",
			Help:    "Histogram of authorization decision latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"decision"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "latch_decisions_total",
			Help: "Total number of authorization decisions.",
		}, []string{"decision", "reason"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "latch_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: unauthenticated, not_found, token_invalid, upstream, internal

		TokenRetrievals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "latch_approval_polls_total",
			Help: "Approval status polls by result.",
		}, []string{"result"}),

		ForwardDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latch_forward_duration_seconds",
			Help:    "Histogram of upstream forwarding latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"upstream_id", "status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "latch_circuit_breaker_state",
			Help: "Current state of the upstream circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"upstream_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "latch_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
