package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время обработки HTTP-запроса по маршруту
	RequestDuration *prometheus.HistogramVec

	// Traffic: оценки порогов
	Evaluations *prometheus.CounterVec

	// Проверки PIN по исходу: success, invalid, locked, error
	PinVerifications *prometheus.CounterVec

	// Новые блокировки источников
	Lockouts prometheus.Counter

	// Заявки по статусу: created, approved, denied, expired
	Requests *prometheus.CounterVec

	// Errors: запись аудита не удалась после ретраев
	AuditWriteFailures prometheus.Counter

	// Saturation: состояние Circuit Breaker журнала (0 - ок, 1 - выбило)
	AuditBreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "override_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "method", "code"}),

		Evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "override_evaluations_total",
			Help: "Total number of threshold evaluations.",
		}, []string{"override_type", "requires_approval"}),

		PinVerifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "override_pin_verifications_total",
			Help: "Total number of manager PIN verifications by outcome.",
		}, []string{"outcome"}),

		Lockouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "override_lockouts_total",
			Help: "Total number of origins moved into lockout.",
		}),

		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "override_requests_total",
			Help: "Override requests by lifecycle status.",
		}, []string{"status"}),

		AuditWriteFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "override_audit_write_failures_total",
			Help: "Audit writes that failed after all retries.",
		}),

		AuditBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "override_audit_breaker_state",
			Help: "Current state of the audit circuit breaker (0=closed, 1=open).",
		}),
	}
}

// BreakerObserver - колбэк для infra.NewGuard.
func (m *Metrics) BreakerObserver(open bool) {
	if open {
		m.AuditBreakerState.Set(1)
		return
	}
	m.AuditBreakerState.Set(0)
}
