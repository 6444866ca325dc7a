package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/advocacy-ops/internal/domain"
)

type Metrics struct {
	// Длительность запуска агента от старта до терминального статуса
	RunDuration *prometheus.HistogramVec

	// Запуски по итоговому статусу
	RunsTotal *prometheus.CounterVec

	// Попытки внутри запуска (ok / error)
	AttemptsTotal *prometheus.CounterVec

	// Классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Состояние предохранителя (0 - closed, 1 - open, 2 - half_open)
	CircuitBreakerState *prometheus.GaugeVec

	// Решения ревьюеров
	ApprovalDecisions *prometheus.CounterVec

	// Outbox: задачи, от которых отказались после всех попыток
	OutboxDeadTotal prometheus.Counter

	// Заполненность очереди запусков (backpressure)
	RunQueueDepth prometheus.Gauge

	// Audit: заполненность буфера
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ops_agent_run_duration_seconds",
			Help:    "Histogram of agent run latencies.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent_id", "status"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ops_agent_runs_total",
			Help: "Total number of agent runs by terminal status.",
		}, []string{"agent_id", "status"}),

		AttemptsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ops_agent_attempts_total",
			Help: "Total number of agent invocation attempts.",
		}, []string{"agent_id", "outcome"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ops_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: circuit_open, persistence, upstream, dispatch

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ops_circuit_breaker_state",
			Help: "Current state of the agent circuit breaker (0=closed, 1=open, 2=half_open).",
		}, []string{"agent_id"}),

		ApprovalDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ops_approval_decisions_total",
			Help: "Reviewer decisions by item type and action.",
		}, []string{"item_type", "action"}),

		OutboxDeadTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ops_outbox_dead_total",
			Help: "Approval side effects abandoned after max attempts.",
		}),

		RunQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ops_run_queue_depth",
			Help: "Current number of queued agent runs.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ops_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveBreaker обновляет gauge состояния цепи.
func (m *Metrics) ObserveBreaker(agentID string, _, to domain.BreakerState) {
	var v float64
	switch to {
	case domain.BreakerOpen:
		v = 1
	case domain.BreakerHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(agentID).Set(v)
}
