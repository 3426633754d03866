package arbiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько агент провисел в ожидании решения
	DecisionDuration *prometheus.HistogramVec

	// Traffic: общее кол-во входящих запросов на подтверждение
	TotalRequests *prometheus.CounterVec

	// Исходы арбитража: auto_approved, approved, rejected, expired
	Outcomes *prometheus.CounterVec

	// Saturation: сколько заявок висит прямо сейчас
	PendingApprovals prometheus.Gauge

	// Сбои доставки уведомлений оператору
	NotifyFailures prometheus.Counter

	// Отклоненные решения из-за неверного TOTP кода
	SecondFactorFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_decision_duration_seconds",
			Help:    "Time an agent spent waiting for the approval verdict.",
			Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"agent_id", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_approval_requests_total",
			Help: "Total number of inbound approval requests.",
		}, []string{"agent_id"}),

		Outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_decisions_total",
			Help: "Terminal outcomes by type.",
		}, []string{"outcome"}), // auto_approved, approved, rejected, expired

		PendingApprovals: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "guardian_pending_approvals",
			Help: "Number of approval requests currently awaiting a decision.",
		}),

		NotifyFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "guardian_notify_failures_total",
			Help: "Operator prompt delivery failures.",
		}),

		SecondFactorFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "guardian_second_factor_failures_total",
			Help: "Decisions rejected due to an invalid TOTP code.",
		}),
	}
}
