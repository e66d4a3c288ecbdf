package application

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"nexus-inventory/internal/service/inventory/domain"
)

// Metrics 汇总引擎和回收任务的 Prometheus 指标。nil 值可以安全调用。
type Metrics struct {
	operations     *prometheus.CounterVec
	reaperResults  *prometheus.CounterVec
	reaperDuration prometheus.Histogram
}

// NewMetrics 在 reg 上注册全部指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "reservation_operations_total",
			Help:      "Reservation engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		reaperResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inventory",
			Name:      "reaper_candidates_total",
			Help:      "Expired reservation candidates handled by the reaper.",
		}, []string{"result"}),
		reaperDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inventory",
			Name:      "reaper_cycle_duration_seconds",
			Help:      "Duration of one reaper cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.operations, m.reaperResults, m.reaperDuration)
	return m
}

func (m *Metrics) observeOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Metrics) observeCycle(summary CycleSummary) {
	if m == nil {
		return
	}
	m.reaperResults.WithLabelValues("expired").Add(float64(summary.Expired))
	m.reaperResults.WithLabelValues("noop").Add(float64(summary.NoOp))
	m.reaperResults.WithLabelValues("failed").Add(float64(summary.Failed))
	m.reaperDuration.Observe(summary.Duration.Seconds())
}

// outcome 把错误归类为稳定的标签值。
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInventoryNotFound), errors.Is(err, domain.ErrReservationNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return "insufficient"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, domain.ErrContentionTimeout):
		return "contention"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrRevisionConflict):
		return "conflict"
	default:
		return "error"
	}
}
