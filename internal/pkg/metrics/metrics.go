package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

var (
	// TCCPhaseTotal 统计每个 TCC 阶段的执行结果
	TCCPhaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tcc_phase_total",
		Help:      "Total number of TCC phase executions.",
	}, []string{"module", "phase", "result"})

	LockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquire_total",
		Help:      "Distributed lock acquisition attempts.",
	}, []string{"backend", "result"})

	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for a distributed lock.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"backend"})

	OrderTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transition_total",
		Help:      "Order status transitions.",
	}, []string{"from", "event", "to"})

	RecoveryResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_resolved_total",
		Help:      "In-doubt transactions handled by the recovery scanner.",
	}, []string{"action"})

	RecoveryInDoubt = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recovery_in_doubt",
		Help:      "In-doubt transactions seen in the last recovery sweep.",
	})
)

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result 把 error 转成指标标签
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
