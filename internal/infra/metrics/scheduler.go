package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(cadenceRunsTotal, cadenceDurationSeconds, tenantTasksTotal, schedulerPaused, schedulerConsecutiveErrors, breakerState)
}

var (
	cadenceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_cadence_runs_total",
			Help: "Cadence ticks, labeled by cadence and result.",
		},
		[]string{"cadence", "result"}, // result: 'success', 'failure', 'skipped'
	)

	cadenceDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_cadence_duration_seconds",
			Help:    "Wall time of one cadence tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"cadence"},
	)

	tenantTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tenant_tasks_total",
			Help: "Per-tenant sub-tasks within cadence ticks.",
		},
		[]string{"cadence", "result"},
	)

	schedulerPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_paused",
			Help: "1 while the scheduler is paused after repeated failures.",
		},
	)

	schedulerConsecutiveErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_consecutive_errors",
			Help: "Consecutive failed cadence ticks across all cadences.",
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per operation (0 closed, 1 open, 2 half-open).",
		},
		[]string{"op"},
	)
)

func IncCadenceRun(cadence, result string, seconds float64) {
	cadenceRunsTotal.WithLabelValues(norm(cadence), norm(result)).Inc()
	if seconds > 0 {
		cadenceDurationSeconds.WithLabelValues(norm(cadence)).Observe(seconds)
	}
}

func IncTenantTask(cadence, result string) {
	tenantTasksTotal.WithLabelValues(norm(cadence), norm(result)).Inc()
}

func SetSchedulerPaused(paused bool) {
	if paused {
		schedulerPaused.Set(1)
		return
	}
	schedulerPaused.Set(0)
}

func SetConsecutiveErrors(n int) { schedulerConsecutiveErrors.Set(float64(n)) }

func SetBreakerState(op string, state int) {
	breakerState.WithLabelValues(norm(op)).Set(float64(state))
}
