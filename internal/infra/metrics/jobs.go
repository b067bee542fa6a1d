package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(batchesCreatedTotal, batchesTerminalTotal, batchRequestsSubmitted, requestsReconciledTotal, malformedLinesTotal, requestsReleasedTotal, staleBatches)
}

var (
	batchesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batches_created_total",
			Help: "Provider batches created.",
		},
	)

	batchesTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_terminal_total",
			Help: "Batches reaching a terminal state, labeled by status.",
		},
		[]string{"status"}, // 'processed', 'failed', 'cancelled'
	)

	batchRequestsSubmitted = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_requests_submitted",
			Help:    "Number of requests attached to each created batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	requestsReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_reconciled_total",
			Help: "Requests resolved, labeled by path and outcome.",
		},
		[]string{"path", "outcome"}, // path: 'batch', 'individual'; outcome: 'complete', 'failed', 'invalid'
	)

	malformedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_output_malformed_lines_total",
			Help: "Output lines skipped because they could not be parsed.",
		},
	)

	requestsReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_released_total",
			Help: "Requests detached from a batch, labeled by reason.",
		},
		[]string{"reason"}, // 'batch_failed', 'missing_line'
	)

	staleBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batches_stale",
			Help: "Non-terminal batches older than the batch timeout.",
		},
	)
)

func IncBatchCreated(requests int) {
	batchesCreatedTotal.Inc()
	batchRequestsSubmitted.Observe(float64(requests))
}

func IncBatchTerminal(status string) {
	batchesTerminalTotal.WithLabelValues(norm(status)).Inc()
}

func IncRequestReconciled(path, outcome string) {
	requestsReconciledTotal.WithLabelValues(norm(path), norm(outcome)).Inc()
}

func IncMalformedLine() { malformedLinesTotal.Inc() }

func AddRequestsReleased(reason string, n int) {
	if n <= 0 {
		return
	}
	requestsReleasedTotal.WithLabelValues(norm(reason)).Add(float64(n))
}

func SetStaleBatches(n int) { staleBatches.Set(float64(n)) }
