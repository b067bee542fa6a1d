package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiTokensTotal,
		providerCallsLatencyMs,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_in",
			Help: "Sum of prompt (input) tokens per model.",
		},
		[]string{"model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_out",
			Help: "Sum of completion (output) tokens per model.",
		},
		[]string{"model"},
	)

	aiTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Sum of total tokens per model.",
		},
		[]string{"model"},
	)

	providerCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_calls_latency_ms",
			Help:    "Provider call latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 15000, 60000},
		},
		[]string{"op", "success"},
	)
)

func ObserveTokens(model string, in, out, total int) {
	m := norm(model)
	aiTokensIn.WithLabelValues(m).Add(float64(in))
	aiTokensOut.WithLabelValues(m).Add(float64(out))
	aiTokensTotal.WithLabelValues(m).Add(float64(total))
}

func ObserveProviderCall(op string, elapsed time.Duration, success bool) {
	providerCallsLatencyMs.WithLabelValues(norm(op), strconv.FormatBool(success)).
		Observe(float64(elapsed.Milliseconds()))
}
