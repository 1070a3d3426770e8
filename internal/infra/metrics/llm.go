package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		llmTokensIn,
		llmTokensOut,
		llmCallsLatency,
		llmCallErrors,
		llmProviderCancels,
	)
}

var (
	llmTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in_total",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out_total",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmCallsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 120},
		},
		[]string{"provider", "model", "success"},
	)

	llmCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_call_errors_total",
			Help: "Provider call failures by transient/permanent class.",
		},
		[]string{"provider", "class"},
	)

	llmProviderCancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_provider_cancels_total",
			Help: "Best-effort provider cancellations, labeled by outcome.",
		},
		[]string{"provider", "result"},
	)
)

func ObserveCall(provider, model string, tokensIn, tokensOut int, elapsed time.Duration, success bool) {
	lbl := []string{norm(provider), norm(model)}
	if success {
		llmTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
		llmTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	}
	llmCallsLatency.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(elapsed.Seconds())
}

func IncCallError(provider string, transient bool) {
	class := "permanent"
	if transient {
		class = "transient"
	}
	llmCallErrors.WithLabelValues(norm(provider), class).Inc()
}

func IncProviderCancel(provider, result string) {
	llmProviderCancels.WithLabelValues(norm(provider), norm(result)).Inc()
}
