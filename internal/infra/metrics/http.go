package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(httpRequests, httpDuration, rateLimitDecisions, webhookOutcomes) }

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		},
		[]string{"route", "method", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_rate_limit_decisions_total",
			Help: "Rate limit increments, labeled allowed/denied.",
		},
		[]string{"result"},
	)

	webhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_webhook_outcomes_total",
			Help: "Webhook deliveries by provider and outcome.",
		},
		[]string{"provider", "outcome"}, // applied, ignored, replay, rejected
	)
)

func ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func IncRateLimit(allowed bool) {
	if allowed {
		rateLimitDecisions.WithLabelValues("allowed").Inc()
		return
	}
	rateLimitDecisions.WithLabelValues("denied").Inc()
}

func IncWebhook(provider, outcome string) {
	webhookOutcomes.WithLabelValues(norm(provider), norm(outcome)).Inc()
}
