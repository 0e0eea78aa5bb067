package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTargetOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "target_calls_total",
		Help:      "Target invocations by target and outcome (ok, error, timeout).",
	}, []string{"target", "outcome"})
	metricTargetDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portal_gateway",
		Name:      "target_call_duration_seconds",
		Help:      "Wall time of a single target invocation including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"target"})
	metricTokenRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "target_token_retries_total",
		Help:      "Retries after a target rejected its access token.",
	}, []string{"target"})
)

func recordTargetOutcome(target, outcome string, elapsed time.Duration) {
	metricTargetOutcomes.WithLabelValues(target, outcome).Inc()
	metricTargetDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}
