package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently open.",
	})

	metricSessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Sessions closed, by reason.",
	}, []string{"reason"})

	metricSessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "rejected_total",
		Help:      "Connections refused before a session became active.",
	}, []string{"reason"})

	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "commands_total",
		Help:      "Commands executed, by operation and outcome.",
	}, []string{"op", "outcome"})

	metricCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "command_duration_seconds",
		Help:      "Command execution time including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"op"})

	metricReinits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "session",
		Name:      "context_reinits_total",
		Help:      "Automation contexts rebuilt after a crash.",
	})
)
