package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "engine_launches_total",
		Help:      "Number of browser engine launches.",
	})
	metricLaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "engine_launch_failures_total",
		Help:      "Number of browser engine launches that failed.",
	})
	metricRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "engine_restarts_total",
		Help:      "Number of times a dead engine was retired for relaunch.",
	})
	metricContexts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "automation_contexts_total",
		Help:      "Automation contexts created on the shared engine.",
	})
	metricRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portal_gateway",
		Name:      "engine_running",
		Help:      "1 when the shared browser engine is up.",
	})
)
