package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "gateway",
		Name:      "rejected_messages_total",
		Help:      "Connections or messages refused by the gateway, by reason.",
	}, []string{"reason"})

	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status.",
	}, []string{"route", "status"})
)
