package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_cache_hits_total",
		Help:      "Token lookups served from the cache.",
	})
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_cache_misses_total",
		Help:      "Token lookups that joined or started an acquisition.",
	})
	metricAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_acquisitions_total",
		Help:      "Full credential acquisitions performed.",
	})
	metricRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_refreshes_total",
		Help:      "Credentials renewed through a refresh token.",
	})
	metricFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_acquisition_failures_total",
		Help:      "Credential acquisitions that failed.",
	})
	metricInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portal_gateway",
		Name:      "token_invalidations_total",
		Help:      "Cached tokens dropped after being rejected.",
	})
)
