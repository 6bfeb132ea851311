package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the relay. Registered once at import via promauto
// and exposed on /metrics by the main router.
var (
	// ActiveSessions tracks the number of sessions this process has
	// registered and not yet released.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of active relay sessions owned by this process",
		},
	)

	// AdmissionRejections counts clients turned away by the connection
	// admission check, labelled by rejection reason.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admission_rejections_total",
			Help: "Total stream requests rejected by admission control",
		},
		[]string{"reason"},
	)

	// UpstreamAttempts counts fetch attempts against origin servers,
	// labelled by outcome (success, failure).
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_attempts_total",
			Help: "Total upstream fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FailoverExhausted counts requests for which every configured origin
	// failed.
	FailoverExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_failover_exhausted_total",
			Help: "Total requests that exhausted all origin candidates",
		},
	)

	// BytesProxied counts payload bytes relayed to clients, labelled by
	// stream type.
	BytesProxied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bytes_proxied_total",
			Help: "Total bytes relayed to clients",
		},
		[]string{"type"},
	)

	// TranscodeSessions tracks currently running ffmpeg processes.
	TranscodeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_transcode_sessions",
			Help: "Number of running transcode processes",
		},
	)

	// TokenDecodeFailures counts segment tokens that failed authentication
	// or decoding.
	TokenDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_token_decode_failures_total",
			Help: "Total segment tokens rejected during decode",
		},
	)

	// BlockedLookups counts hostnames refused by the safe resolver.
	BlockedLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_blocked_lookups_total",
			Help: "Total hostname resolutions refused by the address policy",
		},
	)

	// AuthCacheHits and AuthCacheMisses track the credential cache.
	AuthCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_cache_hits_total",
			Help: "Total credential checks served from cache",
		},
	)
	AuthCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_cache_misses_total",
			Help: "Total credential checks that required a database lookup",
		},
	)
)
