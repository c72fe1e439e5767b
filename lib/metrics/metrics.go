// Package metrics declares the Prometheus collectors exported by ledgerfeed. They are served by promhttp when the
// service is started with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream connection
var (
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerfeed_connection_state",
		Help: "Upstream connection state (1 for the current state, 0 otherwise)",
	}, []string{"state"})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerfeed_reconnect_attempts_total",
		Help: "Total number of scheduled upstream reconnect attempts",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_upstream_requests_total",
		Help: "Total number of requests sent upstream by command",
	}, []string{"command"})

	UpstreamSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerfeed_upstream_subscriptions",
		Help: "Number of keys with a positive reference count",
	})
)

// Event pipeline
var (
	EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_events_normalized_total",
		Help: "Total number of normalized events by kind",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_events_dropped_total",
		Help: "Total number of upstream messages or deliveries dropped by reason",
	}, []string{"reason"})

	CurrentLedger = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerfeed_current_ledger",
		Help: "Index of the last closed ledger seen",
	})
)

// Gateway
var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgerfeed_sessions",
		Help: "Number of connected client sessions",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_deliveries_total",
		Help: "Total number of frames queued to client sessions by type",
	}, []string{"type"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_rate_limited_total",
		Help: "Total number of requests denied by the rate limiter by surface",
	}, []string{"surface"})
)

// Backends
var (
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_cache_requests_total",
		Help: "Total number of cache lookups by result",
	}, []string{"result"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerfeed_backend_errors_total",
		Help: "Total number of cache, rate limiter and bus backend errors",
	}, []string{"backend"})
)
