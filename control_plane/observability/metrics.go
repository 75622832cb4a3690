package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HeartbeatsTotal tracks status syncs by outcome.
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_heartbeats_total",
		Help: "Total number of client status syncs",
	}, []string{"result"}) // ok, not_found, unauthorized, error

	// SessionsCreated tracks run sessions seen for the first time.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settingsforge_sessions_created_total",
		Help: "Total number of run sessions started",
	})

	// SessionsExpired tracks run sessions pruned after missing their poll window.
	SessionsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_sessions_expired_total",
		Help: "Total number of run sessions removed as expired",
	}, []string{"trigger"}) // heartbeat, sweep, disconnect, delete

	// LiveSessions tracks the number of live run sessions seen by the last sweep or listing.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settingsforge_live_sessions",
		Help: "Current number of live run sessions",
	})

	// MemoryLeaksDetected tracks sessions flagged by the memory analyzer.
	MemoryLeaksDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settingsforge_memory_leaks_detected_total",
		Help: "Run sessions flagged with a suspected memory leak",
	})

	// WebHookDispatches tracks outbound webhook calls.
	WebHookDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_webhook_dispatch_total",
		Help: "Outbound webhook calls by type and result",
	}, []string{"type", "result"}) // result: ok, failed, circuit_open

	// WebHookDispatchDuration tracks outbound webhook latency.
	WebHookDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settingsforge_webhook_dispatch_duration_seconds",
		Help:    "Outbound webhook call latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"type"})

	// DecryptFailures tracks secret values that could not be decrypted.
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settingsforge_decrypt_failures_total",
		Help: "Secret values that failed to decrypt during import",
	})

	// ImportsTotal tracks data imports by kind and result.
	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_imports_total",
		Help: "Data imports by kind and result",
	}, []string{"kind", "result"}) // kind: full, value_only, deferred

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settingsforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settingsforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// SweepDuration tracks the background session sweep.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settingsforge_session_sweep_duration_seconds",
		Help:    "Duration of a background expired-session sweep",
		Buckets: prometheus.DefBuckets,
	})

	// ConnectedDashboards tracks websocket status stream subscribers.
	ConnectedDashboards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settingsforge_status_stream_clients",
		Help: "Current number of websocket status stream subscribers",
	})
)
