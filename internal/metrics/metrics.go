// Package metrics declares the agent's Prometheus instrumentation, grounded
// on the teacher's pkg/metrics/metrics.go GaugeVec/CounterVec/Timer shape,
// renamed from cluster concerns (nodes, containers, Raft) to this agent's
// sync/cache/token/MQTT/control-server concerns. Registered on a
// package-level Registry rather than the global default. The instrumentation
// is always recorded; no component of the agent serves the registry over
// HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_sync_cycles_total", Help: "Total sync cycles by outcome."},
		[]string{"outcome"},
	)
	SyncDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "agent_sync_duration_seconds", Help: "Duration of sync cycles."},
	)
	SyncErrStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "agent_sync_err_streak", Help: "Consecutive failed sync cycles."},
	)

	CacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_cache_operations_total", Help: "Cache operations by backend and op."},
		[]string{"backend", "op"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_token_refreshes_total", Help: "Token refreshes by outcome."},
		[]string{"outcome"},
	)

	MQTTReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "agent_mqtt_reconnects_total", Help: "MQTT reconnect attempts."},
	)
	MQTTConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "agent_mqtt_connection_state", Help: "0=disconnected 1=connecting 2=connected 3=fatal."},
	)

	ControlServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_control_server_requests_total", Help: "Control server requests by route and status."},
		[]string{"route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		SyncCyclesTotal, SyncDurationSeconds, SyncErrStreak,
		CacheOperationsTotal, TokenRefreshesTotal,
		MQTTReconnectsTotal, MQTTConnectionState,
		ControlServerRequestsTotal,
	)
}

// Handler returns an http.Handler serving the registry. Nothing in the agent
// mounts it, and settings.enable_metrics is not read by any component.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Timer is a small helper for recording histogram observations, mirroring
// the teacher's pkg/metrics.Timer.
type Timer struct{ start time.Time }

func NewTimer() Timer { return Timer{start: time.Now()} }

func (t Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
