package metrics

import (
	"time"

	"github.com/rpclens/rpclens/internal/observability"
)

// Pool metric names following Prometheus conventions
var (
	// Call metrics
	CallsTotal       = "rpc_calls_total"
	CallErrorsTotal  = "rpc_call_errors_total"
	CallDuration     = "rpc_call_duration_ms"
	RetriesTotal     = "rpc_retries_total"
	CacheHitsTotal   = "rpc_cache_hits_total"
	BatchFlushTotal  = "rpc_batch_flushes_total"
	HedgeWinsTotal   = "rpc_hedge_wins_total"
	QueueDepthGauge  = "rpc_queue_depth"
	InFlightGauge    = "rpc_in_flight"
	BreakerOpenTotal = "rpc_breaker_open_total"

	// Connection metrics
	ConnectionsCreated = "rpc_connections_created_total"
	ConnectionsReused  = "rpc_connections_reused_total"
	SocketLeaks        = "rpc_socket_leaks_total"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordCall records one completed call with its outcome and latency.
func RecordCall(endpoint string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CallsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"status":   status,
			},
		)
		_ = observability.TelemetrySystem.Histogram(
			CallDuration,
			duration,
			map[string]string{
				"endpoint": endpoint,
			},
		)
	}
}

// RecordCallError records a failed call with its classified kind.
func RecordCallError(endpoint string, kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CallErrorsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"kind":     kind,
			},
		)
	}
}

// RecordBreakerOpen records a circuit breaker transition to open.
func RecordBreakerOpen(endpoint string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BreakerOpenTotal,
			1,
			map[string]string{"endpoint": endpoint},
		)
	}
}

// RecordCacheHit records a call resolved from the result cache or a
// coalesced in-flight request.
func RecordCacheHit(method string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheHitsTotal,
			1,
			map[string]string{"method": method},
		)
	}
}

// SetQueueDepth sets the current backpressure queue depth.
func SetQueueDepth(depth int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(QueueDepthGauge, float64(depth), nil)
	}
}

// SetInFlight sets the current pool-wide in-flight count.
func SetInFlight(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(InFlightGauge, float64(count), nil)
	}
}

// SetConnectionCounters publishes connection reuse and leak counters.
func SetConnectionCounters(created, reused, leaks int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ConnectionsCreated, float64(created), nil)
		_ = observability.TelemetrySystem.Gauge(ConnectionsReused, float64(reused), nil)
		_ = observability.TelemetrySystem.Gauge(SocketLeaks, float64(leaks), nil)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerUptime, float64(seconds), nil)
	}
}
