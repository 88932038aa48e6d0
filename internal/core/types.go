package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorKind classifies a call failure. Classification happens once, at the
// point closest to the failure, and flows unchanged to breaker scoring,
// retry decisions and the error returned to the caller.
type ErrorKind string

const (
	// Transient-recoverable: retried, light or no breaker penalty.
	KindRateLimit        ErrorKind = "rate_limit"
	KindTimeoutUnderLoad ErrorKind = "timeout_under_load"

	// Endpoint-fault: full-weight breaker penalty, may open the circuit.
	KindTimeoutLowLoad ErrorKind = "timeout_under_low_load"
	KindNetwork        ErrorKind = "network"
	KindServerError    ErrorKind = "server_error"
	KindUnknown        ErrorKind = "unknown"

	// Caller-fault: surfaced immediately, never retried.
	KindInvalidRequest ErrorKind = "invalid_request"

	// Saturation: explicit backpressure signal to the caller.
	KindQueueTimeout       ErrorKind = "queue_timeout"
	KindNoHealthyEndpoints ErrorKind = "no_healthy_endpoints"

	// Budget exhaustion: the failover budget ran out across attempts.
	KindTimeoutExceeded ErrorKind = "timeout_exceeded"
)

// Retryable reports whether a failure of this kind may be retried on the
// same or a backup endpoint.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInvalidRequest, KindQueueTimeout, KindNoHealthyEndpoints, KindTimeoutExceeded:
		return false
	default:
		return true
	}
}

// CallError is the typed error surfaced by Call. Endpoint is empty when the
// failure happened before any endpoint was involved (queue timeout, no
// healthy endpoints, caller faults).
type CallError struct {
	Kind     ErrorKind
	Endpoint string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("rpc call failed: kind=%s endpoint=%s attempts=%d: %v", e.Kind, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rpc call failed: kind=%s attempts=%d: %v", e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError wraps err with its classification and attempt context.
func NewCallError(kind ErrorKind, endpoint string, attempts int, err error) *CallError {
	return &CallError{Kind: kind, Endpoint: endpoint, Attempts: attempts, Err: err}
}

// CallOptions carries per-call overrides for the orchestrator.
type CallOptions struct {
	// LatencySensitive enables hedged execution for this call even when the
	// method is not in the configured hedge list.
	LatencySensitive bool

	// NoCache bypasses the result cache and coalescing for this call.
	NoCache bool

	// Deadline bounds this call including queue time. Zero means the
	// configured failover budget applies alone.
	Deadline time.Time
}

// Result is a raw JSON-RPC result payload.
type Result = json.RawMessage

// EndpointStats is a read-only snapshot of one endpoint's counters.
type EndpointStats struct {
	URL           string        `json:"url"`
	Weight        int           `json:"weight"`
	Healthy       bool          `json:"healthy"`
	BreakerState  string        `json:"breaker_state"`
	InFlight      int64         `json:"in_flight"`
	Calls         int64         `json:"calls"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	SuccessRate   float64       `json:"success_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	LastLatency   time.Duration `json:"last_latency"`
	LastCheckedAt time.Time     `json:"last_checked_at"`
	Tokens        float64       `json:"tokens"`
	InBackoff     bool          `json:"in_backoff"`
}

// GlobalStats aggregates pool-wide counters.
type GlobalStats struct {
	Calls       int64         `json:"calls"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	InFlight    int64         `json:"in_flight"`
	QueueDepth  int           `json:"queue_depth"`
	AvgLatency  time.Duration `json:"avg_latency"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	P99Latency  time.Duration `json:"p99_latency"`
}

// Stats is the full observability snapshot returned by the orchestrator.
type Stats struct {
	Global    GlobalStats     `json:"global"`
	Endpoints []EndpointStats `json:"endpoints"`
}

// PoolMetrics reports connection-level counters for all endpoints.
type PoolMetrics struct {
	ConnectionsCreated int64   `json:"connections_created"`
	ConnectionsReused  int64   `json:"connections_reused"`
	ReusePercentage    float64 `json:"reuse_percentage"`
	ActiveLeases       int64   `json:"active_leases"`
	SocketLeaks        int64   `json:"socket_leaks"`
	CleanedUp          int64   `json:"cleaned_up"`
}
