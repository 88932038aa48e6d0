package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rpclens/rpclens/internal/core"
)

// RPCEngine is the orchestrator surface the HTTP handlers need.
type RPCEngine interface {
	Call(ctx context.Context, method string, params json.RawMessage, opts core.CallOptions) (core.Result, error)
	Stats() core.Stats
	PoolMetrics() core.PoolMetrics
}

// StatsHandler serves the pool-wide observability snapshot.
type StatsHandler struct {
	engine RPCEngine
}

// NewStatsHandler creates the stats handler over the given engine.
func NewStatsHandler(engine RPCEngine) *StatsHandler {
	return &StatsHandler{engine: engine}
}

// Stats handles GET /stats with per-endpoint and global counters.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.engine.Stats())
}

// Pool handles GET /pool with connection-level counters.
func (h *StatsHandler) Pool(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.engine.PoolMetrics())
}
