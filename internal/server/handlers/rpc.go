package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/metrics"
)

// rpcRequestBody is the JSON-RPC 2.0 request accepted on POST /rpc.
type rpcRequestBody struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponseBody struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCHandler proxies JSON-RPC calls through the resilient engine.
type RPCHandler struct {
	engine RPCEngine
}

// NewRPCHandler creates the passthrough handler over the given engine.
func NewRPCHandler(engine RPCEngine) *RPCHandler {
	return &RPCHandler{engine: engine}
}

// Handle accepts one JSON-RPC 2.0 request and returns the JSON-RPC 2.0
// response. Per-call options come from headers: X-Latency-Sensitive
// enables hedging, X-No-Cache bypasses the result cache.
func (h *RPCHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, -32700, "parse error: "+err.Error())
		return
	}

	opts := core.CallOptions{
		LatencySensitive: r.Header.Get("X-Latency-Sensitive") == "true",
		NoCache:          r.Header.Get("X-No-Cache") == "true",
	}

	start := time.Now()
	result, err := h.engine.Call(r.Context(), req.Method, req.Params, opts)
	if err != nil {
		var callErr *core.CallError
		if errors.As(err, &callErr) {
			metrics.RecordCallError(callErr.Endpoint, string(callErr.Kind))
			writeRPCError(w, req.ID, rpcCodeForKind(callErr.Kind), callErr.Error())
			return
		}
		writeRPCError(w, req.ID, -32603, err.Error())
		return
	}

	metrics.RecordCall("", true, time.Since(start))
	writeRPCResponse(w, rpcResponseBody{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// rpcCodeForKind maps call failure kinds onto JSON-RPC error codes.
// Caller faults map to the standard invalid-request code, everything else
// uses the implementation-defined server error range.
func rpcCodeForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindInvalidRequest:
		return -32600
	case core.KindRateLimit:
		return -32005
	case core.KindQueueTimeout, core.KindNoHealthyEndpoints:
		return -32001
	case core.KindTimeoutExceeded, core.KindTimeoutUnderLoad, core.KindTimeoutLowLoad:
		return -32002
	default:
		return -32000
	}
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeRPCResponse(w, rpcResponseBody{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcErrorBody{Code: code, Message: message},
	})
}

func writeRPCResponse(w http.ResponseWriter, resp rpcResponseBody) {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
