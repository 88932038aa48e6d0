package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/config"
	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/endpoint"
	"github.com/rpclens/rpclens/internal/core/engine"
	"github.com/rpclens/rpclens/internal/core/transport"
	"github.com/rpclens/rpclens/internal/server"
	"github.com/rpclens/rpclens/internal/server/handlers"
)

// backend is a minimal scriptable JSON-RPC upstream.
type backend struct {
	srv   *httptest.Server
	calls atomic.Int64
	fail  atomic.Bool
}

func newBackend(t *testing.T, result string) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		if b.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// newStack wires a real engine over the given upstreams behind the full
// HTTP server, the same composition serve performs.
func newStack(t *testing.T, upstreams ...*backend) (*httptest.Server, *engine.Orchestrator) {
	t.Helper()

	eps := make([]endpoint.Config, len(upstreams))
	for i, b := range upstreams {
		eps[i] = endpoint.Config{
			URL:           b.srv.URL,
			Weight:        1,
			MaxConcurrent: 8,
			RateRefill:    1000,
			RateCapacity:  1000,
		}
	}
	orch, err := engine.New(engine.Config{
		Endpoints:      eps,
		Pool:           transport.PoolConfig{RequestTimeout: 2 * time.Second},
		FailoverBudget: 5 * time.Second,
		MaxAttempts:    3,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	health := handlers.NewHealthManager("test")
	health.RegisterChecker("pool", handlers.HealthCheckerFunc(func(ctx context.Context) error {
		return nil
	}))

	srv := server.New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, orch, health)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, orch
}

func postRPC(t *testing.T, baseURL, method, params string) rpcResponse {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q`, method)
	if params != "" {
		body += `,"params":` + params
	}
	body += `}`

	resp, err := http.Post(baseURL+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func TestRPCPassthrough(t *testing.T) {
	b := newBackend(t, `"0x10"`)
	ts, _ := newStack(t, b)

	resp := postRPC(t, ts.URL, "eth_blockNumber", "")
	require.Nil(t, resp.Error)
	require.JSONEq(t, `"0x10"`, string(resp.Result))
	require.Equal(t, int64(1), b.calls.Load())
}

func TestRPCFailover(t *testing.T) {
	bad := newBackend(t, `"unused"`)
	bad.fail.Store(true)
	good := newBackend(t, `"ok"`)
	ts, _ := newStack(t, bad, good)

	for i := 0; i < 4; i++ {
		resp := postRPC(t, ts.URL, "getHealth", "")
		require.Nil(t, resp.Error, "call %d should fail over to the healthy endpoint", i)
		require.JSONEq(t, `"ok"`, string(resp.Result))
	}
	require.Positive(t, good.calls.Load())
}

func TestStatsReflectTraffic(t *testing.T) {
	b := newBackend(t, `true`)
	ts, _ := newStack(t, b)

	for i := 0; i < 5; i++ {
		resp := postRPC(t, ts.URL, "ping", "")
		require.Nil(t, resp.Error)
	}

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats core.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, int64(5), stats.Global.Calls)
	require.Equal(t, int64(5), stats.Global.Successes)
	require.Len(t, stats.Endpoints, 1)
	require.Equal(t, b.srv.URL, stats.Endpoints[0].URL)
}

func TestHealthEndpoints(t *testing.T) {
	b := newBackend(t, `true`)
	ts, _ := newStack(t, b)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestInvalidMethodRejectedWithoutWireCall(t *testing.T) {
	b := newBackend(t, `true`)
	ts, _ := newStack(t, b)

	resp := postRPC(t, ts.URL, "", "")
	require.NotNil(t, resp.Error)
	require.Equal(t, -32600, resp.Error.Code)
	require.Equal(t, int64(0), b.calls.Load())
}
