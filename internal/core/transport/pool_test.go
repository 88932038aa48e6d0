package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rpcHandler(t *testing.T, handle func(req rpcRequest) (any, *RPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var batch []rpcRequest
		dec := json.NewDecoder(r.Body)
		var single rpcRequest
		if err := dec.Decode(&single); err == nil && single.Method != "" {
			batch = []rpcRequest{single}
		} else {
			// Not a single request; the body was a batch but the first
			// decode consumed it, so tests that need batches use
			// batchHandler instead.
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := buildResponse(batch[0], handle)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func batchHandler(t *testing.T, handle func(req rpcRequest) (any, *RPCError)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var batch []rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))

		resps := make([]rpcResponse, 0, len(batch))
		for _, req := range batch {
			resps = append(resps, buildResponse(req, handle))
		}
		// Shuffle-ish: reverse order to prove demux is by id, not position.
		for i, j := 0, len(resps)-1; i < j; i, j = i+1, j-1 {
			resps[i], resps[j] = resps[j], resps[i]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resps)
	}
}

func buildResponse(req rpcRequest, handle func(req rpcRequest) (any, *RPCError)) rpcResponse {
	result, rpcErr := handle(req)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, _ := json.Marshal(result)
	resp.Result = raw
	return resp
}

func TestPoolExecute(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req rpcRequest) (any, *RPCError) {
		require.Equal(t, "getSlot", req.Method)
		return 12345, nil
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	result, err := pool.Execute(context.Background(), srv.URL, "getSlot", nil)
	require.NoError(t, err)
	require.JSONEq(t, "12345", string(result))
}

func TestPoolExecuteRPCError(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req rpcRequest) (any, *RPCError) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "bad params"}
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	_, err := pool.Execute(context.Background(), srv.URL, "getSlot", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
	require.True(t, rpcErr.CallerFault())
}

func TestPoolExecuteHTTPErrorWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	_, err := pool.Execute(context.Background(), srv.URL, "getSlot", nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Equal(t, 7*time.Second, httpErr.RetryAfter)
}

func TestPoolExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer pool.Close()

	_, err := pool.Execute(context.Background(), srv.URL, "getSlot", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || isTimeout(err))
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	return errors.As(err, &te) && te.Timeout()
}

func TestPoolLeasesReleasedOnAllPaths(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`1`)})
		case 2:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{RequestTimeout: 20 * time.Millisecond}, zap.NewNop())
	defer pool.Close()

	// Success, server error, timeout: every path must give its lease back.
	_, _ = pool.Execute(context.Background(), srv.URL, "m", nil)
	_, _ = pool.Execute(context.Background(), srv.URL, "m", nil)
	_, _ = pool.Execute(context.Background(), srv.URL, "m", nil)

	m := pool.Metrics()
	require.Zero(t, m.ActiveLeases)
	require.Zero(t, m.SocketLeaks)
}

func TestPoolConnectionReuse(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req rpcRequest) (any, *RPCError) {
		return "ok", nil
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	for i := 0; i < 5; i++ {
		_, err := pool.Execute(context.Background(), srv.URL, "getHealth", nil)
		require.NoError(t, err)
	}

	m := pool.Metrics()
	require.Equal(t, int64(5), m.ConnectionsCreated+m.ConnectionsReused)
	require.Greater(t, m.ConnectionsReused, int64(0))
	require.Greater(t, pool.ReusePercentage(), float64(0))
}

func TestPoolExecuteBatchDemux(t *testing.T) {
	srv := httptest.NewServer(batchHandler(t, func(req rpcRequest) (any, *RPCError) {
		if req.Method == "bad" {
			return nil, &RPCError{Code: CodeInternalError, Message: "boom"}
		}
		var params []int
		_ = json.Unmarshal(req.Params, &params)
		return params[0] * 2, nil
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	calls := []Call{
		{Method: "double", Params: json.RawMessage(`[1]`)},
		{Method: "bad"},
		{Method: "double", Params: json.RawMessage(`[3]`)},
	}
	results, err := pool.ExecuteBatch(context.Background(), srv.URL, calls)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Results line up with submission order even though the server reversed
	// the wire order; the failed member does not fail its siblings.
	require.NoError(t, results[0].Err)
	require.JSONEq(t, "2", string(results[0].Result))
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	require.JSONEq(t, "6", string(results[2].Result))
}

func TestPoolCleanupSweep(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req rpcRequest) (any, *RPCError) {
		return "ok", nil
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	_, err := pool.Execute(context.Background(), srv.URL, "getHealth", nil)
	require.NoError(t, err)

	pool.CleanupIdle()
	m := pool.Metrics()
	require.Equal(t, int64(1), m.CleanedUp)
	require.Zero(t, m.SocketLeaks)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	d := retryAfter(resp)
	require.Greater(t, d, 25*time.Second)
	require.LessOrEqual(t, d, 30*time.Second)
}

func TestWarmupEstablishesConnections(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"ok"`)})
	}))
	defer srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	pool.Warmup(context.Background(), []string{srv.URL})
	require.Equal(t, 1, hits)
	require.Equal(t, int64(1), pool.Metrics().ConnectionsCreated)
}

func TestPoolExecuteServerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	pool := NewPool(PoolConfig{}, zap.NewNop())
	defer pool.Close()

	_, err := pool.Execute(context.Background(), url, "getSlot", nil)
	require.Error(t, err)
	require.Contains(t, fmt.Sprintf("%v", err), "connection refused")
}