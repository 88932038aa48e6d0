package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// JSON-RPC 2.0 error codes relevant to classification.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var nextRequestID atomic.Uint64

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the upstream.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CallerFault reports whether the error indicates a bad request rather
// than an endpoint problem.
func (e *RPCError) CallerFault() bool {
	return e.Code == CodeInvalidRequest || e.Code == CodeMethodNotFound || e.Code == CodeInvalidParams
}

// HTTPError is a non-2xx HTTP response from the upstream. RetryAfter is
// populated from the Retry-After header on 429s when present.
type HTTPError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %s", e.Status)
}

// Call is one batchable JSON-RPC request.
type Call struct {
	Method string
	Params json.RawMessage

	id uint64
}

// CallResult pairs a batch member with its own outcome. Members succeed and
// fail independently.
type CallResult struct {
	Result json.RawMessage
	Err    error
}

func newRPCRequest(method string, params json.RawMessage) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      nextRequestID.Add(1),
		Method:  method,
		Params:  params,
	}
}

// retryAfter parses a Retry-After header, which is either delay seconds or
// an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(raw + "s"); err == nil {
		return seconds
	}
	if parsed, err := http.ParseTime(raw); err == nil {
		if d := time.Until(parsed); d > 0 {
			return d
		}
	}
	return 0
}

// drainAndClose empties a response body before closing it so the underlying
// connection can be reused instead of being torn down mid-stream.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func decodeSingle(body io.Reader) (json.RawMessage, error) {
	var resp rpcResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// decodeBatch demultiplexes a batch response back to its members by id.
// Order on the wire is not guaranteed to match submission order.
func decodeBatch(body io.Reader, calls []Call) ([]CallResult, error) {
	var resps []rpcResponse
	if err := json.NewDecoder(body).Decode(&resps); err != nil {
		return nil, fmt.Errorf("decode rpc batch response: %w", err)
	}

	byID := make(map[uint64]*rpcResponse, len(resps))
	for i := range resps {
		byID[resps[i].ID] = &resps[i]
	}

	results := make([]CallResult, len(calls))
	for i, call := range calls {
		resp, ok := byID[call.id]
		switch {
		case !ok:
			results[i] = CallResult{Err: fmt.Errorf("no response for request id %d", call.id)}
		case resp.Error != nil:
			results[i] = CallResult{Err: resp.Error}
		default:
			results[i] = CallResult{Result: resp.Result}
		}
	}
	return results, nil
}
