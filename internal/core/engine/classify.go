package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/transport"
)

// DefaultLoadThreshold is the global load ratio above which a timeout is
// attributed to systemic congestion rather than the endpoint.
const DefaultLoadThreshold = 0.8

// Classify maps a raw call error to its kind and breaker weight. It runs
// once, closest to the failure; the result flows unchanged to breaker
// scoring, the retry decision and the caller.
//
// Weights: rate_limit is 0 (only the bucket/backoff reacts), a timeout
// under high global load is discounted to 1-min(loadRatio, 0.9) since it
// likely reflects congestion rather than this endpoint's fault, and every
// other failure counts at full weight. Unknown errors default to a
// full-weight endpoint fault so nothing fails silently.
func Classify(err error, loadRatio, loadThreshold float64) (core.ErrorKind, float64) {
	if err == nil {
		return "", 0
	}
	if loadThreshold <= 0 {
		loadThreshold = DefaultLoadThreshold
	}

	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.CallerFault() {
			return core.KindInvalidRequest, 0
		}
		return core.KindServerError, 1
	}

	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return core.KindRateLimit, 0
		case httpErr.StatusCode >= 500:
			return core.KindServerError, 1
		default:
			return core.KindUnknown, 1
		}
	}

	if isTimeout(err) {
		if loadRatio >= loadThreshold {
			return core.KindTimeoutUnderLoad, timeoutWeight(loadRatio)
		}
		return core.KindTimeoutLowLoad, 1
	}

	if isNetworkError(err) {
		return core.KindNetwork, 1
	}

	return core.KindUnknown, 1
}

// timeoutWeight discounts a timeout by how loaded the pool is:
// weight = 1 - min(loadRatio, 0.9).
func timeoutWeight(loadRatio float64) float64 {
	if loadRatio > 0.9 {
		loadRatio = 0.9
	}
	return 1 - loadRatio
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// url.Error and friends stringify the underlying cause.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "no such host")
}
