package engine

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/transport"
)

func TestClassifyRateLimit(t *testing.T) {
	err := &transport.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}
	kind, weight := Classify(err, 0.5, DefaultLoadThreshold)
	require.Equal(t, core.KindRateLimit, kind)
	require.Zero(t, weight)
}

func TestClassifyServerError(t *testing.T) {
	kind, weight := Classify(&transport.HTTPError{StatusCode: 503}, 0, DefaultLoadThreshold)
	require.Equal(t, core.KindServerError, kind)
	require.Equal(t, 1.0, weight)

	kind, weight = Classify(&transport.RPCError{Code: -32603, Message: "internal error"}, 0, DefaultLoadThreshold)
	require.Equal(t, core.KindServerError, kind)
	require.Equal(t, 1.0, weight)
}

func TestClassifyCallerFault(t *testing.T) {
	for _, code := range []int{-32600, -32601, -32602} {
		kind, weight := Classify(&transport.RPCError{Code: code}, 0, DefaultLoadThreshold)
		require.Equal(t, core.KindInvalidRequest, kind, "code %d", code)
		require.Zero(t, weight)
	}
}

func TestClassifyTimeoutByLoad(t *testing.T) {
	cases := []struct {
		load   float64
		kind   core.ErrorKind
		weight float64
	}{
		{0.2, core.KindTimeoutLowLoad, 1.0},
		{0.79, core.KindTimeoutLowLoad, 1.0},
		{0.8, core.KindTimeoutUnderLoad, 1 - 0.8},
		{0.95, core.KindTimeoutUnderLoad, 1 - 0.9},
	}
	for _, tc := range cases {
		kind, weight := Classify(context.DeadlineExceeded, tc.load, DefaultLoadThreshold)
		require.Equal(t, tc.kind, kind, "load %v", tc.load)
		require.InDelta(t, tc.weight, weight, 1e-9, "load %v", tc.load)
	}
}

func TestClassifyWrappedTimeout(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", context.DeadlineExceeded)
	kind, _ := Classify(err, 0.9, DefaultLoadThreshold)
	require.Equal(t, core.KindTimeoutUnderLoad, kind)
}

func TestClassifyNetwork(t *testing.T) {
	kind, weight := Classify(fmt.Errorf("post: %w", syscall.ECONNREFUSED), 0, DefaultLoadThreshold)
	require.Equal(t, core.KindNetwork, kind)
	require.Equal(t, 1.0, weight)
}

func TestClassifyUnknown(t *testing.T) {
	kind, weight := Classify(errors.New("something odd"), 0, DefaultLoadThreshold)
	require.Equal(t, core.KindUnknown, kind)
	require.Equal(t, 1.0, weight)
}
