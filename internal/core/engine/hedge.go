package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/endpoint"
)

// HedgeConfig tunes tail-latency hedging.
type HedgeConfig struct {
	// Delay before the first backup fires. Zero disables hedging.
	Delay time.Duration
	// MaxBackups caps how many backups a single call may launch.
	MaxBackups int
	// Methods lists the hedge-eligible methods. Eligibility still requires
	// the caller to mark the call latency sensitive.
	Methods []string
}

func (c HedgeConfig) withDefaults() HedgeConfig {
	if c.Delay <= 0 {
		c.Delay = 50 * time.Millisecond
	}
	if c.MaxBackups < 1 {
		c.MaxBackups = 1
	}
	return c
}

type hedgeOutcome struct {
	result core.Result
	ep     *endpoint.Endpoint
	err    error
}

// execOnFunc runs one attempt against a specific endpoint. Supplied by the
// orchestrator; it owns admission, release and bookkeeping for the attempt.
type execOnFunc func(ctx context.Context, ep *endpoint.Endpoint, method string, params json.RawMessage) (core.Result, error)

// Hedger launches a primary attempt and, after each delay, duplicate
// attempts on distinct backup endpoints. The first success wins and the
// remaining attempts are abandoned; they release their own admission slots
// when they finish. Caller-fault errors cancel hedging immediately since
// no endpoint can make an invalid request succeed.
type Hedger struct {
	cfg      HedgeConfig
	selector *Selector
	exec     execOnFunc
	log      *zap.Logger
}

// NewHedger creates a hedger drawing backups from sel.
func NewHedger(cfg HedgeConfig, sel *Selector, exec execOnFunc, log *zap.Logger) *Hedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hedger{cfg: cfg.withDefaults(), selector: sel, exec: exec, log: log}
}

// Do runs the hedged call. primary is already admitted by the caller.
func (h *Hedger) Do(ctx context.Context, primary *endpoint.Endpoint, method string, params json.RawMessage) (core.Result, error) {
	// Buffered so abandoned attempts never block on send.
	results := make(chan hedgeOutcome, 1+h.cfg.MaxBackups)

	go func() {
		res, err := h.exec(ctx, primary, method, params)
		results <- hedgeOutcome{result: res, ep: primary, err: err}
	}()

	launched := 1
	used := map[string]bool{primary.URL(): true}
	var lastErr error

	timer := time.NewTimer(h.cfg.Delay)
	defer timer.Stop()

	pending := 1
	for pending > 0 {
		select {
		case out := <-results:
			pending--
			if out.err == nil {
				if launched > 1 {
					h.log.Debug("hedged call resolved",
						zap.String("method", method),
						zap.String("winner", out.ep.URL()),
						zap.Int("attempts", launched))
				}
				return out.result, nil
			}
			lastErr = out.err
			var callErr *core.CallError
			if errors.As(out.err, &callErr) && callErr.Kind == core.KindInvalidRequest {
				// Fatal for every endpoint.
				return nil, out.err
			}
			// A failure frees the hedge budget early.
			if launched, pending = h.launchBackup(ctx, method, params, used, launched, pending, results); pending == 0 {
				return nil, lastErr
			}
		case <-timer.C:
			l, p := h.launchBackup(ctx, method, params, used, launched, pending, results)
			if l > launched {
				timer.Reset(h.cfg.Delay)
			}
			launched, pending = l, p
			// When no backup was available or allowed, wait out the
			// attempts already in flight.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// launchBackup starts one more attempt on a fresh endpoint when the budget
// allows and returns the updated launch and pending counts.
func (h *Hedger) launchBackup(ctx context.Context, method string, params json.RawMessage, used map[string]bool, launched, pending int, results chan hedgeOutcome) (int, int) {
	if launched > h.cfg.MaxBackups {
		return launched, pending
	}
	backup, ok := h.selector.SelectBackup(used)
	if !ok {
		return launched, pending
	}
	used[backup.URL()] = true
	go func() {
		res, err := h.exec(ctx, backup, method, params)
		results <- hedgeOutcome{result: res, ep: backup, err: err}
	}()
	return launched + 1, pending + 1
}
