package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/transport"
)

// BatchConfig tunes the batching window.
type BatchConfig struct {
	// Size flushes the window when this many members have accumulated.
	Size int
	// Window flushes whatever has accumulated this long after the first
	// member arrived, whichever trigger fires first.
	Window time.Duration
	// Methods lists the batchable methods; everything else bypasses the
	// batcher entirely.
	Methods []string
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.Size < 1 {
		c.Size = 10
	}
	if c.Window <= 0 {
		c.Window = 50 * time.Millisecond
	}
	return c
}

type batchOutcome struct {
	result core.Result
	err    error
}

type batchMember struct {
	call transport.Call
	done chan batchOutcome
}

// dispatchBatchFunc issues one wire call for the whole window and returns
// per-member results. Supplied by the orchestrator, which owns endpoint
// selection and execution.
type dispatchBatchFunc func(calls []transport.Call) ([]transport.CallResult, error)

// Batcher groups compatible calls into time/size windows so they share one
// wire call. Members keep their own completion channels; results are
// demultiplexed back by request identity, and a window-level transport
// failure fails every member independently (each caller may still retry
// its own call).
type Batcher struct {
	cfg      BatchConfig
	dispatch dispatchBatchFunc
	log      *zap.Logger

	mu      sync.Mutex
	pending []*batchMember
	timer   *time.Timer
}

// NewBatcher creates a batcher flushing through dispatch.
func NewBatcher(cfg BatchConfig, dispatch dispatchBatchFunc, log *zap.Logger) *Batcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{cfg: cfg.withDefaults(), dispatch: dispatch, log: log}
}

// Submit adds one call to the current window and waits for its own result.
func (b *Batcher) Submit(ctx context.Context, method string, params json.RawMessage) (core.Result, error) {
	m := &batchMember{
		call: transport.Call{Method: method, Params: params},
		done: make(chan batchOutcome, 1),
	}

	b.mu.Lock()
	b.pending = append(b.pending, m)
	switch {
	case len(b.pending) >= b.cfg.Size:
		// Size trigger: flush immediately.
		batch := b.takeLocked()
		b.mu.Unlock()
		go b.flush(batch)
	case len(b.pending) == 1:
		// First member opens the window.
		b.timer = time.AfterFunc(b.cfg.Window, b.flushWindow)
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}

	select {
	case out := <-m.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// takeLocked detaches the current window. Caller holds b.mu.
func (b *Batcher) takeLocked() []*batchMember {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) flushWindow() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

func (b *Batcher) flush(batch []*batchMember) {
	calls := make([]transport.Call, len(batch))
	for i, m := range batch {
		calls[i] = m.call
	}

	results, err := b.dispatch(calls)
	if err != nil {
		// Window-level failure: every member fails with the same error but
		// resolves independently.
		b.log.Debug("batch dispatch failed",
			zap.Int("members", len(batch)),
			zap.Error(err))
		for _, m := range batch {
			m.done <- batchOutcome{err: err}
		}
		return
	}

	for i, m := range batch {
		m.done <- batchOutcome{result: results[i].Result, err: results[i].Err}
	}
}

// PendingLen reports the current window size.
func (b *Batcher) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
