package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/endpoint"
	"github.com/rpclens/rpclens/internal/core/transport"
	"github.com/rpclens/rpclens/internal/metrics"
)

// Config assembles the full engine.
type Config struct {
	Endpoints []endpoint.Config
	Pool      transport.PoolConfig
	Cache     CacheConfig
	Batch     BatchConfig
	Hedge     HedgeConfig
	Queue     QueueConfig

	// FailoverBudget bounds one logical call across all its attempts,
	// including queue wait and inter-attempt backoff.
	FailoverBudget time.Duration
	// MaxAttempts caps attempts per logical call within the budget.
	MaxAttempts int
	// LoadThreshold is the pool load ratio above which timeouts are
	// classified as load-induced rather than endpoint faults.
	LoadThreshold float64
	// CleanupInterval is how often idle connections are swept. Zero
	// disables the janitor.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailoverBudget <= 0 {
		c.FailoverBudget = 10 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.LoadThreshold <= 0 || c.LoadThreshold > 1 {
		c.LoadThreshold = DefaultLoadThreshold
	}
	return c
}

const latencyReservoirSize = 1024

// latencyReservoir keeps the most recent successful-call latencies for
// percentile reporting.
type latencyReservoir struct {
	mu      sync.Mutex
	samples [latencyReservoirSize]time.Duration
	n       int
	next    int
}

func (r *latencyReservoir) record(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyReservoirSize
	if r.n < latencyReservoirSize {
		r.n++
	}
	r.mu.Unlock()
}

// percentiles returns p50, p95 and p99 over the stored samples.
func (r *latencyReservoir) percentiles() (time.Duration, time.Duration, time.Duration) {
	r.mu.Lock()
	buf := make([]time.Duration, r.n)
	copy(buf, r.samples[:r.n])
	r.mu.Unlock()

	if len(buf) == 0 {
		return 0, 0, 0
	}
	sort.Slice(buf, func(a, b int) bool { return buf[a] < buf[b] })
	at := func(p float64) time.Duration {
		i := int(p * float64(len(buf)-1))
		return buf[i]
	}
	return at(0.50), at(0.95), at(0.99)
}

// Orchestrator is the single entry point for outbound calls. It composes
// endpoint selection, admission, caching, batching, hedging, retry with
// failover and queue backpressure behind one Call method.
type Orchestrator struct {
	cfg      Config
	log      *zap.Logger
	pool     *transport.Pool
	selector *Selector
	cache    *ResultCache
	batcher  *Batcher
	hedger   *Hedger
	queue    *requestQueue

	cacheable map[string]bool
	batchable map[string]bool
	hedgeable map[string]bool

	globalInFlight atomic.Int64
	totalCapacity  int64
	calls          atomic.Int64
	successes      atomic.Int64
	failures       atomic.Int64
	latencies      latencyReservoir
	avgLatencyNs   atomic.Int64

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// New builds the orchestrator from config. The endpoint registry is fixed
// for the orchestrator's lifetime.
func New(cfg Config, log *zap.Logger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	endpoints := make([]*endpoint.Endpoint, len(cfg.Endpoints))
	var capacity int64
	for i, ec := range cfg.Endpoints {
		endpoints[i] = endpoint.New(ec)
		capacity += int64(endpoints[i].MaxConcurrent())
	}

	o := &Orchestrator{
		cfg:           cfg,
		log:           log,
		pool:          transport.NewPool(cfg.Pool, log),
		selector:      NewSelector(endpoints),
		queue:         newRequestQueue(cfg.Queue.MaxSize),
		cacheable:     methodSet(cfg.Cache.Methods),
		batchable:     methodSet(cfg.Batch.Methods),
		hedgeable:     methodSet(cfg.Hedge.Methods),
		totalCapacity: capacity,
		stopJanitor:   make(chan struct{}),
		janitorDone:   make(chan struct{}),
	}
	ccfg := cfg.Cache.withDefaults()
	o.cache = NewResultCache(ccfg.MaxSize, ccfg.TTL)
	o.batcher = NewBatcher(cfg.Batch, o.dispatchBatch, log)
	o.hedger = NewHedger(cfg.Hedge, o.selector, o.execOn, log)

	if cfg.CleanupInterval > 0 {
		go o.janitor(cfg.CleanupInterval)
	} else {
		close(o.janitorDone)
	}
	return o, nil
}

func methodSet(methods []string) map[string]bool {
	s := make(map[string]bool, len(methods))
	for _, m := range methods {
		s[m] = true
	}
	return s
}

// Warmup pre-establishes a connection to every endpoint.
func (o *Orchestrator) Warmup(ctx context.Context) {
	urls := make([]string, 0, len(o.selector.Endpoints()))
	for _, e := range o.selector.Endpoints() {
		urls = append(urls, e.URL())
	}
	o.pool.Warmup(ctx, urls)
}

func (o *Orchestrator) janitor(interval time.Duration) {
	defer close(o.janitorDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			o.pool.CleanupIdle()
		case <-o.stopJanitor:
			return
		}
	}
}

// Close stops background work and releases pooled connections.
func (o *Orchestrator) Close() {
	close(o.stopJanitor)
	<-o.janitorDone
	o.pool.Close()
}

// loadRatio is global in-flight over total configured capacity.
func (o *Orchestrator) loadRatio() float64 {
	if o.totalCapacity == 0 {
		return 0
	}
	return float64(o.globalInFlight.Load()) / float64(o.totalCapacity)
}

// Call performs one logical JSON-RPC call with the full resilience stack.
func (o *Orchestrator) Call(ctx context.Context, method string, params json.RawMessage, opts core.CallOptions) (core.Result, error) {
	if method == "" {
		return nil, core.NewCallError(core.KindInvalidRequest, "", 0, errors.New("empty method"))
	}
	if len(params) > 0 && !json.Valid(params) {
		return nil, core.NewCallError(core.KindInvalidRequest, "", 0, errors.New("params are not valid JSON"))
	}

	budget := o.cfg.FailoverBudget
	if !opts.Deadline.IsZero() {
		if d := time.Until(opts.Deadline); d < budget {
			budget = d
		}
	}
	deadline := time.Now().Add(budget)

	if !opts.NoCache && o.cacheable[method] {
		if key := CacheKey(method, params); key != "" {
			res, hit, err := o.cache.Do(key, func() (core.Result, error) {
				return o.dispatch(ctx, method, params, opts, deadline)
			})
			if hit {
				metrics.RecordCacheHit(method)
			}
			return res, err
		}
	}
	return o.dispatch(ctx, method, params, opts, deadline)
}

// dispatch routes one uncached call to the batch, hedge or direct path.
func (o *Orchestrator) dispatch(ctx context.Context, method string, params json.RawMessage, opts core.CallOptions, deadline time.Time) (core.Result, error) {
	if opts.LatencySensitive && (len(o.hedgeable) == 0 || o.hedgeable[method]) {
		return o.callHedged(ctx, method, params, deadline)
	}
	if o.batchable[method] {
		return o.batcher.Submit(ctx, method, params)
	}
	return o.callWithRetry(ctx, method, params, deadline)
}

// callWithRetry runs attempts with failover until success, a non-retryable
// failure, the attempt cap or the budget deadline.
func (o *Orchestrator) callWithRetry(ctx context.Context, method string, params json.RawMessage, deadline time.Time) (core.Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.Reset()

	tried := make(map[string]bool)
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		var ep *endpoint.Endpoint
		var err error
		if attempt == 1 {
			ep, err = o.admitPrimary(ctx, deadline)
		} else {
			var ok bool
			ep, ok = o.selector.SelectBackup(tried)
			if !ok {
				// All distinct endpoints exhausted; fall back to any.
				ep, err = o.admitPrimary(ctx, deadline)
			}
		}
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[ep.URL()] = true
		attempts++

		res, execErr := o.execOn(ctx, ep, method, params)
		if execErr == nil {
			return res, nil
		}
		lastErr = execErr

		var callErr *core.CallError
		if errors.As(execErr, &callErr) && !callErr.Kind.Retryable() {
			return nil, execErr
		}

		if attempt < o.cfg.MaxAttempts {
			wait := bo.NextBackOff()
			if time.Now().Add(wait).After(deadline) {
				break
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if lastErr != nil {
		var callErr *core.CallError
		if errors.As(lastErr, &callErr) {
			if time.Now().After(deadline) {
				return nil, core.NewCallError(core.KindTimeoutExceeded, callErr.Endpoint, attempts,
					fmt.Errorf("failover budget exhausted: %w", callErr.Err))
			}
			return nil, core.NewCallError(callErr.Kind, callErr.Endpoint, attempts, callErr.Err)
		}
		return nil, lastErr
	}
	return nil, core.NewCallError(core.KindTimeoutExceeded, "", 0, errors.New("failover budget exhausted before any attempt"))
}

// callHedged runs the hedged path. The primary is admitted here so a
// saturated pool still gets queue backpressure before hedging starts.
func (o *Orchestrator) callHedged(ctx context.Context, method string, params json.RawMessage, deadline time.Time) (core.Result, error) {
	primary, err := o.admitPrimary(ctx, deadline)
	if err != nil {
		return nil, err
	}
	return o.hedger.Do(ctx, primary, method, params)
}

// admitPrimary picks and admits an endpoint, queueing when the pool is
// saturated. Returns a typed error when the queue is full, the wait times
// out or the context ends.
func (o *Orchestrator) admitPrimary(ctx context.Context, deadline time.Time) (*endpoint.Endpoint, error) {
	if ep, ok := o.selector.Select(); ok {
		return ep, nil
	}

	if o.selector.SelectableCount() == 0 {
		return nil, core.NewCallError(core.KindNoHealthyEndpoints, "", 0,
			errors.New("all endpoints are open or backing off"))
	}

	qdl := deadline
	if o.cfg.Queue.RequestDeadline > 0 {
		if d := time.Now().Add(o.cfg.Queue.RequestDeadline); d.Before(qdl) {
			qdl = d
		}
	}

	for {
		w := o.queue.push(qdl)
		if w == nil {
			return nil, core.NewCallError(core.KindNoHealthyEndpoints, "", 0,
				errors.New("request queue is full"))
		}

		timer := time.NewTimer(time.Until(qdl))
		select {
		case <-w.ready:
			timer.Stop()
			if ep, ok := o.selector.Select(); ok {
				return ep, nil
			}
			// Lost the race for the freed slot; requeue until the
			// deadline says otherwise.
			if time.Now().After(qdl) {
				return nil, core.NewCallError(core.KindQueueTimeout, "", 0,
					errors.New("timed out waiting for pool capacity"))
			}
		case <-timer.C:
			if !o.queue.remove(w) {
				// A wakeup targeted this waiter after the timer fired;
				// hand it to the next one so it is not lost.
				o.queue.wakeNext(time.Now())
			}
			return nil, core.NewCallError(core.KindQueueTimeout, "", 0,
				errors.New("timed out waiting for pool capacity"))
		case <-ctx.Done():
			timer.Stop()
			if !o.queue.remove(w) {
				o.queue.wakeNext(time.Now())
			}
			return nil, ctx.Err()
		}
	}
}

// execOn runs one admitted attempt: wire call, classification, endpoint
// bookkeeping, release and queue wakeup. ep must already be admitted.
func (o *Orchestrator) execOn(ctx context.Context, ep *endpoint.Endpoint, method string, params json.RawMessage) (core.Result, error) {
	o.calls.Add(1)
	o.globalInFlight.Add(1)
	start := time.Now()

	res, err := o.pool.Execute(ctx, ep.URL(), method, params)
	latency := time.Since(start)

	// Classification must see the load this request contributed to, so
	// sample the ratio before the decrement.
	load := o.loadRatio()
	o.globalInFlight.Add(-1)
	defer func() {
		ep.Release()
		o.queue.wakeNext(time.Now())
	}()

	if err == nil {
		ep.RecordSuccess(latency)
		o.successes.Add(1)
		o.latencies.record(latency)
		o.recordAvgLatency(latency)
		return res, nil
	}

	kind, weight := Classify(err, load, o.cfg.LoadThreshold)
	o.failures.Add(1)

	switch kind {
	case core.KindRateLimit:
		var httpErr *transport.HTTPError
		var retryIn time.Duration
		if errors.As(err, &httpErr) {
			retryIn = httpErr.RetryAfter
		}
		ep.RecordRateLimit(retryIn)
	case core.KindInvalidRequest:
		// Caller fault says nothing about endpoint health.
	default:
		if ep.RecordFailure(weight) {
			metrics.RecordBreakerOpen(ep.URL())
			o.log.Warn("circuit opened",
				zap.String("endpoint", ep.URL()),
				zap.String("kind", string(kind)))
		}
	}

	o.log.Debug("call attempt failed",
		zap.String("method", method),
		zap.String("endpoint", ep.URL()),
		zap.String("kind", string(kind)),
		zap.Float64("weight", weight),
		zap.Error(err))

	return nil, core.NewCallError(kind, ep.URL(), 1, err)
}

// recordAvgLatency keeps an EWMA of global latency for the stats surface.
func (o *Orchestrator) recordAvgLatency(d time.Duration) {
	for {
		old := o.avgLatencyNs.Load()
		var next int64
		if old == 0 {
			next = int64(d)
		} else {
			next = int64(float64(old)*0.8 + float64(d)*0.2)
		}
		if o.avgLatencyNs.CompareAndSwap(old, next) {
			return
		}
	}
}

// dispatchBatch sends one batch window over the wire. The endpoint is
// admitted once for the whole window.
func (o *Orchestrator) dispatchBatch(calls []transport.Call) ([]transport.CallResult, error) {
	ctx := context.Background()
	deadline := time.Now().Add(o.cfg.FailoverBudget)

	ep, err := o.admitPrimary(ctx, deadline)
	if err != nil {
		return nil, err
	}

	o.calls.Add(1)
	o.globalInFlight.Add(1)
	start := time.Now()

	results, execErr := o.pool.ExecuteBatch(ctx, ep.URL(), calls)
	latency := time.Since(start)

	load := o.loadRatio()
	o.globalInFlight.Add(-1)
	ep.Release()
	o.queue.wakeNext(time.Now())

	if execErr != nil {
		kind, weight := Classify(execErr, load, o.cfg.LoadThreshold)
		o.failures.Add(1)
		if kind == core.KindRateLimit {
			var httpErr *transport.HTTPError
			var retryIn time.Duration
			if errors.As(execErr, &httpErr) {
				retryIn = httpErr.RetryAfter
			}
			ep.RecordRateLimit(retryIn)
		} else if ep.RecordFailure(weight) {
			metrics.RecordBreakerOpen(ep.URL())
		}
		return nil, core.NewCallError(kind, ep.URL(), 1, execErr)
	}

	ep.RecordSuccess(latency)
	o.successes.Add(1)
	o.latencies.record(latency)
	o.recordAvgLatency(latency)
	return results, nil
}

// Stats returns a read-only snapshot of the whole pool.
func (o *Orchestrator) Stats() core.Stats {
	endpoints := o.selector.Endpoints()
	snaps := make([]core.EndpointStats, len(endpoints))
	for i, e := range endpoints {
		snaps[i] = e.Snapshot()
	}

	calls := o.calls.Load()
	successes := o.successes.Load()
	var rate float64
	if calls > 0 {
		rate = float64(successes) / float64(calls)
	}
	p50, p95, p99 := o.latencies.percentiles()

	return core.Stats{
		Global: core.GlobalStats{
			Calls:       calls,
			Successes:   successes,
			Failures:    o.failures.Load(),
			SuccessRate: rate,
			InFlight:    o.globalInFlight.Load(),
			QueueDepth:  o.queue.depth(),
			AvgLatency:  time.Duration(o.avgLatencyNs.Load()),
			P50Latency:  p50,
			P95Latency:  p95,
			P99Latency:  p99,
		},
		Endpoints: snaps,
	}
}

// PoolMetrics returns connection-level counters.
func (o *Orchestrator) PoolMetrics() core.PoolMetrics {
	return o.pool.Metrics()
}

// QueueDepth reports the current backpressure queue depth.
func (o *Orchestrator) QueueDepth() int { return o.queue.depth() }

// Endpoints exposes the registry for health reporting.
func (o *Orchestrator) Endpoints() []*endpoint.Endpoint { return o.selector.Endpoints() }
