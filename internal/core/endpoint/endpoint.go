package endpoint

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rpclens/rpclens/internal/core"
)

// Config describes one upstream endpoint.
type Config struct {
	URL    string
	Weight int
	// MaxConcurrent caps in-flight requests on this endpoint; excess must
	// queue at the orchestrator, never dispatch.
	MaxConcurrent int
	// RateRefill is the token refill rate (tokens/second); RateCapacity is
	// the bucket size.
	RateRefill   float64
	RateCapacity int
	// DefaultBackoff is the rate-limit backoff window applied after a 429
	// that carries no Retry-After hint.
	DefaultBackoff time.Duration
	Breaker        BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Weight < 1 {
		c.Weight = 1
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 16
	}
	if c.RateCapacity < 1 {
		c.RateCapacity = 50
	}
	if c.RateRefill <= 0 {
		c.RateRefill = float64(c.RateCapacity)
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = 2 * time.Second
	}
	return c
}

// Endpoint is the cohesive per-endpoint entity: token bucket, circuit
// breaker, rate-limit backoff window, in-flight slots and health stats.
// All mutable state is touched only through its methods; everything except
// the bucket and the slot semaphore (which synchronize themselves) is
// guarded by one per-endpoint mutex.
type Endpoint struct {
	cfg Config

	bucket *TokenBucket
	slots  *semaphore.Weighted

	mu           sync.Mutex
	breaker      *Breaker
	backoffUntil time.Time
	inFlight     int64
	calls        int64
	successes    int64
	failures     int64
	avgLatency   time.Duration
	lastLatency  time.Duration
	lastChecked  time.Time
	healthy      bool

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// New creates an endpoint with a full bucket and a closed breaker.
func New(cfg Config) *Endpoint {
	cfg = cfg.withDefaults()
	return &Endpoint{
		cfg:     cfg,
		bucket:  NewTokenBucket(cfg.RateRefill, cfg.RateCapacity),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		breaker: NewBreaker(cfg.Breaker),
		healthy: true,
	}
}

func (e *Endpoint) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// URL returns the endpoint's URL.
func (e *Endpoint) URL() string { return e.cfg.URL }

// Weight returns the endpoint's selection weight.
func (e *Endpoint) Weight() int { return e.cfg.Weight }

// Selectable reports whether the endpoint could currently admit a request,
// without consuming anything. Used for health reporting and candidate
// filtering; actual admission goes through Admit.
func (e *Endpoint) Selectable() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.backoffUntil) {
		return false
	}
	if e.breaker.state == StateOpen && now.Sub(e.breaker.openedAt) < e.breaker.cooldown {
		return false
	}
	return e.bucket.CanConsume(1)
}

// Admit is the single atomic admission step: rate-limit backoff check, then
// an in-flight slot, then the breaker gate, then a token. Every resource
// acquired by an earlier step is released when a later step refuses, so a
// failed admission leaves the endpoint exactly as it found it.
func (e *Endpoint) Admit() bool {
	now := e.now()

	e.mu.Lock()
	if now.Before(e.backoffUntil) {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	if !e.slots.TryAcquire(1) {
		return false
	}

	e.mu.Lock()
	if !e.breaker.Allow(now) {
		e.mu.Unlock()
		e.slots.Release(1)
		return false
	}
	if !e.bucket.Consume(1) {
		e.breaker.cancelProbe()
		e.mu.Unlock()
		e.slots.Release(1)
		return false
	}
	e.inFlight++
	e.calls++
	e.mu.Unlock()
	return true
}

// Release returns the in-flight slot taken by Admit. It must run on every
// exit path, after RecordSuccess/RecordFailure/RecordRateLimit.
func (e *Endpoint) Release() {
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()
	e.slots.Release(1)
}

// RecordSuccess registers a completed call and its latency.
func (e *Endpoint) RecordSuccess(latency time.Duration) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.RecordSuccess(now)
	e.successes++
	e.lastLatency = latency
	if e.avgLatency == 0 {
		e.avgLatency = latency
	} else {
		// EWMA, 20% weight on the newest sample.
		e.avgLatency = time.Duration(float64(e.avgLatency)*0.8 + float64(latency)*0.2)
	}
	e.lastChecked = now
	e.healthy = true
}

// RecordFailure registers a classified failure. The weight comes from the
// classification: 0 for rate limiting, fractional for timeouts under high
// global load, 1.0 for endpoint faults. Reports whether this failure
// flipped the breaker open.
func (e *Endpoint) RecordFailure(weight float64) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	e.lastChecked = now
	wasOpen := e.breaker.State() == StateOpen
	e.breaker.RecordFailure(now, weight)
	opened := !wasOpen && e.breaker.State() == StateOpen
	if e.breaker.State() == StateOpen {
		e.healthy = false
	}
	return opened
}

// RecordRateLimit applies the independent rate-limit backoff window. It
// never touches the breaker: rate limiting alone cannot open a circuit.
func (e *Endpoint) RecordRateLimit(retryAfter time.Duration) {
	now := e.now()
	if retryAfter <= 0 {
		retryAfter = e.cfg.DefaultBackoff
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	e.lastChecked = now
	until := now.Add(retryAfter)
	if until.After(e.backoffUntil) {
		e.backoffUntil = until
	}
}

// InBackoff reports whether the rate-limit backoff window is active.
func (e *Endpoint) InBackoff() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.backoffUntil)
}

// BreakerState returns the breaker's current state.
func (e *Endpoint) BreakerState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.State()
}

// Healthy reports the endpoint's last observed health.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// AvgLatency returns the EWMA call latency.
func (e *Endpoint) AvgLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatency
}

// MaxConcurrent returns the endpoint's in-flight cap.
func (e *Endpoint) MaxConcurrent() int { return e.cfg.MaxConcurrent }

// Snapshot returns a read-only copy of the endpoint's counters.
func (e *Endpoint) Snapshot() core.EndpointStats {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var successRate float64
	if completed := e.successes + e.failures; completed > 0 {
		successRate = float64(e.successes) / float64(completed)
	}
	return core.EndpointStats{
		URL:           e.cfg.URL,
		Weight:        e.cfg.Weight,
		Healthy:       e.healthy,
		BreakerState:  e.breaker.State().String(),
		InFlight:      e.inFlight,
		Calls:         e.calls,
		Successes:     e.successes,
		Failures:      e.failures,
		SuccessRate:   successRate,
		AvgLatency:    e.avgLatency,
		LastLatency:   e.lastLatency,
		LastCheckedAt: e.lastChecked,
		Tokens:        e.bucket.Tokens(),
		InBackoff:     now.Before(e.backoffUntil),
	}
}
