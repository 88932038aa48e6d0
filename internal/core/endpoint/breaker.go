package endpoint

import (
	"math"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failing, requests rejected until cooldown
	StateHalfOpen              // probing, one request allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// FailureThreshold is the accumulated failure score that opens the circuit.
	FailureThreshold float64
	// BaseCooldown is the first open-state duration; it grows by
	// BackoffMultiplier^openCount on each re-open, capped at MaxCooldown.
	BaseCooldown      time.Duration
	BackoffMultiplier float64
	MaxCooldown       time.Duration
	// RequiredSuccesses is how many consecutive half-open probe successes
	// close the circuit.
	RequiredSuccesses int
	// HalfOpenMaxProbes bounds concurrent probes while half-open.
	HalfOpenMaxProbes int
}

// withDefaults fills zero fields with conservative defaults.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 5 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 2 * time.Minute
	}
	if c.RequiredSuccesses <= 0 {
		c.RequiredSuccesses = 3
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
	return c
}

// Breaker is the per-endpoint fault-isolation state machine. It is not
// safe for concurrent use on its own; the owning Endpoint serializes all
// access behind its mutex.
type Breaker struct {
	cfg BreakerConfig

	state                State
	failureScore         float64
	openedAt             time.Time
	cooldown             time.Duration
	openCount            int
	consecutiveSuccesses int
	probesInFlight       int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// State returns the current state without evaluating transitions.
func (b *Breaker) State() State { return b.state }

// FailureScore returns the accumulated weighted failure score.
func (b *Breaker) FailureScore() float64 { return b.failureScore }

// OpenCount returns how many times the circuit has opened.
func (b *Breaker) OpenCount() int { return b.openCount }

// Allow reports whether a request may proceed at time now. The Open to
// HalfOpen transition is evaluated lazily here, at selection time: once the
// cooldown has elapsed the failure score is halved and exactly
// HalfOpenMaxProbes probes are admitted at a time.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.failureScore /= 2
		b.consecutiveSuccesses = 0
		b.probesInFlight = 1
		return true
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		b.probesInFlight++
		return true
	default:
		return false
	}
}

// cancelProbe undoes a half-open probe admission whose request never
// dispatched (e.g. the token bucket refused right after Allow).
func (b *Breaker) cancelProbe() {
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// RecordSuccess registers a successful call at time now.
func (b *Breaker) RecordSuccess(now time.Time) {
	switch b.state {
	case StateClosed:
		// Successes slowly work off old failures so a stale score does not
		// trip the breaker long after the incident.
		if b.failureScore > 0 {
			b.failureScore = math.Max(0, b.failureScore-0.5)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.RequiredSuccesses {
			b.state = StateClosed
			b.failureScore = 0
			b.consecutiveSuccesses = 0
			// openCount is kept: it drives cooldown growth on a future re-open.
		}
	}
}

// RecordFailure registers a failure with the given classification weight at
// time now. A zero weight (rate limiting) never moves the breaker.
func (b *Breaker) RecordFailure(now time.Time, weight float64) {
	if weight <= 0 {
		return
	}
	switch b.state {
	case StateClosed:
		b.failureScore += weight
		if b.failureScore >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		// Any failure during probing re-opens immediately.
		b.open(now)
	case StateOpen:
		// Late results from before the circuit opened; nothing to do.
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.openCount++
	b.consecutiveSuccesses = 0
	b.probesInFlight = 0

	cooldown := float64(b.cfg.BaseCooldown) * math.Pow(b.cfg.BackoffMultiplier, float64(b.openCount-1))
	if cooldown > float64(b.cfg.MaxCooldown) {
		cooldown = float64(b.cfg.MaxCooldown)
	}
	b.cooldown = time.Duration(cooldown)
}

// Cooldown returns the current open-state duration.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }
