package engine

import (
	"sync"
	"time"
)

// BreakerState represents circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker (default 5).
	FailureThreshold int
	// CoolDown is how long the breaker stays open before probing again
	// (default 30s).
	CoolDown time.Duration
	// HalfOpenProbes is how many successful probes close the breaker
	// again (default 2).
	HalfOpenProbes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
	return c
}

// Breaker short-circuits calls to a failing database so the gateway stops
// hammering a dependency that cannot currently serve. It is the only shared
// mutable state between concurrent invocations.
type Breaker struct {
	mu           sync.Mutex
	config       BreakerConfig
	state        BreakerState
	failures     int
	probes       int
	lastFailTime time.Time
	now          func() time.Time // injectable for tests
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	return &Breaker{config: config.withDefaults(), now: time.Now}
}

// Allow reports whether a request may proceed. In the open state it permits
// a probe once the cool-down window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailTime) > b.config.CoolDown {
			b.state = StateHalfOpen
			b.probes = 0
			return true
		}
		return false
	default: // StateHalfOpen
		return b.probes < b.config.HalfOpenProbes
	}
}

// RecordSuccess resets the failure streak; enough half-open probes close
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probes++
		if b.probes >= b.config.HalfOpenProbes {
			b.state = StateClosed
		}
	}
}

// RecordFailure counts a failure; hitting the threshold, or failing a
// half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailTime = b.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		return
	}
	if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
