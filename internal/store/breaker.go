package store

import (
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker guarding the
// backing store.
type BreakerState int

const (
	// BreakerClosed means calls flow normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means calls are blocked until the open interval elapses.
	BreakerOpen
	// BreakerHalfOpen means a probe call is testing whether the store recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the failure and recovery thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes to close.
	SuccessThreshold int
	// OpenInterval is how long the circuit stays open before probing.
	OpenInterval time.Duration
}

// DefaultBreakerConfig returns thresholds suitable for a shared store.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenInterval:     30 * time.Second,
	}
}

// Breaker is a mutex-based circuit breaker state machine.
type Breaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.OpenInterval <= 0 {
		config.OpenInterval = DefaultBreakerConfig().OpenInterval
	}
	return &Breaker{config: config, state: BreakerClosed}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the open interval has elapsed. Half-open admits one probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.config.OpenInterval {
			b.transitionTo(BreakerHalfOpen)
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful call back into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure feeds a failed call back into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	}
}

func (b *Breaker) transitionTo(state BreakerState) {
	b.state = state
	b.failures = 0
	b.successes = 0
	b.probing = false
}
