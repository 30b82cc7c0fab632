package embed

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures before the circuit trips.
	Threshold  int           `yaml:"threshold" env:"EMBED_BREAKER_THRESHOLD" env-default:"3"`
	ResetAfter time.Duration `yaml:"reset_after" env:"EMBED_BREAKER_RESET" env-default:"30s"`
}

// DefaultBreakerConfig trips after 3 consecutive failures and probes again
// after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, ResetAfter: 30 * time.Second}
}

// Breaker stops calling a failing provider until ResetAfter has passed,
// then lets a single probe through.
type Breaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	return &Breaker{threshold: cfg.Threshold, resetAfter: cfg.ResetAfter, state: CircuitClosed, now: time.Now}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) > b.resetAfter {
			b.state = CircuitHalfOpen
			return nil
		}
		return fmt.Errorf("%w: circuit open after %d failures", ErrUnavailable, b.consecutiveFails)
	default:
		return fmt.Errorf("%w: circuit half-open, probe in flight", ErrUnavailable)
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = CircuitClosed
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed probe reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	b.lastFailure = b.now()
	if b.state == CircuitHalfOpen || b.consecutiveFails >= b.threshold {
		b.state = CircuitOpen
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
