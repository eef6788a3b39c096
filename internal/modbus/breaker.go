package modbus

import (
	"sync"
	"time"

	"modbus-middleware/internal/apperr"
)

// BreakerState is the circuit breaker state of one gateway.
type BreakerState int

const (
	// BreakerClosed allows requests through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows a single probe request.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the failure threshold and recovery timeout.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig matches the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

// Breaker tracks consecutive transport failures of one gateway. A failure is
// one fully exhausted manager call, not one attempt. After the threshold is
// reached the breaker opens; once the recovery timeout elapses a single probe
// is let through, closing the breaker on success and reopening it on failure.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker, filling in defaults for zero values.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns a KindCircuitOpen error carrying the remaining cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
		if remaining > 0 {
			err := apperr.Newf(apperr.KindCircuitOpen,
				"gateway circuit open after %d consecutive failures, retry in %.1fs",
				b.failures, remaining.Seconds())
			err.RetryAfter = remaining
			return err
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			err := apperr.New(apperr.KindCircuitOpen, "gateway circuit half-open, probe in flight")
			err.RetryAfter = time.Second
			return err
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess clears the consecutive failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts one exhausted call and opens the breaker when the
// threshold is reached or a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
