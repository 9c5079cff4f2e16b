package service

import (
	"sync"
	"time"

	"github.com/trovamarket/settlement/internal/core/domain"
	"github.com/trovamarket/settlement/internal/metrics"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

type BreakerConfig struct {
	// FailureThreshold consecutive-without-success failures while CLOSED
	// trip the breaker.
	FailureThreshold int
	// SuccessThreshold successes while HALF_OPEN close it again.
	SuccessThreshold int
	// OpenTimeout is how long OPEN rejects calls before probing.
	OpenTimeout time.Duration
}

// CircuitBreaker is a mutex-guarded three-state machine shared by every
// concurrent call through one PaymentService. The failure counter has no
// time-based decay: only a success while CLOSED resets it.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
	b.publishState(BreakerClosed)
	return b
}

// Allow decides whether a call may proceed. While OPEN it rejects with a
// CircuitOpen error until OpenTimeout has elapsed since the last failure,
// at which point the breaker moves to HALF_OPEN and lets the call through.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.cfg.OpenTimeout {
		return domain.E(domain.KindCircuitOpen, "circuit breaker "+b.name+" is open")
	}
	b.transition(BreakerHalfOpen)
	return nil
}

// RecordSuccess feeds a successful call back into the state machine.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.transition(BreakerClosed)
		}
	}
}

// RecordFailure feeds a failed call back into the state machine.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.successCount = 0
		b.transition(BreakerOpen)
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the failure and success counters, for monitoring.
func (b *CircuitBreaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// transition must be called with b.mu held.
func (b *CircuitBreaker) transition(to BreakerState) {
	b.state = to
	b.publishState(to)
}

func (b *CircuitBreaker) publishState(s BreakerState) {
	var v float64
	switch s {
	case BreakerOpen:
		v = 1
	case BreakerHalfOpen:
		v = 2
	}
	metrics.CircuitState.WithLabelValues(b.name).Set(v)
}
