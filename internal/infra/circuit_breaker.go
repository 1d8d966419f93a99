package infra

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers that skip a request because the
// breaker is open.
var ErrCircuitOpen = errors.New("backend temporarily unavailable")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Timeout          time.Duration // Open duration before probing
}

// BreakerConfigFrom reads the backend breaker section of cfg.
func BreakerConfigFrom(name string, cfg *Config) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: cfg.Backend.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Backend.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Backend.Breaker.TimeoutSec) * time.Second,
	}
}

// CircuitBreaker fails fast while the backend is unreachable so the UI gets
// a connectivity error immediately instead of a stack of timeouts.
// Only transport failures and 5xx responses count as failures.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker. A non-positive failure
// threshold disables it.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil || cb.cfg.FailureThreshold <= 0 {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		slog.Info("Circuit breaker probing", slog.String("name", cb.cfg.Name))
	}
	return true
}

// RecordSuccess records a request that reached the backend.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			slog.Info("Circuit breaker closed", slog.String("name", cb.cfg.Name))
		}
	}
}

// RecordFailure records a request that did not reach a healthy backend.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || cb.cfg.FailureThreshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

// trip must be called with mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	slog.Warn("Circuit breaker open",
		slog.String("name", cb.cfg.Name),
		slog.Int("failures", cb.failures))
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}
