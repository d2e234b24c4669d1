// Package resilience keeps the conversation loop alive when a provider
// misbehaves. It contributes three building blocks: [CircuitBreaker], a
// three-state breaker that stops hammering a backend that keeps failing;
// [FallbackGroup], ordered failover across interchangeable providers with a
// breaker per entry; and [Retry], bounded retry with linear backoff for
// transient transcription errors.
//
// Everything here is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen rejects a call while the breaker is open and the cooldown
// has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures, left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to test
	// whether the backend has recovered.
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the open-state cooldown before probing resumes.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is how many successful probes close the breaker again,
	// and also the cap on probes in flight. Default 3.
	HalfOpenMax int
}

// CircuitBreaker tracks consecutive failures of one backend and fails fast
// while the backend is considered down.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	probes   int       // probe calls admitted this half-open round
	probeOK  int       // probe calls that succeeded this round
}

// NewCircuitBreaker builds a breaker from cfg, filling in defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: slog.Default().With("breaker", cfg.Name),
	}
}

// Execute runs fn unless the breaker is open, and feeds the outcome back
// into the failure accounting. While half-open, only HalfOpenMax probes are
// admitted per round.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.observe(probe, err)
	return err
}

// admit decides whether a call may proceed, reporting whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		cb.log.Info("circuit breaker half-open, probing")

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// observe records a call outcome.
func (cb *CircuitBreaker) observe(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && probe:
		// One bad probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.cfg.MaxFailures
		cb.log.Warn("circuit breaker re-opened, probe failed")

	case err != nil:
		cb.failures++
		cb.openedAt = time.Now()
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.log.Warn("circuit breaker opened",
				"consecutive_failures", cb.failures)
		}

	case probe:
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit breaker closed, backend recovered")
		}

	default:
		cb.failures = 0
	}
}

// State reports the current mode. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the real transition happens on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	cb.log.Info("circuit breaker reset")
}
