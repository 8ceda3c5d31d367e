// Package resilience guards the language-model backends with circuit
// breakers and ordered failover.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] puts one breaker in front of every backend of a group and
// tries them in order; [LLMFallback] exposes such a group as an
// [llm.Provider] so the narrator and the extraction oracle can fail over
// transparently.
//
// Cancellation by the caller is never counted against a backend: a client
// that hangs up mid-turn must not open the narrator's breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Success
	// closes the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with the documented defaults.
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
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. An error matching
// [context.Canceled] neither counts as a failure nor as a success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	var changes []stateChange

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, cb.setState(StateHalfOpen))
	}
	trial := cb.state == StateHalfOpen
	if trial {
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(changes)
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(changes)

	err := fn()

	cb.mu.Lock()
	var change *stateChange
	switch {
	case errors.Is(err, context.Canceled):
		if trial && cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
			// Give the trial slot back.
			cb.halfOpenCalls--
		}
	case err != nil:
		change = cb.recordFailure(trial)
	default:
		change = cb.recordSuccess(trial)
	}
	cb.mu.Unlock()
	if change != nil {
		cb.notify([]stateChange{*change})
	}
	return err
}

type stateChange struct{ from, to State }

// setState switches state and resets the per-state counters. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) setState(to State) stateChange {
	from := cb.state
	cb.state = to
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutiveFail = 0
	}
	return stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []stateChange) {
	for _, c := range changes {
		level := slog.LevelInfo
		if c.to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"name", cb.name, "from", c.from.String(), "to", c.to.String())
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, c.from, c.to)
		}
	}
}

// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(trial bool) *stateChange {
	if trial {
		if cb.state != StateHalfOpen {
			// A concurrent trial already decided.
			return nil
		}
		c := cb.setState(StateOpen)
		return &c
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		c := cb.setState(StateOpen)
		return &c
	}
	return nil
}

// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(trial bool) *stateChange {
	if !trial {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.halfOpenOK++
	if cb.halfOpenOK >= cb.halfOpenMax {
		c := cb.setState(StateClosed)
		return &c
	}
	return nil
}

// State returns the current [State]. An open breaker whose reset timeout
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
		cb.mu.Unlock()
		return
	}
	c := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify([]stateChange{c})
}
