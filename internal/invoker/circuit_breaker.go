package invoker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("invoker: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all calls through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls immediately.
	BreakerOpen
	// BreakerHalfOpen allows trial calls through.
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

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker. Zero values select defaults:
// 5 consecutive failures, 2 trial successes, 30s open timeout. A zero error
// rate threshold or window disables rate-based tripping.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	Timeout            time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
}

// CircuitBreaker stops calling an execution body whose infrastructure keeps
// failing. It trips on consecutive failures or on the error rate within a
// tumbling window. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings
	clock    clock.Clock

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(s BreakerSettings, clk clock.Clock) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &CircuitBreaker{
		settings:    s,
		clock:       clk,
		state:       BreakerClosed,
		windowStart: clk.Now(),
	}
}

// Allow returns nil if a call may proceed, or ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.advance() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.trip()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		cb.trip()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.advance()
}

// advance moves an expired open breaker to half-open. Must be called with
// the lock held.
func (cb *CircuitBreaker) advance() BreakerState {
	if cb.state == BreakerOpen && cb.clock.Now().Sub(cb.openedAt) > cb.settings.Timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.clock.Now()
	cb.successes = 0
	cb.resetWindow()
}

func (cb *CircuitBreaker) rateTracking() bool {
	return cb.settings.ErrorRateThreshold > 0 && cb.settings.ErrorRateWindow > 0
}

func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if !cb.rateTracking() {
		return
	}
	if cb.clock.Now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.clock.Now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if !cb.rateTracking() || cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.settings.ErrorRateThreshold
}

// guard wraps h with cb. Errors carrying an ErrorEnvelope are refusals by
// the body and do not count as failures.
func guard(h table.Handler, cb *CircuitBreaker) table.Handler {
	return func(ctx context.Context, inv table.Invocation) (table.Result, error) {
		if err := cb.Allow(); err != nil {
			return table.Result{}, model.NewStoreUnavailableError()
		}
		res, err := h(ctx, inv)
		if _, refused := model.AsEnvelope(err); err != nil && !refused {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		return res, err
	}
}
