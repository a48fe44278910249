package invoker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCircuitBreaker_startsClosed(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3}, testclock.NewClock(testEpoch))

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3}, testclock.NewClock(testEpoch))

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() error = %v, want ErrBreakerOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 3}, testclock.NewClock(testEpoch))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenCycle(t *testing.T) {
	tests := []struct {
		name  string
		trial func(cb *CircuitBreaker)
		want  BreakerState
	}{
		{
			name:  "trial successes close",
			trial: func(cb *CircuitBreaker) { cb.RecordSuccess(); cb.RecordSuccess() },
			want:  BreakerClosed,
		},
		{
			name:  "trial failure reopens",
			trial: func(cb *CircuitBreaker) { cb.RecordFailure() },
			want:  BreakerOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(testEpoch)
			cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute}, clk)

			cb.RecordFailure()
			clk.Advance(30 * time.Second)
			if s := cb.State(); s != BreakerOpen {
				t.Fatalf("state before timeout = %v, want open", s)
			}
			clk.Advance(31 * time.Second)
			if s := cb.State(); s != BreakerHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", s)
			}

			tt.trial(cb)
			if s := cb.State(); s != tt.want {
				t.Errorf("state = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_errorRate(t *testing.T) {
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}, testclock.NewClock(testEpoch))

	for range 5 {
		cb.RecordSuccess()
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% errors over 10 calls", s)
	}
}

func TestGuard(t *testing.T) {
	clk := testclock.NewClock(testEpoch)
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 2, Timeout: time.Minute}, clk)

	calls := 0
	var next error
	h := guard(func(context.Context, table.Invocation) (table.Result, error) {
		calls++
		return table.Result{}, next
	}, cb)

	next = model.NewConflictError("already archived")
	for range 3 {
		_, _ = h(context.Background(), table.Invocation{})
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("refusals tripped the breaker: state = %v", s)
	}

	next = errors.New("connection refused")
	_, _ = h(context.Background(), table.Invocation{})
	_, _ = h(context.Background(), table.Invocation{})

	before := calls
	_, err := h(context.Background(), table.Invocation{})
	if !model.IsCode(err, model.ErrStoreUnavailable) {
		t.Errorf("error = %v, want %s while open", err, model.ErrStoreUnavailable)
	}
	if calls != before {
		t.Errorf("body called while open")
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
