package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready verifies. TablesRegistered is always
// checked and must report at least one table; nil checkers are skipped.
type ReadinessChecks struct {
	TablesRegistered func() int
	Store            HealthChecker
	IdempotencyStore HealthChecker

	// Timeout bounds each check. Zero means two seconds.
	Timeout time.Duration
}

var errNoTables = errors.New("no tables registered")

func (c ReadinessChecks) checkers() map[string]HealthChecker {
	checkers := map[string]HealthChecker{
		"tables": HealthCheckFunc(func(context.Context) error {
			if c.TablesRegistered == nil || c.TablesRegistered() < 1 {
				return errNoTables
			}
			return nil
		}),
	}
	if c.Store != nil {
		checkers["store"] = c.Store
	}
	if c.IdempotencyStore != nil {
		checkers["idempotency_store"] = c.IdempotencyStore
	}
	return checkers
}

// HandleHealth serves the liveness endpoint. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint, running every checker
// concurrently and answering 503 when any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	timeout := checks.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := checks.checkers()
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(checkers))}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, checker := range checkers {
			wg.Go(func() {
				result := runCheck(r.Context(), checker, timeout)
				mu.Lock()
				resp.Checks[name] = result
				mu.Unlock()
			})
		}
		wg.Wait()

		status := http.StatusOK
		for _, result := range resp.Checks {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
