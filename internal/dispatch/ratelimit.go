package dispatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pitabwire/tabula/model"
)

// RateLimiter checks whether an invocation is within rate limits.
type RateLimiter interface {
	// Allow returns true if the request should proceed, false if rate-limited.
	Allow(ctx context.Context, actionID string, rctx *model.RequestContext) bool
}

// maxLimiters bounds the number of tracked subjects. When exceeded the set is
// reset, which at worst grants a fresh burst.
const maxLimiters = 10000

// SubjectRateLimiter is a token bucket per subject, shared by every action.
type SubjectRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewSubjectRateLimiter allows perSecond invocations per subject with the
// given burst.
func NewSubjectRateLimiter(perSecond float64, burst int) *SubjectRateLimiter {
	return &SubjectRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow consumes a token from the subject's bucket.
func (l *SubjectRateLimiter) Allow(_ context.Context, _ string, rctx *model.RequestContext) bool {
	key := RateLimitScopeKey(rctx)

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// RateLimitScopeKey returns the bucket key for a principal. Anonymous
// callers share one global bucket.
func RateLimitScopeKey(rctx *model.RequestContext) string {
	if rctx.Anonymous() {
		return "rl:global"
	}
	if rctx.TenantID != "" {
		return fmt.Sprintf("rl:tenant:%s:user:%s", rctx.TenantID, rctx.SubjectID)
	}
	return fmt.Sprintf("rl:user:%s", rctx.SubjectID)
}
