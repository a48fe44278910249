// Package capability resolves the capability set of a principal from a
// policy and caches it per subject and tenant.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Defaults applied when an option is not given.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with a bounded in-memory
// cache in front of a model.PolicyEvaluator.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock
	metrics    *observability.Metrics

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets how long a resolved set is reused.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of cached principals.
func WithMaxEntries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver over evaluator.
func NewResolver(evaluator model.PolicyEvaluator, opts ...Option) *Resolver {
	r := &Resolver{
		evaluator:  evaluator,
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		clock:      clock.WallClock,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// subjectPrefix is shared by every cached role set of one subject.
func subjectPrefix(subjectID, tenantID string) string {
	return tenantID + ":" + subjectID + "|"
}

// cacheKey scopes an entry to the roles presented in the session, so a
// token carrying different roles never reuses another token's set.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	roles = slices.Compact(roles)
	return subjectPrefix(rctx.SubjectID, rctx.TenantID) + strings.Join(roles, ",")
}

// Resolve returns the capability set for rctx. An anonymous principal has
// no capabilities and is never cached.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if rctx.Anonymous() {
		return model.CapabilitySet{}, nil
	}
	key := cacheKey(rctx)
	now := r.clock.Now()

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		if r.metrics != nil {
			r.metrics.RecordCapabilityCacheHit()
		}
		return entry.caps, nil
	}
	if r.metrics != nil {
		r.metrics.RecordCapabilityCacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.cache[key]; !exists && len(r.cache) >= r.maxEntries {
		r.evict(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evict drops expired entries, then the entry closest to expiry if the
// cache is still full. Must be called with the write lock held.
func (r *Resolver) evict(now time.Time) {
	var oldest string
	var oldestAt time.Time
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
			continue
		}
		if oldest == "" || entry.expires.Before(oldestAt) {
			oldest, oldestAt = key, entry.expires
		}
	}
	if len(r.cache) >= r.maxEntries && oldest != "" {
		delete(r.cache, oldest)
	}
}

// Invalidate clears the cached sets of one subject, whatever roles they
// were resolved for. An empty subjectID clears every subject of the tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := tenantID + ":"
	if subjectID != "" {
		prefix = subjectPrefix(subjectID, tenantID)
	}
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

// Len returns the number of cached capability sets.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
