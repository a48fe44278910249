package model

import "strings"

// CapabilitySet is the set of capabilities granted to a principal. Keys are
// colon-separated capability strings (e.g. "users:archive") and may end in a
// wildcard segment (e.g. "users:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern, granted := range cs {
		if granted && matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	return len(cs.Missing(caps...)) == 0
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// Missing returns the subset of caps not granted by the set, in input order.
func (cs CapabilitySet) Missing(caps ...string) []string {
	var missing []string
	for _, cap := range caps {
		if !cs.Has(cap) {
			missing = append(missing, cap)
		}
	}
	return missing
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"             matches anything
//	"users:*"       matches "users:archive"
//	"users:bulk:*"  matches "users:bulk:delete"
//	"users:bulk"    does NOT match "users:bulk:delete"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given principal.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator is the source of truth behind a CapabilityResolver.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
