package model

import (
	"context"
	"errors"
)

// ErrNoSubject is returned by RequestContext.Validate for a principal
// without a subject.
var ErrNoSubject = errors.New("request context has no subject")

// RequestContext is the authenticated principal of a request, as derived
// from its session token. Predicates, handlers and the capability resolver
// read it; nothing mutates it once the session middleware has attached it.
type RequestContext struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	SessionID string
	Locale    string

	// CorrelationID and TraceID tie log lines and spans of the request
	// together.
	CorrelationID string
	TraceID       string

	// Claims holds the verified session claims verbatim.
	Claims map[string]any
}

// Validate reports ErrNoSubject when the principal cannot be identified.
func (rc *RequestContext) Validate() error {
	if rc == nil || rc.SubjectID == "" {
		return ErrNoSubject
	}
	return nil
}

// Anonymous reports whether rc identifies nobody. A nil RequestContext is
// anonymous.
func (rc *RequestContext) Anonymous() bool {
	return rc == nil || rc.SubjectID == ""
}

type ctxKey int

const (
	requestContextKey ctxKey = iota
	capabilitiesKey
)

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rctx)
}

// RequestContextFrom returns the principal attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rctx
}

// WithCapabilities attaches the resolved capability set of the principal.
func WithCapabilities(ctx context.Context, caps CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey, caps)
}

// CapabilitiesFrom returns the capability set attached to ctx. A missing set
// is returned as an empty one, which grants nothing.
func CapabilitiesFrom(ctx context.Context) CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey).(CapabilitySet)
	if caps == nil {
		return CapabilitySet{}
	}
	return caps
}
