package model

import (
	"context"
	"net/http"
)

// RequestContext carries the identity and tracing information of the caller
// for the lifetime of an operation invocation, including nested invocations
// made through the operations client. It is immutable after construction and
// safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string

	// Headers holds the client request headers that operations may forward
	// to data sources. Nil for invocations that did not originate over HTTP.
	Headers http.Header
}

// Authenticated reports whether the context carries a verified principal.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.SubjectID != ""
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	if rc == nil {
		return false
	}
	return RoleSet(rc.Roles).Has(role)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc == nil || rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

// Header returns the first value of a forwarded client header.
func (rc *RequestContext) Header(name string) string {
	if rc == nil || rc.Headers == nil {
		return ""
	}
	return rc.Headers.Get(name)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// Anonymous returns an unauthenticated RequestContext that keeps the given
// correlation id.
func Anonymous(correlationID string) *RequestContext {
	return &RequestContext{CorrelationID: correlationID}
}
