// Package operation defines, registers and executes named operations:
// queries, mutations and subscriptions with declared input and response
// schemas, authentication and role requirements, cache and live policies,
// and a handler that composes data-source requests and nested operations.
package operation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/opgraph/internal/authz"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// InternalPrefix marks operations that are callable only through the
// operations client.
const InternalPrefix = "internal/"

// DefaultPollingInterval is used by live queries that do not set one.
const DefaultPollingInterval = 5 * time.Second

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(/[A-Za-z0-9_-]+)*$`)

// HandlerFunc implements a query or mutation.
type HandlerFunc func(ctx context.Context, c *Context) (any, error)

// StreamFunc implements a subscription. It emits values in order and returns
// when it is done, when ctx ends or when emit returns an error. Deferred
// code in the function runs exactly once however the subscription ends.
type StreamFunc func(ctx context.Context, c *Context, emit stream.Emit) error

// CachePolicy controls HTTP caching of a query response.
type CachePolicy struct {
	Enable               bool `json:"enable"`
	Public               bool `json:"public"`
	MaxAge               int  `json:"maxAge"`
	StaleWhileRevalidate int  `json:"staleWhileRevalidate"`
}

// CacheControl renders the Cache-Control header value.
func (p CachePolicy) CacheControl() string {
	if !p.Enable {
		return "no-store"
	}
	visibility := "private"
	if p.Public {
		visibility = "public"
	}
	parts := []string{visibility, "max-age=" + strconv.Itoa(p.MaxAge)}
	if p.StaleWhileRevalidate > 0 {
		parts = append(parts, "stale-while-revalidate="+strconv.Itoa(p.StaleWhileRevalidate))
	}
	return strings.Join(parts, ", ")
}

// TTL is how long a cached response stays fresh.
func (p CachePolicy) TTL() time.Duration {
	return time.Duration(p.MaxAge) * time.Second
}

// LivePolicy enables live queries: the query is re-executed on an interval
// and subscribers receive a message whenever the result changes.
type LivePolicy struct {
	Enable                 bool `json:"enable"`
	PollingIntervalSeconds int  `json:"pollingIntervalSeconds"`
}

// Interval returns the polling interval.
func (p LivePolicy) Interval() time.Duration {
	if p.PollingIntervalSeconds <= 0 {
		return DefaultPollingInterval
	}
	return time.Duration(p.PollingIntervalSeconds) * time.Second
}

// RateLimitScope selects whose calls share a rate limit bucket.
type RateLimitScope string

const (
	ScopeGlobal RateLimitScope = "global"
	ScopeUser   RateLimitScope = "user"
	ScopeTenant RateLimitScope = "tenant"
)

// RateLimitPolicy limits how often an operation may be invoked.
type RateLimitPolicy struct {
	RequestsPerSecond float64        `json:"requestsPerSecond"`
	Burst             int            `json:"burst"`
	Scope             RateLimitScope `json:"scope"`
}

// IdempotencyPolicy makes a mutation replay its stored result when invoked
// again with the same idempotency key and input.
type IdempotencyPolicy struct {
	TTL time.Duration `json:"ttl"`
}

// Config declares an operation.
type Config struct {
	Input    *openapi3.Schema
	Response *openapi3.Schema

	RequireAuthentication bool
	// Internal hides the operation from external callers. Names under
	// "internal/" are always internal.
	Internal bool
	RBAC     authz.Rule

	Cache       CachePolicy
	Live        LivePolicy
	RateLimit   *RateLimitPolicy
	Idempotency *IdempotencyPolicy

	// Uses lists the namespaces the handler addresses; they must exist
	// when the registry is built. Context.Graph rejects any other namespace.
	Uses []graph.Namespace

	// Timeout bounds a query or mutation handler. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration

	Handler HandlerFunc
	Stream  StreamFunc
}

// Definition is an immutable, validated operation.
type Definition struct {
	name string
	kind model.OperationKind
	cfg  Config
	hash string
}

// Query defines a query operation.
func Query(name string, cfg Config) (*Definition, error) {
	return define(name, model.KindQuery, cfg)
}

// Mutation defines a mutation operation.
func Mutation(name string, cfg Config) (*Definition, error) {
	return define(name, model.KindMutation, cfg)
}

// Subscription defines a subscription operation.
func Subscription(name string, cfg Config) (*Definition, error) {
	return define(name, model.KindSubscription, cfg)
}

// Must panics if err is non-nil. It is meant for package level operation
// declarations.
func Must(d *Definition, err error) *Definition {
	if err != nil {
		panic(err)
	}
	return d
}

func define(name string, kind model.OperationKind, cfg Config) (*Definition, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("operation: invalid name %q", name)
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("operation %q: %s", name, fmt.Sprintf(format, args...))
	}

	switch kind {
	case model.KindSubscription:
		if cfg.Stream == nil {
			return nil, fail("subscription requires a stream handler")
		}
		if cfg.Handler != nil {
			return nil, fail("subscription must not set Handler")
		}
	default:
		if cfg.Handler == nil {
			return nil, fail("%s requires a handler", kind)
		}
		if cfg.Stream != nil {
			return nil, fail("%s must not set Stream", kind)
		}
	}
	if cfg.Live.Enable && kind != model.KindQuery {
		return nil, fail("live is only supported on queries")
	}
	if cfg.Cache.Enable && kind != model.KindQuery {
		return nil, fail("cache is only supported on queries")
	}
	if cfg.Cache.MaxAge < 0 || cfg.Cache.StaleWhileRevalidate < 0 {
		return nil, fail("cache durations must not be negative")
	}
	if cfg.Idempotency != nil && kind != model.KindMutation {
		return nil, fail("idempotency is only supported on mutations")
	}
	if rl := cfg.RateLimit; rl != nil {
		if rl.RequestsPerSecond <= 0 {
			return nil, fail("rate limit requires requestsPerSecond > 0")
		}
		switch rl.Scope {
		case "", ScopeGlobal, ScopeUser, ScopeTenant:
		default:
			return nil, fail("unknown rate limit scope %q", rl.Scope)
		}
	}
	if err := cfg.RBAC.Validate(); err != nil {
		return nil, fail("%v", err)
	}
	for _, s := range []*openapi3.Schema{cfg.Input, cfg.Response} {
		if s == nil {
			continue
		}
		if err := s.Validate(context.Background()); err != nil {
			return nil, fail("invalid schema: %v", err)
		}
	}

	d := &Definition{name: name, kind: kind, cfg: cfg}
	d.hash = d.computeHash()
	return d, nil
}

// computeHash fingerprints the externally visible contract of the
// operation. It seeds cache validators so they change on redeploys that
// change the operation.
func (d *Definition) computeHash() string {
	contract := struct {
		Name     string              `json:"name"`
		Kind     model.OperationKind `json:"kind"`
		Input    *openapi3.Schema    `json:"input,omitempty"`
		Response *openapi3.Schema    `json:"response,omitempty"`
		Auth     bool                `json:"auth"`
		RBAC     authz.Rule          `json:"rbac"`
		Cache    CachePolicy         `json:"cache"`
		Live     LivePolicy          `json:"live"`
	}{d.name, d.kind, d.cfg.Input, d.cfg.Response, d.cfg.RequireAuthentication, d.cfg.RBAC, d.cfg.Cache, d.cfg.Live}
	raw, _ := json.Marshal(contract)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Name returns the hierarchical operation name.
func (d *Definition) Name() string { return d.name }

// Kind returns the operation kind.
func (d *Definition) Kind() model.OperationKind { return d.kind }

// Internal reports whether the operation is hidden from external callers.
func (d *Definition) Internal() bool {
	return d.cfg.Internal || strings.HasPrefix(d.name, InternalPrefix)
}

// RequiresAuthentication reports whether a verified principal is needed.
// A non-empty RBAC rule implies authentication.
func (d *Definition) RequiresAuthentication() bool {
	return d.cfg.RequireAuthentication || !d.cfg.RBAC.Empty()
}

// RBAC returns the role rule.
func (d *Definition) RBAC() authz.Rule { return d.cfg.RBAC }

// Cache returns the cache policy.
func (d *Definition) Cache() CachePolicy { return d.cfg.Cache }

// Live returns the live query policy.
func (d *Definition) Live() LivePolicy { return d.cfg.Live }

// RateLimit returns the rate limit policy, if any.
func (d *Definition) RateLimit() *RateLimitPolicy { return d.cfg.RateLimit }

// Idempotency returns the idempotency policy, if any.
func (d *Definition) Idempotency() *IdempotencyPolicy { return d.cfg.Idempotency }

// InputSchema returns the declared input schema.
func (d *Definition) InputSchema() *openapi3.Schema { return d.cfg.Input }

// ResponseSchema returns the declared response schema.
func (d *Definition) ResponseSchema() *openapi3.Schema { return d.cfg.Response }

// Uses returns the namespaces the handler addresses.
func (d *Definition) Uses() []graph.Namespace {
	return append([]graph.Namespace(nil), d.cfg.Uses...)
}

// Hash returns a short fingerprint of the operation contract.
func (d *Definition) Hash() string { return d.hash }
