package operation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitabwire/opgraph/model"
)

// limiterIdle is how long an unused bucket is kept.
const limiterIdle = 10 * time.Minute

// RateLimiter hands out token buckets per operation and scope key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	used    time.Time
}

// NewRateLimiter returns an empty limiter set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow reports whether one more call of the operation fits its policy.
func (l *RateLimiter) Allow(d *Definition, rctx *model.RequestContext) bool {
	p := d.RateLimit()
	if p == nil {
		return true
	}
	key := RateLimitKey(d.Name(), p.Scope, rctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		burst := p.Burst
		if burst <= 0 {
			burst = max(1, int(p.RequestsPerSecond))
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)}
		l.buckets[key] = b
	}
	b.used = now

	l.calls++
	if l.calls%1024 == 0 {
		for k, other := range l.buckets {
			if now.Sub(other.used) > limiterIdle {
				delete(l.buckets, k)
			}
		}
	}
	return b.limiter.AllowN(now, 1)
}

// RateLimitKey returns the bucket key for an operation. User and tenant
// scopes fall back to the global bucket for anonymous callers.
func RateLimitKey(operation string, scope RateLimitScope, rctx *model.RequestContext) string {
	switch scope {
	case ScopeUser:
		if rctx.Authenticated() {
			return "rl:" + operation + ":user:" + rctx.SubjectID
		}
	case ScopeTenant:
		if rctx != nil && rctx.TenantID != "" {
			return "rl:" + operation + ":tenant:" + rctx.TenantID
		}
	}
	return "rl:" + operation + ":global"
}
