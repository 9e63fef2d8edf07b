package datasource

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/model"
)

const defaultTimeout = 10 * time.Second

// Guard runs every backend request of one namespace through its rate limit,
// circuit breaker and timeout, and turns failures into typed errors tagged
// with the namespace.
type Guard struct {
	ns      graph.Namespace
	timeout time.Duration
	breaker *Breaker
	limiter *rate.Limiter
}

// NewGuard builds the guard for a data source. metrics may be nil.
func NewGuard(ns graph.Namespace, cfg config.DataSourceConfig, logger *zap.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	g := &Guard{ns: ns, timeout: timeout}
	g.breaker = NewBreaker(cfg.CircuitBreaker, func(from, to BreakerState) {
		level := zap.InfoLevel
		if to == BreakerOpen {
			level = zap.WarnLevel
		}
		logger.Log(level, "circuit breaker state changed",
			zap.String("namespace", string(ns)),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if metrics != nil {
			metrics.SetCircuitBreakerState(string(ns), float64(to))
		}
	})
	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	return g
}

// Breaker exposes the namespace breaker.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Do runs fn with a context bounded by the namespace timeout.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil && !g.limiter.Allow() {
		return model.NewRateLimitedError(string(g.ns))
	}
	if !g.breaker.Allow() {
		return model.NewBackendUnavailableError(string(g.ns))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(callCtx)
	switch {
	case err == nil:
		g.breaker.Success()
	case ctx.Err() != nil:
		// The caller went away; says nothing about the backend.
	case isInfrastructureFailure(err):
		g.breaker.Failure()
	}
	return g.classify(ctx, callCtx, err)
}

func (g *Guard) classify(parent, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	ns := string(g.ns)
	var oe *model.OperationError
	switch {
	case errors.As(err, &oe):
		return graph.WrapDownstream(g.ns, oe)
	case parent.Err() != nil:
		return model.NewCancelledError(err)
	case callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError(ns).WithCause(err)
	case isConnectionError(err):
		return model.NewBackendUnavailableError(ns).WithCause(err)
	}
	return graph.WrapDownstream(g.ns, err)
}

// isInfrastructureFailure reports whether err should count against the
// breaker. Upstream 4xx answers and validation errors do not.
func isInfrastructureFailure(err error) bool {
	var oe *model.OperationError
	if errors.As(err, &oe) {
		return oe.Status() >= 500
	}
	return true
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
