package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/operation"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	Executor *operation.Executor

	// Metrics and Gatherer are optional. Without a Gatherer the default
	// Prometheus registry is served.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	// Authenticate verifies credentials and stores claims in the context.
	// Nil treats every request as anonymous.
	Authenticate func(http.Handler) http.Handler
	RoleMapper   RoleMapper
	Cache        *ResponseCache
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	readiness := deps.Readiness
	if readiness.OperationsLoaded == nil {
		readiness.OperationsLoaded = func() bool { return deps.Executor.Registry().Len() > 0 }
	}
	r.Get("/ready", observability.HandleReady(readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Handle(path, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Handle(path, observability.Handler())
		}
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	ops := NewOperationHandler(deps.Executor, deps.Cache, logger, cfg.Server.HandlerTimeout)

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity.ClaimPaths, deps.RoleMapper))

		r.Get("/operations", handleListOperations(deps.Executor.Registry()))
		r.Handle("/operations/*", ops)
	})

	return r
}
