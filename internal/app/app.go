// Package app assembles a server from configuration: data sources, the
// catalog, the operation registry, the executor and the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/authz"
	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/datasource"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/operation"
	"github.com/pitabwire/opgraph/internal/transport"
	"github.com/pitabwire/opgraph/model"
)

// Options carries what cannot come from the config file.
type Options struct {
	Logger *zap.Logger

	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Sources are added to the configured data sources.
	Sources []graph.Source

	// Operations returns the operation set once the catalog is built.
	Operations func(*graph.Catalog) []*operation.Definition

	// Keys overrides the token verification keys derived from the
	// identity configuration.
	Keys jwt.Keyfunc
}

// App is a fully wired server.
type App struct {
	Config   *config.Config
	Catalog  *graph.Catalog
	Registry *operation.Registry
	Executor *operation.Executor
	Handler  http.Handler

	logger  *zap.Logger
	closers []func()
}

// New builds every component. Resources acquired before a failure are
// released.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		metrics = observability.InitMetrics(reg)
	}

	set, err := datasource.Build(ctx, cfg, datasource.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, set.Close)

	sources := append(set.Sources, opts.Sources...)
	a.Catalog, err = graph.NewCatalog(sources, graph.WithObserver(dataSourceObserver(logger, metrics)))
	if err != nil {
		return nil, err
	}

	var defs []*operation.Definition
	if opts.Operations != nil {
		defs = opts.Operations(a.Catalog)
	}
	a.Registry, err = operation.NewRegistry(a.Catalog, defs...)
	if err != nil {
		return nil, err
	}

	execOpts := []operation.Option{
		operation.WithLogger(logger),
		operation.WithMetrics(metrics),
		operation.WithRedactor(observability.NewRedactor(cfg.Observability.RedactFields...)),
	}
	readiness := observability.ReadinessChecks{DataSources: map[string]observability.HealthChecker{}}
	for _, ns := range a.Catalog.Namespaces() {
		src, _ := a.Catalog.Source(ns)
		if hc, ok := src.(graph.HealthChecker); ok {
			readiness.DataSources[string(ns)] = observability.HealthCheckFunc(hc.Check)
		}
	}
	if cfg.Idempotency.Enabled {
		store, closer, err := buildIdempotencyStore(cfg.Idempotency, logger)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		execOpts = append(execOpts, operation.WithIdempotencyStore(store), operation.WithIdempotencyTTL(cfg.Idempotency.DefaultTTL))
		readiness.IdempotencyStore = store
	}
	a.Executor = operation.NewExecutor(a.Registry, a.Catalog, execOpts...)

	deps := transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Executor:  a.Executor,
		Metrics:   metrics,
		Gatherer:  opts.Gatherer,
		Readiness: readiness,
	}
	if cfg.Identity.Enabled() {
		keys := opts.Keys
		if keys == nil {
			if keys, err = verificationKeys(cfg.Identity, logger); err != nil {
				return nil, err
			}
		}
		deps.Authenticate = transport.JWTAuthenticator(cfg.Identity, keys)
	}
	if cfg.Identity.RoleMappingFile != "" {
		mapper, err := authz.NewStaticRoleMapper(cfg.Identity.RoleMappingFile)
		if err != nil {
			return nil, err
		}
		deps.RoleMapper = mapper
	}
	if cfg.Cache.Enabled {
		cache, err := transport.NewResponseCache(cfg.Cache, metrics)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cache.Close)
		deps.Cache = cache
	}
	a.Handler = transport.NewRouter(deps)

	logger.Info("application assembled",
		zap.Int("operations", a.Registry.Len()),
		zap.Int("datasources", len(a.Catalog.Namespaces())),
		zap.String("checksum", a.Registry.Checksum()),
	)
	return a, nil
}

// Close releases data-source clients, caches and stores in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Serve runs the HTTP server until ctx is done, then drains in-flight
// requests for at most the configured shutdown timeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Handler,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutting down http server: %w", err)
	}
	return nil
}

// dataSourceObserver logs and counts every data-source request.
func dataSourceObserver(logger *zap.Logger, metrics *observability.Metrics) graph.Observer {
	return func(ns graph.Namespace, kind model.OperationKind, field string, d time.Duration, err error) {
		outcome := "ok"
		if err != nil {
			outcome = model.AsOperationError(err).Code
			logger.Debug("datasource request failed",
				zap.String("namespace", string(ns)),
				zap.String("kind", kind.String()),
				zap.String("field", field),
				zap.Error(err),
			)
		}
		if metrics != nil {
			metrics.RecordDataSourceRequest(string(ns), field, outcome, d)
		}
	}
}

func verificationKeys(cfg config.IdentityConfig, logger *zap.Logger) (jwt.Keyfunc, error) {
	if cfg.JWKSURL != "" {
		return transport.JWKSKeyFunc(transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)), nil
	}
	secret := os.Getenv(cfg.HMACSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("app: %s is not set", cfg.HMACSecretEnv)
	}
	return transport.HMACKeyFunc([]byte(secret)), nil
}

type idempotencyStore interface {
	operation.IdempotencyStore
	observability.HealthChecker
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotencyStore, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("app: idempotency store: %s is not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return operation.NewRedisIdempotencyStore(rdb), func() { _ = rdb.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return operation.NewMemoryIdempotencyStore(), nil, nil
	}
}
