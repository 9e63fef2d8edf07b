package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// Caller distinguishes external invocations (transport) from invocations
// made through the operations client.
type Caller int

const (
	CallerExternal Caller = iota
	CallerInternal
)

func (c Caller) String() string {
	if c == CallerInternal {
		return "internal"
	}
	return "external"
}

// Observer receives an Event after every query or mutation and when a
// subscription ends.
type Observer interface {
	OnOperationExecuted(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

// OnOperationExecuted implements Observer.
func (f ObserverFunc) OnOperationExecuted(ctx context.Context, event Event) { f(ctx, event) }

// Event describes the outcome of one invocation.
type Event struct {
	Operation string
	Kind      model.OperationKind
	Caller    Caller
	SubjectID string
	TenantID  string
	// Code is "OK" on success, else the error code.
	Code     string
	Duration time.Duration
	Replayed bool
	// State is the terminal stream state of a subscription.
	State string
	Err   *model.OperationError
}

// Executor runs operations through the invocation pipeline: lookup,
// visibility, kind, authentication, roles, rate limit, input validation,
// idempotency replay, handler, response validation.
type Executor struct {
	registry    *Registry
	catalog     *graph.Catalog
	logger      *zap.Logger
	metrics     *observability.Metrics
	idempotency IdempotencyStore
	idemTTL     time.Duration
	limiter     *RateLimiter
	redactor    *observability.Redactor
	observers   []Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRedactor sets how operation input is masked in debug logs.
func WithRedactor(r *observability.Redactor) Option {
	return func(e *Executor) {
		if r != nil {
			e.redactor = r
		}
	}
}

// WithIdempotencyStore enables idempotent replay for mutations that declare
// an idempotency policy.
func WithIdempotencyStore(s IdempotencyStore) Option {
	return func(e *Executor) { e.idempotency = s }
}

// WithIdempotencyTTL sets how long results are kept for policies that
// leave TTL unset.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(e *Executor) {
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithRateLimiter replaces the rate limiter.
func WithRateLimiter(l *RateLimiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// NewExecutor returns an executor over the registry and catalog.
func NewExecutor(registry *Registry, catalog *graph.Catalog, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		catalog:  catalog,
		logger:   zap.NewNop(),
		idemTTL:  DefaultIdempotencyTTL,
		limiter:  NewRateLimiter(),
		redactor: observability.NewRedactor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics != nil {
		e.metrics.SetOperationsRegistered(float64(registry.Len()))
	}
	return e
}

// Registry returns the operation registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Query invokes a query as an external caller.
func (e *Executor) Query(ctx context.Context, name string, input map[string]any) model.Result {
	return e.Execute(ctx, CallerExternal, model.KindQuery, name, input)
}

// Mutate invokes a mutation as an external caller.
func (e *Executor) Mutate(ctx context.Context, name string, input map[string]any) model.Result {
	return e.Execute(ctx, CallerExternal, model.KindMutation, name, input)
}

// Subscribe opens a subscription as an external caller.
func (e *Executor) Subscribe(ctx context.Context, name string, input map[string]any, opts ...stream.Option) (*stream.Stream, *model.OperationError) {
	return e.Stream(ctx, CallerExternal, name, input, opts...)
}

// Resolve returns the definition a caller may invoke under name, applying
// the lookup, visibility and kind steps of the pipeline.
func (e *Executor) Resolve(caller Caller, kind model.OperationKind, name string) (*Definition, *model.OperationError) {
	d, ok := e.registry.Get(name)
	if !ok || (caller == CallerExternal && d.Internal()) {
		return nil, model.NewNotFoundError(fmt.Sprintf("operation %q not found", name))
	}
	if d.kind != kind {
		return nil, model.NewBadRequestError(fmt.Sprintf("operation %q is a %s, not a %s", name, d.kind, kind))
	}
	return d, nil
}

// admit runs the checks that precede the handler and returns the validated
// input.
func (e *Executor) admit(ctx context.Context, caller Caller, d *Definition, input map[string]any) (map[string]any, *model.OperationError) {
	if caller == CallerInternal && depthFrom(ctx) >= maxDepth {
		return nil, model.NewInternalError(fmt.Sprintf("operation %q exceeds the nesting limit of %d", d.name, maxDepth))
	}
	rctx := model.RequestContextFrom(ctx)
	if d.RequiresAuthentication() && !rctx.Authenticated() {
		return nil, model.NewAuthenticationError("authentication required")
	}
	if err := d.cfg.RBAC.Enforce(rctx); err != nil {
		return nil, err
	}
	if !e.limiter.Allow(d, rctx) {
		return nil, model.NewRateLimitedError("")
	}

	if input == nil {
		input = map[string]any{}
	}
	normalized, err := graph.Normalize(input)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("input is not JSON encodable: %v", err))
	}
	in, ok := normalized.(map[string]any)
	if !ok {
		return nil, model.NewBadRequestError("input must be an object")
	}
	if details := validateValue(d.cfg.Input, in); len(details) > 0 {
		if e.metrics != nil {
			e.metrics.RecordValidationError(d.name)
		}
		return nil, model.NewValidationError(details)
	}
	return in, nil
}

// newContext builds the handler context for one invocation.
func (e *Executor) newContext(ctx context.Context, d *Definition, input map[string]any) (context.Context, *Context) {
	rctx := model.RequestContextFrom(ctx)
	ctx = context.WithValue(ctx, depthKey{}, depthFrom(ctx)+1)
	builder := graph.NewBuilder(e.catalog).Restrict(d.cfg.Uses...)
	if h := forwardHeadersFrom(ctx); len(h) > 0 {
		builder = builder.WithHeaders(h)
	}
	log := observability.OperationLogger(ctx, e.logger, d.name, string(d.kind))
	if ce := log.Check(zap.DebugLevel, "operation input"); ce != nil {
		ce.Write(zap.Any("input", e.redactor.Redact(input)))
	}
	return ctx, &Context{
		Name:       d.name,
		Kind:       d.kind,
		Input:      input,
		User:       rctx,
		Log:        log,
		Graph:      builder,
		Operations: newClient(e, rctx),
	}
}

// Execute invokes a query or mutation.
func (e *Executor) Execute(ctx context.Context, caller Caller, kind model.OperationKind, name string, input map[string]any) model.Result {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "operation."+string(kind),
		observability.AttrOperation.String(name),
		observability.AttrKind.String(string(kind)),
		observability.AttrInternal.Bool(caller == CallerInternal),
	)
	res, replayed := e.execute(ctx, caller, kind, name, input)
	if res.Error != nil && res.Error.TraceID == "" {
		if id := observability.TraceIDFromContext(ctx); id != "" {
			oe := *res.Error
			oe.TraceID = id
			res.Error = &oe
		}
	}
	if replayed {
		span.SetAttributes(attribute.Bool("opgraph.idempotent_replay", true))
	}
	observability.EndSpanWithError(span, resultErr(res))
	e.observe(ctx, Event{
		Operation: name,
		Kind:      kind,
		Caller:    caller,
		Duration:  time.Since(start),
		Replayed:  replayed,
		Err:       res.Error,
	})
	return res
}

func resultErr(r model.Result) error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func (e *Executor) execute(ctx context.Context, caller Caller, kind model.OperationKind, name string, input map[string]any) (model.Result, bool) {
	if kind == model.KindSubscription {
		return model.Failure(model.NewBadRequestError(fmt.Sprintf("subscription %q must be opened with Stream", name))), false
	}
	d, oe := e.Resolve(caller, kind, name)
	if oe != nil {
		return model.Failure(oe), false
	}
	in, oe := e.admit(ctx, caller, d, input)
	if oe != nil {
		return model.Failure(oe), false
	}

	var idemKey, idemHash string
	if d.cfg.Idempotency != nil && e.idempotency != nil {
		if k := IdempotencyKeyFrom(ctx); k != "" {
			idemKey = IdempotencyKey(d.name, k)
			idemHash = hashInput(in)
			prev, found, err := e.idempotency.Lookup(ctx, idemKey, idemHash)
			if err != nil {
				return model.Failure(err), false
			}
			if found {
				if e.metrics != nil {
					e.metrics.RecordIdempotencyReplay(d.name)
				}
				return *prev, true
			}
		}
	}

	hctx, c := e.newContext(ctx, d, in)
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d.cfg.Timeout)
		defer cancel()
	}
	defer c.Operations.nested.closeAll()

	data, err := e.runHandler(hctx, d, c)
	if err != nil {
		return model.Failure(handlerError(ctx, err)), false
	}

	out, oe := e.checkResponse(d, data)
	if oe != nil {
		c.Log.Error("response does not match schema", zap.Any("details", oe.Details))
		return model.Failure(oe), false
	}
	res := model.Success(out)

	if idemKey != "" {
		ttl := d.cfg.Idempotency.TTL
		if ttl <= 0 {
			ttl = e.idemTTL
		}
		if err := e.idempotency.Save(ctx, idemKey, idemHash, res, ttl); err != nil {
			c.Log.Warn("storing idempotent result failed", zap.Error(err))
		}
	}
	return res, false
}

func (e *Executor) runHandler(ctx context.Context, d *Definition, c *Context) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Log.Error("operation handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = model.NewInternalError("")
		}
	}()
	return d.cfg.Handler(ctx, c)
}

// handlerError converts a handler failure. Deadline errors of the handler's
// own timeout surface as BACKEND_TIMEOUT; a cancelled caller is CANCELLED.
func handlerError(callerCtx context.Context, err error) *model.OperationError {
	var oe *model.OperationError
	if errors.As(err, &oe) {
		return oe
	}
	if callerCtx.Err() != nil {
		return model.NewCancelledError(err)
	}
	return model.AsOperationError(err)
}

// checkResponse normalises handler output to JSON shapes and validates it
// against the response schema.
func (e *Executor) checkResponse(d *Definition, data any) (any, *model.OperationError) {
	out, err := graph.Normalize(data)
	if err != nil {
		return nil, model.NewInternalError(fmt.Sprintf("operation %q returned a value that is not JSON encodable", d.name)).WithCause(err)
	}
	if details := validateValue(d.cfg.Response, out); len(details) > 0 {
		return nil, model.NewResponseValidationError(details)
	}
	return out, nil
}

// Stream opens a subscription. Each emitted value is checked against the
// response schema; a mismatch ends the stream with a terminal error.
// Subscriptions opened by the handler through the operations client are
// closed when the stream ends.
func (e *Executor) Stream(ctx context.Context, caller Caller, name string, input map[string]any, opts ...stream.Option) (*stream.Stream, *model.OperationError) {
	start := time.Now()
	d, oe := e.Resolve(caller, model.KindSubscription, name)
	var in map[string]any
	if oe == nil {
		in, oe = e.admit(ctx, caller, d, input)
	}
	if oe != nil {
		e.observe(ctx, Event{Operation: name, Kind: model.KindSubscription, Caller: caller, Duration: time.Since(start), Err: oe})
		return nil, oe
	}

	sctx, c := e.newContext(ctx, d, in)
	sctx, span := observability.StartSpan(sctx, "operation.subscription",
		observability.AttrOperation.String(name),
		observability.AttrKind.String(string(model.KindSubscription)),
		observability.AttrInternal.Bool(caller == CallerInternal),
	)

	producer := func(ctx context.Context, emit stream.Emit) (err error) {
		var invalid *model.OperationError
		defer func() {
			if r := recover(); r != nil {
				c.Log.Error("subscription handler panicked", zap.Any("panic", r), zap.Stack("stack"))
				err = model.NewStreamingError(fmt.Errorf("handler panic: %v", r))
			}
			if invalid != nil {
				err = invalid
			}
		}()
		return d.cfg.Stream(ctx, c, func(v any) error {
			out, oe := e.checkResponse(d, v)
			if oe != nil {
				c.Log.Error("subscription message does not match schema", zap.Any("details", oe.Details))
				invalid = oe
				return oe
			}
			return emit(out)
		})
	}

	opts = append([]stream.Option{
		stream.WithName(name),
		stream.WithLogger(c.Log),
		stream.OnCleanup(c.Operations.nested.closeAll),
	}, opts...)
	s := stream.New(sctx, producer, opts...)

	if e.metrics != nil {
		e.metrics.SubscriptionStarted(name)
	}
	s.OnCleanup(func() {
		state := s.State()
		err := s.Err()
		if e.metrics != nil {
			e.metrics.SubscriptionFinished(name, state.String(), int(s.Delivered()))
		}
		var spanErr error
		if err != nil {
			spanErr = err
		}
		span.SetAttributes(attribute.String("opgraph.stream_state", state.String()))
		observability.EndSpanWithError(span, spanErr)
		e.observe(ctx, Event{
			Operation: name,
			Kind:      model.KindSubscription,
			Caller:    caller,
			Duration:  time.Since(start),
			State:     state.String(),
			Err:       err,
		})
	})
	return s, nil
}

// observe records metrics, logs and notifies observers.
func (e *Executor) observe(ctx context.Context, ev Event) {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		ev.SubjectID = rctx.SubjectID
		ev.TenantID = rctx.TenantID
	}
	ev.Code = "OK"
	if ev.Err != nil {
		ev.Code = ev.Err.Code
	}
	if e.metrics != nil {
		e.metrics.RecordOperation(ev.Operation, string(ev.Kind), ev.Code, ev.Duration)
	}

	log := observability.OperationLogger(ctx, e.logger, ev.Operation, string(ev.Kind))
	fields := []zap.Field{
		zap.String("caller", ev.Caller.String()),
		zap.String("code", ev.Code),
		zap.Duration("duration", ev.Duration),
	}
	if ev.State != "" {
		fields = append(fields, zap.String("state", ev.State))
	}
	switch {
	case ev.Err != nil && ev.Err.Status() >= 500:
		log.Error("operation failed", append(fields, zap.Error(ev.Err))...)
	case ev.Err != nil:
		log.Info("operation rejected", append(fields, zap.String("error", ev.Err.Message))...)
	default:
		log.Debug("operation executed", fields...)
	}

	for _, o := range e.observers {
		o.OnOperationExecuted(ctx, ev)
	}
}
