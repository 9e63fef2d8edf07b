package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/operation"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

const testSecret = "transport-test-secret"

const countriesSDL = `
type Query {
  country(code: ID!): Country
}

type Country {
  code: ID!
  name: String!
}
`

type countrySource struct {
	desc  *graph.Descriptor
	calls atomic.Int32
}

func (s *countrySource) Descriptor() *graph.Descriptor { return s.desc }

func (s *countrySource) Execute(_ context.Context, plan *graph.Plan) (any, error) {
	s.calls.Add(1)
	switch plan.Args["code"] {
	case "DE":
		return map[string]any{"code": "DE", "name": "Germany"}, nil
	case "FR":
		return map[string]any{"code": "FR", "name": "France"}, nil
	}
	return nil, nil
}

func (s *countrySource) Subscribe(context.Context, *graph.Plan) (*stream.Stream, error) {
	return nil, model.NewBadRequestError("no subscriptions")
}

// testServer is a router over a small set of operations.
type testServer struct {
	handler  http.Handler
	logs     *observer.ObservedLogs
	source   *countrySource
	registry *prometheus.Registry
	cache    *ResponseCache

	greetings atomic.Int32
	updates   atomic.Int32
	ticks     atomic.Int32
}

func (s *testServer) definitions() []*operation.Definition {
	obj := openapi3.NewObjectSchema
	return []*operation.Definition{
		operation.Must(operation.Query("country/get", operation.Config{
			Input: obj().
				WithProperty("code", openapi3.NewStringSchema().WithMinLength(2).WithMaxLength(2)).
				WithRequired([]string{"code"}),
			Uses: []graph.Namespace{"countries"},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return c.Graph.From("countries").Query("country").
					Where(map[string]any{"code": c.Input["code"]}).
					Select("code").
					Exec(ctx)
			},
		})),
		operation.Must(operation.Subscription("counter", operation.Config{
			Input: obj().WithProperty("a", openapi3.NewIntegerSchema()).WithRequired([]string{"a"}),
			Stream: func(ctx context.Context, c *operation.Context, emit stream.Emit) error {
				defer c.Log.Info("cleanup")
				a := int(c.Input["a"].(float64))
				for i := 0; i < 3; i++ {
					if err := emit(map[string]any{"b": a + i}); err != nil {
						return err
					}
				}
				return nil
			},
		})),
		operation.Must(operation.Subscription("ticker", operation.Config{
			Stream: func(ctx context.Context, c *operation.Context, emit stream.Emit) error {
				defer c.Log.Info("ticker cleanup")
				for i := 0; ; i++ {
					if err := emit(map[string]any{"n": i}); err != nil {
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(10 * time.Millisecond):
					}
				}
			},
		})),
		operation.Must(operation.Subscription("broken", operation.Config{
			Stream: func(ctx context.Context, c *operation.Context, emit stream.Emit) error {
				if err := emit(map[string]any{"ok": true}); err != nil {
					return err
				}
				return model.NewDownstreamError("countries", 503, "upstream went away", nil)
			},
		})),
		operation.Must(operation.Query("greeting", operation.Config{
			Input: obj().WithProperty("name", openapi3.NewStringSchema()),
			Cache: operation.CachePolicy{Enable: true, Public: true, MaxAge: 60, StaleWhileRevalidate: 30},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				s.greetings.Add(1)
				name, _ := c.Input["name"].(string)
				return map[string]any{"hello": name}, nil
			},
		})),
		operation.Must(operation.Query("me", operation.Config{
			RequireAuthentication: true,
			Cache:                 operation.CachePolicy{Enable: true, MaxAge: 10},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return map[string]any{"sub": c.User.SubjectID, "roles": c.User.Roles}, nil
			},
		})),
		operation.Must(operation.Mutation("profile/update", operation.Config{
			Input:       obj().WithProperty("name", openapi3.NewStringSchema()).WithRequired([]string{"name"}),
			Idempotency: &operation.IdempotencyPolicy{TTL: time.Minute},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return map[string]any{"name": c.Input["name"], "version": s.updates.Add(1)}, nil
			},
		})),
		operation.Must(operation.Query("clock", operation.Config{
			Live: operation.LivePolicy{Enable: true, PollingIntervalSeconds: 1},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return map[string]any{"tick": s.ticks.Add(1)}, nil
			},
		})),
		operation.Must(operation.Query("internal/secret", operation.Config{
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return "secret", nil
			},
		})),
	}
}

func newTestServer(t *testing.T, mutate ...func(*Dependencies)) *testServer {
	t.Helper()
	d, err := graph.LoadSDL("countries", countriesSDL)
	if err != nil {
		t.Fatalf("LoadSDL() error = %v", err)
	}
	s := &testServer{source: &countrySource{desc: d}, registry: prometheus.NewRegistry()}
	cat, err := graph.NewCatalog([]graph.Source{s.source})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	reg, err := operation.NewRegistry(cat, s.definitions()...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	metrics := observability.InitMetrics(s.registry)
	exec := operation.NewExecutor(reg, cat,
		operation.WithLogger(logger),
		operation.WithMetrics(metrics),
		operation.WithIdempotencyStore(operation.NewMemoryIdempotencyStore()),
	)

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Identity = testIdentityCfg()
	cfg.Identity.Algorithms = []string{"HS256"}
	cfg.Observability.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}

	cache, err := NewResponseCache(cfg.Cache, metrics)
	if err != nil {
		t.Fatalf("NewResponseCache() error = %v", err)
	}
	t.Cleanup(cache.Close)
	s.cache = cache

	deps := Dependencies{
		Config:       cfg,
		Logger:       logger,
		Executor:     exec,
		Metrics:      metrics,
		Gatherer:     s.registry,
		Authenticate: JWTAuthenticator(cfg.Identity, HMACKeyFunc([]byte(testSecret))),
		Cache:        cache,
	}
	for _, m := range mutate {
		m(&deps)
	}
	s.handler = NewRouter(deps)
	s.logs = logs
	return s
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func (s *testServer) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func bearer(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := validClaims()
	claims["sub"] = sub
	claims["roles"] = roles
	return "Bearer " + signJWT(t, []byte(testSecret), jwt.SigningMethodHS256, "", claims)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decodeBody(t, w)["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	event string
	data  string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseEvent{}) {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func waitForLog(t *testing.T, logs *observer.ObservedLogs, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if logs.FilterMessage(msg).Len() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log %q not written", msg)
}
