// Package integration provides a reusable test harness for end-to-end
// testing of the opgraph server. It assembles the full application against a
// mock GraphQL data source, an in-memory idempotency store and a test JWT
// issuer, and serves it over a real HTTP listener.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/opgraph/internal/app"
	"github.com/pitabwire/opgraph/internal/authz"
	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/operation"
)

const countries graph.Namespace = "countries"

// TestHarness is a fully wired server with a mock upstream.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	App     *app.App
	Backend *MockGraphQL
	Logs    *observer.ObservedLogs
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	sourceTimeout  time.Duration
	breaker        config.CircuitBreakerConfig
	forwardHeaders []string
}

// WithHandlerTimeout sets the server-side bound on queries and mutations.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithDataSourceTimeout sets the per-request timeout of the countries source.
func WithDataSourceTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.sourceTimeout = d }
}

// WithCircuitBreaker sets the breaker of the countries source.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithForwardHeaders forwards the named request headers upstream.
func WithForwardHeaders(names ...string) HarnessOption {
	return func(c *harnessConfig) { c.forwardHeaders = names }
}

// NewTestHarness assembles and starts the server. Everything is released
// when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		sourceTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		Backend: newMockGraphQL(t),
		issuer:  newTokenIssuer(t),
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{"ES256"}
	cfg.DataSources = map[string]config.DataSourceConfig{
		string(countries): {
			Kind:           config.KindGraphQL,
			URL:            h.Backend.URL(),
			SchemaFile:     filepath.Join(repoRoot(), "schemas", "countries.graphql"),
			Timeout:        hc.sourceTimeout,
			CircuitBreaker: hc.breaker,
			ForwardHeaders: hc.forwardHeaders,
		},
	}
	cfg.Idempotency.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid harness config: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	h.Logs = logs
	reg := prometheus.NewRegistry()

	a, err := app.New(context.Background(), cfg, app.Options{
		Logger:     zap.New(core),
		Registerer: reg,
		Gatherer:   reg,
		Operations: testOperations,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	h.App = a
	h.server = httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		h.server.Close()
		a.Close()
	})
	return h
}

func codeInput() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema().WithMinLength(2).WithMaxLength(2)).
		WithRequired([]string{"code"})
}

// testOperations is the operation set served by the harness.
func testOperations(*graph.Catalog) []*operation.Definition {
	return []*operation.Definition{
		operation.Must(operation.Query("country/get", operation.Config{
			Input: codeInput(),
			Uses:  []graph.Namespace{countries},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return c.Graph.From(countries).Query("country").
					Where(map[string]any{"code": c.Input["code"]}).
					Select("code", "name").
					Exec(ctx)
			},
		})),
		operation.Must(operation.Query("country/capital", operation.Config{
			Input:                 codeInput(),
			Uses:                  []graph.Namespace{countries},
			RequireAuthentication: true,
			RBAC:                  authz.Rule{RequireMatchAny: []string{"geo_admin"}},
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return c.Graph.From(countries).Query("country").
					Where(map[string]any{"code": c.Input["code"]}).
					Select("code", "capital").
					Exec(ctx)
			},
		})),
		operation.Must(operation.Query("me", operation.Config{
			RequireAuthentication: true,
			Handler: func(ctx context.Context, c *operation.Context) (any, error) {
				return map[string]any{
					"sub":    c.User.SubjectID,
					"tenant": c.User.TenantID,
					"email":  c.User.Email,
					"roles":  c.User.Roles,
				}, nil
			},
		})),
	}
}

// BaseURL returns the server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request; an empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, data)
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks the status code and closes the body on mismatch.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks the status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
	h.ParseJSON(resp, target)
}

// ErrorEnvelope is the error half of a response.
type ErrorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Namespace string `json:"namespace"`
		TraceID   string `json:"trace_id"`
	} `json:"error"`
}

// AssertError checks the status and the error code of a failed response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	h.AssertJSON(t, resp, status, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", env.Error.Code, code, env.Error.Message)
	}
	return env
}

// --- Default test claims ---

// AdminClaims returns claims for a geo_admin user.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "acme-corp",
		Email:     "admin@acme.example.com",
		Roles:     []string{"geo_admin"},
	}
}

// ViewerClaims returns claims for a user without roles of interest.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"viewer"},
	}
}

// repoRoot returns the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// CountryFixture returns an upstream Country value.
func CountryFixture(code, name, capital string) map[string]any {
	return map[string]any{
		"code":      code,
		"name":      name,
		"capital":   capital,
		"continent": map[string]any{"code": "EU", "name": "Europe"},
	}
}
