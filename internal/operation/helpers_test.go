package operation

import (
	"context"
	"sync"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

const countriesSDL = `
type Query {
  country(code: ID!): Country
}

type Country {
  code: ID!
  name: String!
  capital: String
}
`

// countrySource answers country(code) from a fixed table.
type countrySource struct {
	desc *graph.Descriptor

	mu      sync.Mutex
	calls   int
	headers []map[string]string
}

var countries = map[string]map[string]any{
	"DE": {"code": "DE", "name": "Germany", "capital": "Berlin"},
	"FR": {"code": "FR", "name": "France", "capital": "Paris"},
}

func newCountrySource(t *testing.T) *countrySource {
	t.Helper()
	d, err := graph.LoadSDL("countries", countriesSDL)
	if err != nil {
		t.Fatalf("LoadSDL() error = %v", err)
	}
	return &countrySource{desc: d}
}

func (s *countrySource) Descriptor() *graph.Descriptor { return s.desc }

func (s *countrySource) Execute(_ context.Context, plan *graph.Plan) (any, error) {
	s.mu.Lock()
	s.calls++
	h := map[string]string{}
	for k := range plan.Headers {
		h[k] = plan.Headers.Get(k)
	}
	s.headers = append(s.headers, h)
	s.mu.Unlock()

	code, _ := plan.Args["code"].(string)
	if c, ok := countries[code]; ok {
		return c, nil
	}
	return nil, nil
}

func (s *countrySource) Subscribe(context.Context, *graph.Plan) (*stream.Stream, error) {
	return nil, model.NewBadRequestError("no subscriptions")
}

func (s *countrySource) lastHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

func codeInput() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema().WithMinLength(2).WithMaxLength(2)).
		WithRequired([]string{"code"})
}

// countryGet returns the country/get operation.
func countryGet() *Definition {
	return Must(Query("country/get", Config{
		Input: codeInput(),
		Response: openapi3.NewObjectSchema().
			WithProperty("code", openapi3.NewStringSchema()).
			WithRequired([]string{"code"}),
		Uses: []graph.Namespace{"countries"},
		Handler: func(ctx context.Context, c *Context) (any, error) {
			return c.Graph.From("countries").Query("country").
				Where(map[string]any{"code": c.Input["code"]}).
				Select("code").
				Exec(ctx)
		},
	}))
}

// counter emits {"b": a+i} for i in [0, 3) and logs a cleanup marker when
// it returns.
func counter() *Definition {
	return Must(Subscription("counter", Config{
		Input: openapi3.NewObjectSchema().
			WithProperty("a", openapi3.NewIntegerSchema()).
			WithRequired([]string{"a"}),
		Stream: func(ctx context.Context, c *Context, emit stream.Emit) error {
			defer c.Log.Info("cleanup")
			a := int(c.Input["a"].(float64))
			for i := 0; i < 3; i++ {
				if err := emit(map[string]any{"b": a + i}); err != nil {
					return err
				}
			}
			return nil
		},
	}))
}

type fixture struct {
	exec   *Executor
	source *countrySource
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, defs []*Definition, opts ...Option) *fixture {
	t.Helper()
	src := newCountrySource(t)
	cat, err := graph.NewCatalog([]graph.Source{src})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	reg, err := NewRegistry(cat, defs...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	opts = append([]Option{WithLogger(zap.New(core))}, opts...)
	return &fixture{exec: NewExecutor(reg, cat, opts...), source: src, logs: logs}
}

func user(roles ...string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "user-1",
		TenantID:      "tenant-1",
		Roles:         roles,
		CorrelationID: "corr-1",
	})
}

func wantCode(t *testing.T, res model.Result, code string) {
	t.Helper()
	if res.Error == nil {
		t.Fatalf("result = %#v, want error %s", res.Data, code)
	}
	if res.Error.Code != code {
		t.Fatalf("error = %v, want code %s", res.Error, code)
	}
}
