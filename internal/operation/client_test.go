package operation

import (
	"context"
	"reflect"
	"testing"

	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

func whoami() *Definition {
	return Must(Query("internal/whoami", Config{
		RequireAuthentication: true,
		Handler: func(_ context.Context, c *Context) (any, error) {
			return map[string]any{"subject": c.User.SubjectID, "tenant": c.User.TenantID}, nil
		},
	}))
}

func TestClient_internalOperationWithPrincipal(t *testing.T) {
	outer := Must(Query("profile", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			res := c.Operations.Query(ctx, "internal/whoami", nil)
			if res.Error != nil {
				return nil, res.Error
			}
			return res.Data, nil
		},
	}))
	f := newFixture(t, []*Definition{outer, whoami()})

	res := f.exec.Query(user(), "profile", nil)
	if res.Error != nil {
		t.Fatalf("Query() error = %v", res.Error)
	}
	want := map[string]any{"subject": "user-1", "tenant": "tenant-1"}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("data = %#v, want %#v", res.Data, want)
	}

	wantCode(t, f.exec.Query(context.Background(), "profile", nil), model.ErrUnauthorized)
	wantCode(t, f.exec.Query(user(), "internal/whoami", nil), model.ErrNotFound)
}

func TestClient_nestedValidationError(t *testing.T) {
	outer := Must(Query("wrapper", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			res := c.Operations.Query(ctx, "country/get", map[string]any{"code": 7})
			return nil, res.Error
		},
	}))
	f := newFixture(t, []*Definition{outer, countryGet()})

	res := f.exec.Query(context.Background(), "wrapper", nil)
	wantCode(t, res, model.ErrValidationError)
	if res.Error.Details[0].Field != "code" {
		t.Errorf("details = %+v, want field code", res.Error.Details)
	}
}

func TestClient_queryAs(t *testing.T) {
	type country struct {
		Code string `json:"code"`
	}
	var got country
	outer := Must(Query("as", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			var err error
			got, err = QueryAs[country](ctx, c.Operations, "country/get", map[string]any{"code": "FR"})
			return nil, err
		},
	}))
	f := newFixture(t, []*Definition{outer, countryGet()})

	if res := f.exec.Query(context.Background(), "as", nil); res.Error != nil {
		t.Fatalf("Query() error = %v", res.Error)
	}
	if got.Code != "FR" {
		t.Errorf("QueryAs() = %+v, want FR", got)
	}
}

func TestClient_all(t *testing.T) {
	outer := Must(Query("both", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			results, err := c.Operations.All(ctx,
				c.Operations.QueryCall("country/get", map[string]any{"code": "DE"}),
				c.Operations.QueryCall("country/get", map[string]any{"code": "FR"}),
			)
			if err != nil {
				return nil, err
			}
			return []any{results[0].Data, results[1].Data}, nil
		},
	}))
	failing := Must(Query("half", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			_, err := c.Operations.All(ctx,
				c.Operations.QueryCall("country/get", map[string]any{"code": "DE"}),
				c.Operations.QueryCall("missing", nil),
			)
			return nil, err
		},
	}))
	f := newFixture(t, []*Definition{outer, failing, countryGet()})

	res := f.exec.Query(context.Background(), "both", nil)
	want := []any{map[string]any{"code": "DE"}, map[string]any{"code": "FR"}}
	if res.Error != nil || !reflect.DeepEqual(res.Data, want) {
		t.Errorf("All() = %+v, want %#v", res, want)
	}
	wantCode(t, f.exec.Query(context.Background(), "half", nil), model.ErrNotFound)
}

func TestClient_forwardsHeaders(t *testing.T) {
	outer := Must(Query("tagged", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			return c.Operations.WithHeaders(map[string]string{"X-Tenant": "t1"}).
				Query(ctx, "country/get", map[string]any{"code": "DE"}).Data, nil
		},
	}))
	f := newFixture(t, []*Definition{outer, countryGet()})

	if res := f.exec.Query(context.Background(), "tagged", nil); res.Error != nil {
		t.Fatalf("Query() error = %v", res.Error)
	}
	if got := f.source.lastHeaders()["X-Tenant"]; got != "t1" {
		t.Errorf("X-Tenant = %q, want t1", got)
	}
}

func TestClient_depthLimit(t *testing.T) {
	loop := Must(Query("internal/loop", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			res := c.Operations.Query(ctx, "internal/loop", nil)
			return nil, res.Error
		},
	}))
	entry := Must(Query("loop", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			return nil, c.Operations.Query(ctx, "internal/loop", nil).Error
		},
	}))
	f := newFixture(t, []*Definition{loop, entry})

	res := f.exec.Query(context.Background(), "loop", nil)
	wantCode(t, res, model.ErrInternalError)
}

func TestClient_nestedSubscriptionClosedWithOperation(t *testing.T) {
	var nested *stream.Stream
	outer := Must(Query("first-tick", Config{
		Handler: func(ctx context.Context, c *Context) (any, error) {
			s, oe := c.Operations.Subscribe(ctx, "counter", map[string]any{"a": 10})
			if oe != nil {
				return nil, oe
			}
			nested = s
			m, _ := s.Next(ctx)
			return m.Data, nil
		},
	}))
	f := newFixture(t, []*Definition{outer, counter()})

	res := f.exec.Query(context.Background(), "first-tick", nil)
	if res.Error != nil {
		t.Fatalf("Query() error = %v", res.Error)
	}
	if !reflect.DeepEqual(res.Data, map[string]any{"b": float64(10)}) {
		t.Errorf("data = %#v, want b=10", res.Data)
	}
	select {
	case <-nested.Done():
	default:
		t.Fatal("nested subscription still running after the operation returned")
	}
	if nested.State() != stream.StateCancelled {
		t.Errorf("nested state = %v, want cancelled", nested.State())
	}
	if n := f.logs.FilterMessage("cleanup").Len(); n != 1 {
		t.Errorf("cleanup logs = %d, want 1", n)
	}
}

func TestBind(t *testing.T) {
	type in struct {
		Code string `json:"code"`
		N    int    `json:"n"`
	}
	got, err := Bind[in](&Context{Input: map[string]any{"code": "DE", "n": float64(3)}})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if got.Code != "DE" || got.N != 3 {
		t.Errorf("Bind() = %+v", got)
	}

	_, err = Bind[in](&Context{Input: map[string]any{"n": "x"}})
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("Bind() error = %v, want BAD_REQUEST", err)
	}
}
