package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/operation"
	"github.com/pitabwire/opgraph/internal/stream"
)

const (
	countriesNS graph.Namespace = "countries"

	counterInterval = time.Second
)

// operations returns the operations served by the binary. Operations that
// need the countries namespace are only registered when it is configured.
func operations(cat *graph.Catalog) []*operation.Definition {
	return operationsWithInterval(cat, counterInterval)
}

func operationsWithInterval(cat *graph.Catalog, interval time.Duration) []*operation.Definition {
	defs := []*operation.Definition{counter(interval)}
	if cat.Has(countriesNS) {
		defs = append(defs, countryGet(), countryLookup(), countrySummary())
	}
	return defs
}

func codeInput() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("code", openapi3.NewStringSchema().WithMinLength(2).WithMaxLength(2)).
		WithRequired([]string{"code"})
}

// countryGet returns the code of a country, or null when it is unknown.
func countryGet() *operation.Definition {
	return operation.Must(operation.Query("country/get", operation.Config{
		Input: codeInput(),
		Response: openapi3.NewObjectSchema().
			WithNullable().
			WithProperty("code", openapi3.NewStringSchema()),
		Uses:  []graph.Namespace{countriesNS},
		Cache: operation.CachePolicy{Enable: true, Public: true, MaxAge: 60, StaleWhileRevalidate: 60},
		Handler: func(ctx context.Context, c *operation.Context) (any, error) {
			return c.Graph.From(countriesNS).Query("country").
				Where(map[string]any{"code": c.Input["code"]}).
				Select("code").
				Exec(ctx)
		},
	}))
}

type country struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Capital string `json:"capital"`
}

// countryLookup is only reachable through the operations client.
func countryLookup() *operation.Definition {
	return operation.Must(operation.Query("internal/country/lookup", operation.Config{
		Input: codeInput(),
		Uses:  []graph.Namespace{countriesNS},
		Handler: func(ctx context.Context, c *operation.Context) (any, error) {
			return c.Graph.From(countriesNS).Query("country").
				Where(map[string]any{"code": c.Input["code"]}).
				Select("code", "name", "capital").
				Exec(ctx)
		},
	}))
}

// countrySummary renders a one-line description built from the internal
// lookup.
func countrySummary() *operation.Definition {
	return operation.Must(operation.Query("country/summary", operation.Config{
		Input: codeInput(),
		Response: openapi3.NewObjectSchema().
			WithProperty("code", openapi3.NewStringSchema()).
			WithProperty("summary", openapi3.NewStringSchema()).
			WithRequired([]string{"code", "summary"}),
		Live: operation.LivePolicy{Enable: true, PollingIntervalSeconds: 30},
		Handler: func(ctx context.Context, c *operation.Context) (any, error) {
			ct, err := operation.QueryAs[*country](ctx, c.Operations, "internal/country/lookup", c.Input)
			if err != nil {
				return nil, err
			}
			if ct == nil {
				return map[string]any{"code": c.Input["code"], "summary": "unknown country"}, nil
			}
			summary := ct.Name
			if ct.Capital != "" {
				summary = fmt.Sprintf("%s (capital %s)", ct.Name, ct.Capital)
			}
			return map[string]any{"code": ct.Code, "summary": summary}, nil
		},
	}))
}

// counter emits {"b": a+i} for i in [0, 3), pausing interval between
// messages.
func counter(interval time.Duration) *operation.Definition {
	return operation.Must(operation.Subscription("counter", operation.Config{
		Input: openapi3.NewObjectSchema().
			WithProperty("a", openapi3.NewIntegerSchema()).
			WithRequired([]string{"a"}),
		Response: openapi3.NewObjectSchema().
			WithProperty("b", openapi3.NewIntegerSchema()).
			WithRequired([]string{"b"}),
		Stream: func(ctx context.Context, c *operation.Context, emit stream.Emit) error {
			defer c.Log.Info("counter cleanup")
			in, err := operation.Bind[struct {
				A int `json:"a"`
			}](c)
			if err != nil {
				return err
			}
			for i := range 3 {
				if i > 0 {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if err := emit(map[string]any{"b": in.A + i}); err != nil {
					return err
				}
			}
			return nil
		},
	}))
}
