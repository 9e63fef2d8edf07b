package operation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/model"
)

// Context is what a handler gets to work with. It is created per
// invocation and must not be retained after the handler returns.
type Context struct {
	// Name and Kind identify the running operation.
	Name string
	Kind model.OperationKind
	// Input is the validated input.
	Input map[string]any
	// User is the caller's identity; nil or unauthenticated for anonymous
	// callers of operations that allow them.
	User *model.RequestContext
	// Log is named after the operation and carries request fields.
	Log *zap.Logger
	// Graph builds data-source requests.
	Graph graph.Builder
	// Operations invokes other operations, including internal ones.
	Operations *Client
}

// Bind decodes the handler input into T.
func Bind[T any](c *Context) (T, error) {
	var out T
	raw, err := json.Marshal(c.Input)
	if err != nil {
		return out, model.NewBadRequestError(fmt.Sprintf("encoding input: %v", err))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, model.NewBadRequestError(fmt.Sprintf("input does not fit %T: %v", out, err))
	}
	return out, nil
}

// maxDepth bounds chains of operations invoking each other.
const maxDepth = 16

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

type headersKey struct{}

// withForwardHeaders attaches headers that nested invocations send to data
// sources.
func withForwardHeaders(ctx context.Context, h map[string]string) context.Context {
	if len(h) == 0 {
		return ctx
	}
	merged := make(map[string]string, len(h))
	for k, v := range forwardHeadersFrom(ctx) {
		merged[k] = v
	}
	for k, v := range h {
		merged[k] = v
	}
	return context.WithValue(ctx, headersKey{}, merged)
}

func forwardHeadersFrom(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h
}
