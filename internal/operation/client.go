package operation

import (
	"context"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// Client invokes operations from inside a handler. Calls run the full
// pipeline as internal invocations: internal operations are reachable,
// input is validated as for an external call, and the outer caller's
// identity is used for authentication and role checks.
type Client struct {
	exec    *Executor
	user    *model.RequestContext
	headers map[string]string
	nested  *nestedStreams
}

func newClient(e *Executor, user *model.RequestContext) *Client {
	return &Client{exec: e, user: user, nested: &nestedStreams{}}
}

// WithHeaders returns a client whose nested invocations send the headers to
// data sources in addition to any set before.
func (c *Client) WithHeaders(h map[string]string) *Client {
	cp := *c
	cp.headers = maps.Clone(c.headers)
	if cp.headers == nil {
		cp.headers = make(map[string]string, len(h))
	}
	maps.Copy(cp.headers, h)
	return &cp
}

func (c *Client) context(ctx context.Context) context.Context {
	ctx = model.WithRequestContext(ctx, c.user)
	return withForwardHeaders(ctx, c.headers)
}

// Query invokes a query.
func (c *Client) Query(ctx context.Context, name string, input map[string]any) model.Result {
	return c.exec.Execute(c.context(ctx), CallerInternal, model.KindQuery, name, input)
}

// Mutate invokes a mutation.
func (c *Client) Mutate(ctx context.Context, name string, input map[string]any) model.Result {
	return c.exec.Execute(c.context(ctx), CallerInternal, model.KindMutation, name, input)
}

// Subscribe opens a subscription. It is closed when the consumer closes it
// or, at the latest, when the invoking operation ends.
func (c *Client) Subscribe(ctx context.Context, name string, input map[string]any) (*stream.Stream, *model.OperationError) {
	s, err := c.exec.Stream(c.context(ctx), CallerInternal, name, input)
	if err != nil {
		return nil, err
	}
	if !c.nested.add(s) {
		s.Close()
		return nil, model.NewCancelledError(nil)
	}
	return s, nil
}

// Call is one nested invocation for All.
type Call func(ctx context.Context) model.Result

// QueryCall returns a Call that invokes a query.
func (c *Client) QueryCall(name string, input map[string]any) Call {
	return func(ctx context.Context) model.Result { return c.Query(ctx, name, input) }
}

// MutateCall returns a Call that invokes a mutation.
func (c *Client) MutateCall(name string, input map[string]any) Call {
	return func(ctx context.Context) model.Result { return c.Mutate(ctx, name, input) }
}

// All runs independent calls concurrently and returns their results in call
// order. The first failing call cancels the rest; its error is returned
// along with whatever results are available.
func (c *Client) All(ctx context.Context, calls ...Call) ([]model.Result, error) {
	results := make([]model.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = call(gctx)
			if results[i].Error != nil {
				return results[i].Error
			}
			return nil
		})
	}
	return results, g.Wait()
}

// QueryAs invokes a query and decodes its data into T.
func QueryAs[T any](ctx context.Context, c *Client, name string, input map[string]any) (T, error) {
	var out T
	err := c.Query(ctx, name, input).Decode(&out)
	return out, err
}

// MutateAs invokes a mutation and decodes its data into T.
func MutateAs[T any](ctx context.Context, c *Client, name string, input map[string]any) (T, error) {
	var out T
	err := c.Mutate(ctx, name, input).Decode(&out)
	return out, err
}

// nestedStreams tracks subscriptions opened by one invocation.
type nestedStreams struct {
	mu      sync.Mutex
	streams []*stream.Stream
	closed  bool
}

func (n *nestedStreams) add(s *stream.Stream) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.streams = append(n.streams, s)
	return true
}

func (n *nestedStreams) closeAll() {
	n.mu.Lock()
	streams := n.streams
	n.streams = nil
	n.closed = true
	n.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
