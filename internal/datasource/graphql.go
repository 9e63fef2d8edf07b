package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// graphql-transport-ws message types.
const (
	wsProtocol       = "graphql-transport-ws"
	wsConnectionInit = "connection_init"
	wsConnectionAck  = "connection_ack"
	wsSubscribe      = "subscribe"
	wsNext           = "next"
	wsError          = "error"
	wsComplete       = "complete"
	wsPing           = "ping"
	wsPong           = "pong"
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors gqlErrors                  `json:"errors"`
}

type gqlError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type gqlErrors []gqlError

func (e gqlErrors) message() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		msgs = append(msgs, ge.Message)
	}
	return strings.Join(msgs, "; ")
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GraphQL is a data source backed by a remote GraphQL endpoint. Queries and
// mutations are sent as HTTP POST; subscriptions use graphql-transport-ws.
type GraphQL struct {
	desc    *graph.Descriptor
	url     string
	wsURL   string
	prefix  string
	client  *http.Client
	guard   *Guard
	headers headerPolicy
	logger  *zap.Logger
}

// NewGraphQL builds a GraphQL source from its schema document. With
// prefix_fields set, only upstream root fields named "<namespace>_<field>"
// are exposed, under their unprefixed names.
func NewGraphQL(ns graph.Namespace, cfg config.DataSourceConfig, sdl string, opts Options) (*GraphQL, error) {
	desc, err := graph.LoadSDL(ns, sdl)
	if err != nil {
		return nil, err
	}
	s := &GraphQL{
		desc:    desc,
		url:     cfg.URL,
		wsURL:   cfg.SubscriptionURL,
		client:  newHTTPClient(),
		guard:   NewGuard(ns, cfg, opts.logger(), opts.Metrics),
		headers: headerPolicy{static: cfg.Headers, forward: cfg.ForwardHeaders},
		logger:  opts.logger().With(zap.String("namespace", string(ns))),
	}
	if s.wsURL == "" {
		s.wsURL = websocketURL(cfg.URL)
	}
	if cfg.PrefixFields {
		s.prefix = string(ns) + "_"
		stripRootPrefix(desc, s.prefix)
	}
	return s, nil
}

func stripRootPrefix(d *graph.Descriptor, prefix string) {
	for kind, fields := range d.Roots {
		kept := fields[:0]
		for _, f := range fields {
			if !strings.HasPrefix(f.Name, prefix) {
				continue
			}
			f.Name = strings.TrimPrefix(f.Name, prefix)
			kept = append(kept, f)
		}
		d.Roots[kind] = kept
	}
}

func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Descriptor implements graph.Source.
func (s *GraphQL) Descriptor() *graph.Descriptor {
	return s.desc
}

// Guard returns the namespace guard.
func (s *GraphQL) Guard() *Guard {
	return s.guard
}

func (s *GraphQL) document(plan *graph.Plan) (string, map[string]any, error) {
	doc, vars := plan.Document(s.prefix + plan.Field.Name)
	if err := graph.ValidateDocument(s.desc, doc, vars); err != nil {
		return "", nil, model.NewInternalError("compiled document rejected by the upstream schema").WithCause(err)
	}
	return doc, vars, nil
}

// Execute implements graph.Source.
func (s *GraphQL) Execute(ctx context.Context, plan *graph.Plan) (any, error) {
	doc, vars, err := s.document(plan)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(gqlRequest{Query: doc, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("datasource: encoding request: %w", err)
	}

	var (
		out    any
		appErr error
	)
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		resp, err := doHTTP(ctx, s.client, http.MethodPost, s.url, s.headers.build(ctx, plan.Headers, true), body)
		if err != nil {
			return err
		}
		var r gqlResponse
		if err := json.Unmarshal(resp.body, &r); err != nil {
			if resp.status >= 400 {
				return model.NewDownstreamError(string(s.desc.Namespace), resp.status, upstreamMessage(resp.status, resp.body), nil)
			}
			return model.NewDownstreamError(string(s.desc.Namespace), 0, "invalid GraphQL response", err)
		}
		if resp.status >= 500 {
			return model.NewDownstreamError(string(s.desc.Namespace), resp.status, upstreamMessage(resp.status, resp.body), nil)
		}
		// Field errors are answers, not outages: keep them away from the breaker.
		if len(r.Errors) > 0 {
			appErr = model.NewDownstreamError(string(s.desc.Namespace), 0, r.Errors.message(), nil)
			return nil
		}
		out, err = decodeRaw(r.Data[plan.Field.Name])
		return err
	})
	if err != nil {
		return nil, err
	}
	if appErr != nil {
		return nil, appErr
	}
	return out, nil
}

// Check sends a trivial query to the endpoint.
func (s *GraphQL) Check(ctx context.Context) error {
	body := []byte(`{"query":"{ __typename }"}`)
	return s.guard.Do(ctx, func(ctx context.Context) error {
		resp, err := doHTTP(ctx, s.client, http.MethodPost, s.url, s.headers.build(ctx, nil, true), body)
		if err != nil {
			return err
		}
		if resp.status >= 400 {
			return model.NewDownstreamError(string(s.desc.Namespace), resp.status, upstreamMessage(resp.status, resp.body), nil)
		}
		return nil
	})
}

// Subscribe implements graph.Source. The websocket is dialled eagerly so
// connection failures surface as errors; messages flow once the stream is
// consumed.
func (s *GraphQL) Subscribe(ctx context.Context, plan *graph.Plan) (*stream.Stream, error) {
	doc, vars, err := s.document(plan)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(gqlRequest{Query: doc, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("datasource: encoding request: %w", err)
	}

	var conn *websocket.Conn
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		c, err := s.dial(ctx, plan)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	const id = "1"
	if err := conn.WriteJSON(wsMessage{ID: id, Type: wsSubscribe, Payload: payload}); err != nil {
		conn.Close()
		return nil, graph.WrapDownstream(s.desc.Namespace, err)
	}

	ns := string(s.desc.Namespace)
	field := plan.Field.Name
	producer := func(ctx context.Context, emit stream.Emit) error {
		stop := context.AfterFunc(ctx, func() {
			// Unblock the pending read.
			conn.SetReadDeadline(time.Now())
		})
		defer stop()

		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return model.NewDownstreamError(ns, 0, "subscription connection lost", err)
			}
			switch msg.Type {
			case wsNext:
				var r gqlResponse
				if err := json.Unmarshal(msg.Payload, &r); err != nil {
					return model.NewDownstreamError(ns, 0, "invalid subscription payload", err)
				}
				if len(r.Errors) > 0 {
					return model.NewDownstreamError(ns, 0, r.Errors.message(), nil)
				}
				v, err := decodeRaw(r.Data[field])
				if err != nil {
					return err
				}
				if err := emit(v); err != nil {
					return err
				}
			case wsError:
				var errs gqlErrors
				_ = json.Unmarshal(msg.Payload, &errs)
				return model.NewDownstreamError(ns, 0, errs.message(), nil)
			case wsComplete:
				return nil
			case wsPing:
				if err := conn.WriteJSON(wsMessage{Type: wsPong}); err != nil {
					return model.NewDownstreamError(ns, 0, "subscription connection lost", err)
				}
			}
		}
	}

	return stream.New(ctx, producer,
		stream.WithName(ns+"."+field),
		stream.WithLogger(s.logger),
		stream.OnCleanup(func() {
			// Best effort; the peer may already be gone.
			_ = conn.WriteJSON(wsMessage{ID: id, Type: wsComplete})
			conn.Close()
		}),
	), nil
}

func (s *GraphQL) dial(ctx context.Context, plan *graph.Plan) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{wsProtocol},
		HandshakeTimeout: s.guard.timeout,
	}
	header := s.headers.build(ctx, plan.Headers, false)
	header.Del("Accept")

	conn, resp, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, model.NewDownstreamError(string(s.desc.Namespace), resp.StatusCode, "subscription handshake rejected", err)
		}
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	if err := conn.WriteJSON(wsMessage{Type: wsConnectionInit}); err != nil {
		conn.Close()
		return nil, err
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Type != wsConnectionAck {
		conn.Close()
		return nil, model.NewDownstreamError(string(s.desc.Namespace), 0,
			fmt.Sprintf("expected %s, got %q", wsConnectionAck, ack.Type), nil)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("datasource: decoding field: %w", err)
	}
	return v, nil
}
