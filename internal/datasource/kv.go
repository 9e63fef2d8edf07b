package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// kvSchema is the fixed surface of every key-value namespace. Values are
// stored as JSON documents.
const kvSchema = `
scalar JSON

type Entry {
  key: String!
  value: JSON
  ttl: Int
}

type Message {
  channel: String!
  payload: JSON
}

type Query {
  get(key: String!): Entry
  exists(key: String!): Boolean!
  keys(pattern: String = "*", limit: Int = 100): [String!]!
}

type Mutation {
  set(key: String!, value: JSON!, ttl: Int): Entry!
  delete(key: String!): Boolean!
  publish(channel: String!, payload: JSON!): Int!
}

type Subscription {
  watch(channel: String!): Message!
}
`

// KV is a Redis backed key-value namespace. Keys and channels are scoped
// by the configured key prefix.
type KV struct {
	desc   *graph.Descriptor
	rdb    redis.UniversalClient
	prefix string
	guard  *Guard
	logger *zap.Logger
}

// NewRedisClient opens a client for the namespace settings.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{Addr: cfg.Address(), DB: cfg.DB}
	if cfg.PasswordEnv != "" {
		opts.Password = os.Getenv(cfg.PasswordEnv)
	}
	return redis.NewClient(opts)
}

// NewKV builds a key-value source over rdb.
func NewKV(ns graph.Namespace, cfg config.DataSourceConfig, rdb redis.UniversalClient, opts Options) (*KV, error) {
	desc, err := graph.LoadSDL(ns, kvSchema)
	if err != nil {
		return nil, err
	}
	desc.Kind = graph.SourceKV
	return &KV{
		desc:   desc,
		rdb:    rdb,
		prefix: cfg.Redis.KeyPrefix,
		guard:  NewGuard(ns, cfg, opts.logger(), opts.Metrics),
		logger: opts.logger().With(zap.String("namespace", string(ns))),
	}, nil
}

// Descriptor implements graph.Source.
func (s *KV) Descriptor() *graph.Descriptor {
	return s.desc
}

// Check pings the server.
func (s *KV) Check(ctx context.Context) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	})
}

// Close releases the client.
func (s *KV) Close() error {
	return s.rdb.Close()
}

// Execute implements graph.Source.
func (s *KV) Execute(ctx context.Context, plan *graph.Plan) (any, error) {
	var out any
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.execute(ctx, plan)
		return err
	})
	return out, err
}

func (s *KV) execute(ctx context.Context, plan *graph.Plan) (any, error) {
	args := plan.Args
	switch plan.Field.Name {
	case "get":
		key := stringArg(args, "key")
		pipe := s.rdb.Pipeline()
		get := pipe.Get(ctx, s.prefix+key)
		ttl := pipe.TTL(ctx, s.prefix+key)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		raw, err := get.Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return entry(key, raw, ttl.Val()), nil

	case "exists":
		n, err := s.rdb.Exists(ctx, s.prefix+stringArg(args, "key")).Result()
		return n > 0, err

	case "keys":
		pattern := stringArg(args, "pattern")
		if pattern == "" {
			pattern = "*"
		}
		limit := intArg(args, "limit", 100)
		keys := make([]string, 0)
		iter := s.rdb.Scan(ctx, 0, s.prefix+pattern, 100).Iterator()
		for iter.Next(ctx) && int64(len(keys)) < limit {
			keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
		}
		return toAnySlice(keys), iter.Err()

	case "set":
		key := stringArg(args, "key")
		raw, err := json.Marshal(args["value"])
		if err != nil {
			return nil, model.NewBadRequestError("value is not JSON encodable")
		}
		ttl := time.Duration(intArg(args, "ttl", 0)) * time.Second
		if err := s.rdb.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
			return nil, err
		}
		if ttl == 0 {
			ttl = -1
		}
		return entry(key, string(raw), ttl), nil

	case "delete":
		n, err := s.rdb.Del(ctx, s.prefix+stringArg(args, "key")).Result()
		return n > 0, err

	case "publish":
		raw, err := json.Marshal(args["payload"])
		if err != nil {
			return nil, model.NewBadRequestError("payload is not JSON encodable")
		}
		return s.rdb.Publish(ctx, s.prefix+stringArg(args, "channel"), raw).Result()
	}
	return nil, model.NewNotFoundError(fmt.Sprintf("field %q not found", plan.Field.Name))
}

// Subscribe implements graph.Source. The channel subscription is confirmed
// before the stream is returned.
func (s *KV) Subscribe(ctx context.Context, plan *graph.Plan) (*stream.Stream, error) {
	if plan.Field.Name != "watch" {
		return nil, model.NewNotFoundError(fmt.Sprintf("field %q not found", plan.Field.Name))
	}
	channel := stringArg(plan.Args, "channel")

	var ps *redis.PubSub
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		ps = s.rdb.Subscribe(ctx, s.prefix+channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	producer := func(ctx context.Context, emit stream.Emit) error {
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				if err := emit(map[string]any{
					"channel": strings.TrimPrefix(msg.Channel, s.prefix),
					"payload": decodeValue(msg.Payload),
				}); err != nil {
					return err
				}
			}
		}
	}
	return stream.New(ctx, producer,
		stream.WithName(string(s.desc.Namespace)+".watch"),
		stream.WithLogger(s.logger),
		stream.OnCleanup(func() { ps.Close() }),
	), nil
}

func entry(key, raw string, ttl time.Duration) map[string]any {
	e := map[string]any{"key": key, "value": decodeValue(raw), "ttl": nil}
	if ttl > 0 {
		e["ttl"] = int64(ttl / time.Second)
	}
	return e
}

// decodeValue returns the JSON document in raw, or raw itself when it is
// not JSON.
func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func intArg(args map[string]any, name string, def int64) int64 {
	switch v := args[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return def
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
