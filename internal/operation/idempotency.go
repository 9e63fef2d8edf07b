package operation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/opgraph/model"
)

// DefaultIdempotencyTTL is used when a policy leaves TTL unset.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore remembers mutation results by idempotency key.
type IdempotencyStore interface {
	// Lookup returns the stored result for key. A key stored with a
	// different input hash is a CONFLICT error.
	Lookup(ctx context.Context, key, inputHash string) (*model.Result, bool, error)
	// Save stores a successful result for ttl.
	Save(ctx context.Context, key, inputHash string, result model.Result, ttl time.Duration) error
}

type idempotencyRecord struct {
	InputHash string       `json:"input_hash"`
	Result    model.Result `json:"result"`
}

func (r idempotencyRecord) match(key, inputHash string) (*model.Result, bool, error) {
	if r.InputHash != inputHash {
		return nil, true, model.NewConflictError(fmt.Sprintf("idempotency key %q was used with a different input", key))
	}
	res := r.Result
	return &res, true, nil
}

// IdempotencyKey builds the store key for an operation and client key.
func IdempotencyKey(operation, key string) string {
	return "idem:" + operation + ":" + key
}

func hashInput(input map[string]any) string {
	raw, _ := json.Marshal(input)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the client supplied idempotency key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the idempotency key attached to ctx.
func IdempotencyKeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return k
}

// MemoryIdempotencyStore keeps records in process memory. Expired records
// are dropped on access and by a sweep every sweepEvery saves.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	saves   int
	now     func() time.Time
}

type memoryRecord struct {
	idempotencyRecord
	expires time.Time
}

const sweepEvery = 256

// NewMemoryIdempotencyStore returns an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]memoryRecord), now: time.Now}
}

// Lookup implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key, inputHash string) (*model.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(rec.expires) {
		delete(s.records, key)
		return nil, false, nil
	}
	return rec.match(key, inputHash)
}

// Save implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Save(_ context.Context, key, inputHash string, result model.Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.records[key] = memoryRecord{
		idempotencyRecord: idempotencyRecord{InputHash: inputHash, Result: result},
		expires:           now.Add(ttl),
	}
	s.saves++
	if s.saves%sweepEvery == 0 {
		for k, rec := range s.records {
			if !now.Before(rec.expires) {
				delete(s.records, k)
			}
		}
	}
	return nil
}

// Len returns the number of records held, expired or not.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// RedisIdempotencyStore keeps records in Redis so replicas share them.
type RedisIdempotencyStore struct {
	rdb redis.UniversalClient
}

// NewRedisIdempotencyStore returns a store over rdb.
func NewRedisIdempotencyStore(rdb redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb}
}

// Lookup implements IdempotencyStore.
func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key, inputHash string) (*model.Result, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("operation: reading idempotency record %q: %w", key, err)
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("operation: decoding idempotency record %q: %w", key, err)
	}
	return rec.match(key, inputHash)
}

// Save implements IdempotencyStore. SETNX keeps the first result when two
// replicas race on the same key.
func (s *RedisIdempotencyStore) Save(ctx context.Context, key, inputHash string, result model.Result, ttl time.Duration) error {
	raw, err := json.Marshal(idempotencyRecord{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("operation: encoding idempotency record: %w", err)
	}
	if err := s.rdb.SetNX(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("operation: writing idempotency record %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
