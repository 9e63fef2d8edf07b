package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/model"
)

func newTestKV(t *testing.T) (graph.Builder, *KV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	src, err := NewKV("sessions", config.DataSourceConfig{
		Redis: config.RedisConfig{KeyPrefix: "s:"},
	}, rdb, Options{})
	if err != nil {
		t.Fatalf("NewKV() error = %v", err)
	}
	t.Cleanup(func() { src.Close() })
	cat, err := graph.NewCatalog([]graph.Source{src})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return graph.NewBuilder(cat), src, mr
}

func TestKV_setThenGet(t *testing.T) {
	b, _, mr := newTestKV(t)
	ctx := context.Background()
	kv := b.From("sessions")

	_, err := kv.Mutate("set").Where(map[string]any{
		"key":   "u1",
		"value": map[string]any{"name": "Ada", "visits": 3},
		"ttl":   60,
	}).Select("key").Exec(ctx)
	if err != nil {
		t.Fatalf("set error = %v", err)
	}
	if !mr.Exists("s:u1") {
		t.Fatal("key was not written under the prefix")
	}
	if ttl := mr.TTL("s:u1"); ttl != 60*time.Second {
		t.Errorf("ttl = %v, want 60s", ttl)
	}

	got, err := kv.Query("get").Where(map[string]any{"key": "u1"}).Select("key", "value", "ttl").Exec(ctx)
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	e := got.(map[string]any)
	if e["key"] != "u1" || e["ttl"] != int64(60) {
		t.Errorf("entry = %#v", e)
	}
	if v := e["value"].(map[string]any); v["name"] != "Ada" {
		t.Errorf("value = %#v", v)
	}
}

func TestKV_getMissingIsNull(t *testing.T) {
	b, _, _ := newTestKV(t)
	got, err := b.From("sessions").Query("get").Where(map[string]any{"key": "nope"}).Exec(context.Background())
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil", got)
	}
}

func TestKV_existsDeleteKeys(t *testing.T) {
	b, _, mr := newTestKV(t)
	ctx := context.Background()
	mr.Set("s:a1", `"x"`)
	mr.Set("s:a2", `"y"`)
	mr.Set("s:b1", `"z"`)
	mr.Set("other:a3", `"w"`)

	kv := b.From("sessions")
	got, err := kv.Query("keys").Where(map[string]any{"pattern": "a*"}).Exec(ctx)
	if err != nil {
		t.Fatalf("keys error = %v", err)
	}
	keys := got.([]any)
	if len(keys) != 2 {
		t.Errorf("keys = %v, want a1 and a2", keys)
	}

	limited, _ := kv.Query("keys").Where(map[string]any{"limit": 1}).Exec(ctx)
	if n := len(limited.([]any)); n != 1 {
		t.Errorf("limited keys = %d, want 1", n)
	}

	exists, _ := kv.Query("exists").Where(map[string]any{"key": "b1"}).Exec(ctx)
	if exists != true {
		t.Errorf("exists(b1) = %v", exists)
	}
	deleted, _ := kv.Mutate("delete").Where(map[string]any{"key": "b1"}).Exec(ctx)
	if deleted != true || mr.Exists("s:b1") {
		t.Errorf("delete(b1) = %v", deleted)
	}
	deleted, _ = kv.Mutate("delete").Where(map[string]any{"key": "b1"}).Exec(ctx)
	if deleted != false {
		t.Errorf("second delete(b1) = %v, want false", deleted)
	}
}

func TestKV_nonJSONValuesAreStrings(t *testing.T) {
	b, _, mr := newTestKV(t)
	mr.Set("s:raw", "plain text")
	got, err := b.From("sessions").Query("get").Where(map[string]any{"key": "raw"}).Select("value").Exec(context.Background())
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if v := got.(map[string]any)["value"]; v != "plain text" {
		t.Errorf("value = %#v", v)
	}
}

func TestKV_watchReceivesPublishedMessages(t *testing.T) {
	b, _, _ := newTestKV(t)
	ctx := context.Background()
	kv := b.From("sessions")

	s, err := kv.Subscribe("watch").Where(map[string]any{"channel": "events"}).Select("channel", "payload").Stream(ctx)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		n, err := kv.Mutate("publish").Where(map[string]any{"channel": "events", "payload": map[string]any{"n": i}}).Exec(ctx)
		if err != nil {
			t.Fatalf("publish error = %v", err)
		}
		if n != int64(1) {
			t.Errorf("receivers = %v, want 1", n)
		}
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		m, ok := s.Next(readCtx)
		if !ok {
			t.Fatalf("stream ended after %d messages", i)
		}
		if m.Error != nil {
			t.Fatalf("message error = %v", m.Error)
		}
		v := m.Data.(map[string]any)
		if v["channel"] != "events" {
			t.Errorf("channel = %v", v["channel"])
		}
		if p := v["payload"].(map[string]any); p["n"] != float64(i) {
			t.Errorf("payload #%d = %v", i, p)
		}
	}
}

func TestKV_check(t *testing.T) {
	_, src, mr := newTestKV(t)
	if err := src.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	mr.Close()
	err := src.Check(context.Background())
	if !model.IsCode(err, model.ErrBackendUnavailable) && !model.IsCode(err, model.ErrDownstream) {
		t.Errorf("Check() after shutdown = %v", err)
	}
}
