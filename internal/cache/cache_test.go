package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisAdapter(rdb), mr
}

func adapters(t *testing.T) map[string]Adapter {
	r, _ := newTestRedis(t)
	return map[string]Adapter{
		"redis":  r,
		"memory": NewMemoryAdapter(),
	}
}

func TestAdapter_GetMiss(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, err := a.Get(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			_, err = a.GetWithMetadata(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound from GetWithMetadata, got %v", err)
			}
		})
	}
}

func TestAdapter_PutGetWithMetadata(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := a.Put(ctx, "k", []byte("v1"), PutOptions{Metadata: Meta("gen-1")}); err != nil {
				t.Fatalf("put: %v", err)
			}

			e, err := a.GetWithMetadata(ctx, "k")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(e.Value) != "v1" || !e.HasMetadata || e.Metadata != "gen-1" {
				t.Errorf("Expected v1/gen-1, got %q/%q (has=%v)", e.Value, e.Metadata, e.HasMetadata)
			}

			// overwriting without metadata clears it
			if err := a.Put(ctx, "k", []byte("v2"), PutOptions{}); err != nil {
				t.Fatalf("put: %v", err)
			}
			e, err = a.GetWithMetadata(ctx, "k")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(e.Value) != "v2" || e.HasMetadata {
				t.Errorf("Expected v2 without metadata, got %q (has=%v)", e.Value, e.HasMetadata)
			}
		})
	}
}

func TestAdapter_Delete(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = a.Put(ctx, "k", []byte("v"), PutOptions{Metadata: Meta("m")})
			if err := a.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := a.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestRedisAdapter_TTLAppliesToMetadata(t *testing.T) {
	a, mr := newTestRedis(t)
	ctx := context.Background()

	if err := a.Put(ctx, "k", []byte("v"), PutOptions{TTL: time.Minute, Metadata: Meta("m")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("Expected value TTL 1m, got %v", ttl)
	}
	if ttl := mr.TTL("k:metadata"); ttl != time.Minute {
		t.Errorf("Expected metadata TTL 1m, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := a.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expiry, got %v", err)
	}
}

func TestMemoryAdapter_Expiry(t *testing.T) {
	a := NewMemoryAdapter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	_ = a.Put(context.Background(), "k", []byte("v"), PutOptions{TTL: time.Second})
	if _, err := a.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Expected hit, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := a.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expiry, got %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Expected expired entry to be removed, got %d entries", a.Len())
	}
}

func TestGetJSON(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	if err := PutJSON(ctx, a, "p", payload{Name: "x"}, PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := GetJSON[payload](ctx, a, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "x" {
		t.Errorf("Expected x, got %s", got.Name)
	}
}
