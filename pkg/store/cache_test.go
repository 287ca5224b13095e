package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "mutation:a", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "forever", "2", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "mutation:a"); err != nil || got != "1" {
		t.Fatalf("get = %q, %v", got, err)
	}
	now = now.Add(time.Minute)
	if _, err := c.Get(ctx, "mutation:a"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil at expiry, got %v", err)
	}
	if got, err := c.Get(ctx, "forever"); err != nil || got != "2" {
		t.Fatalf("zero ttl should not expire: %q %v", got, err)
	}
	if err := c.Del(ctx, "forever"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestMemoryCacheSetSweepsExpired(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, k, k, time.Second)
	}
	now = now.Add(2 * time.Second)
	_ = c.Set(ctx, "d", "d", time.Second)
	if c.Len() != 1 {
		t.Fatalf("expected expired keys swept, got %d", c.Len())
	}
}

func TestNewCacheChoosesBackend(t *testing.T) {
	ctx := context.Background()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client should fall back to memory")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewCache(ctx, client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", c)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}

	mr.Close()
	if _, ok := NewCache(ctx, client).(*MemoryCache); !ok {
		t.Fatal("unreachable redis should fall back to memory")
	}
}
