package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type catalog struct {
	Names []string `json:"names"`
}

func exercise(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	var got catalog
	if hit, err := c.Get(ctx, "types", &got); err != nil || hit {
		t.Fatalf("expected miss, hit=%v err=%v", hit, err)
	}
	if err := c.Set(ctx, "types", catalog{Names: []string{"ALS", "BLS"}}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	hit, err := c.Get(ctx, "types", &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, hit=%v err=%v", hit, err)
	}
	if len(got.Names) != 2 || got.Names[1] != "BLS" {
		t.Fatalf("unexpected value: %+v", got)
	}
	if err := c.Delete(ctx, "types"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hit, _ := c.Get(ctx, "types", &got); hit {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryCache(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var v int
	if hit, _ := m.Get(ctx, "k", &v); !hit || v != 1 {
		t.Fatalf("expected fresh hit")
	}
	now = now.Add(time.Minute)
	if hit, _ := m.Get(ctx, "k", &v); hit {
		t.Fatalf("expected expiry")
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("DISPATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS not set; skipping redis-backed cache test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	exercise(t, NewRedis(client, "dispatch-test:"))
}
