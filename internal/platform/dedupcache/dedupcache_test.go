package dedupcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewWithClient(client, Config{KeyPrefix: "test:seen:", TTL: ttl})
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestCache_MarkAndSeen(t *testing.T) {
	cache, _ := testCache(t, time.Hour)
	ctx := context.Background()

	seen, err := cache.Seen(ctx, "0xc1-100-0xt1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Error("unmarked id reported as seen")
	}

	if err := cache.Mark(ctx, "0xc1-100-0xt1"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	seen, err = cache.Seen(ctx, "0xc1-100-0xt1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if !seen {
		t.Error("marked id not seen")
	}

	seen, err = cache.Seen(ctx, "0xc2-100-0xt1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Error("unrelated id reported as seen")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	cache, mr := testCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.Mark(ctx, "0xc1-100-0xt1"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	seen, err := cache.Seen(ctx, "0xc1-100-0xt1")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Error("expired id still reported as seen")
	}
}
