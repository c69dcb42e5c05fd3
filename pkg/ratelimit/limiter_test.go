package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestWindowLimiter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewWindow(time.Minute)
	limiter.now = func() time.Time { return now }
	key := "lead@example.com:decision"

	first := limiter.Allow(context.Background(), key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(context.Background(), key, 2)
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(context.Background(), key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if got := third.RetryAfter(now.Add(30 * time.Second)); got != 31*time.Second {
		t.Fatalf("retry after = %s, want 31s", got)
	}

	now = now.Add(61 * time.Second)
	reset := limiter.Allow(context.Background(), key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestWindowLimitFloor(t *testing.T) {
	t.Parallel()

	decision := NewWindow(0).Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", decision)
	}
}

func TestRedisLimiter(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedis(client, time.Second, zerolog.Nop())

	for i := 1; i <= 2; i++ {
		if d := limiter.Allow(context.Background(), "dev@example.com", 2); !d.Allowed || d.Count != i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if d := limiter.Allow(context.Background(), "dev@example.com", 2); d.Allowed {
		t.Fatalf("third call should be limited: %+v", d)
	}
	if !mr.Exists("rl:dev@example.com") {
		t.Fatal("expected the window key in redis")
	}
	mr.FastForward(2 * time.Second)
	if d := limiter.Allow(context.Background(), "dev@example.com", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedis(client, time.Minute, zerolog.Nop())

	if d := limiter.Allow(context.Background(), "dev@example.com", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected local allow on outage, got %+v", d)
	}
	if d := limiter.Allow(context.Background(), "dev@example.com", 1); d.Allowed {
		t.Fatalf("local fallback should still enforce the limit, got %+v", d)
	}

	open := &Redis{Window: time.Minute}
	if d := open.Allow(context.Background(), "k", 3); !d.Allowed || d.Remaining != 3 {
		t.Fatalf("no client and no fallback should allow, got %+v", d)
	}
}
