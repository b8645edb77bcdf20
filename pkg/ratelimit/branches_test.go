package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewInMemoryDefaultWindow(t *testing.T) {
	if lim := NewInMemory(0); lim.span != time.Minute {
		t.Fatalf("span = %v, want one minute default", lim.span)
	}
}

func miniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func swapScript(t *testing.T, lua string) {
	t.Helper()
	original := rateLimitScript
	rateLimitScript = redis.NewScript(lua)
	t.Cleanup(func() { rateLimitScript = original })
}

func TestRedisLimiterPermissiveWithoutFallback(t *testing.T) {
	t.Run("nil_client", func(t *testing.T) {
		lim := &RedisLimiter{Window: 2 * time.Second, Prefix: "rl:"}
		got := lim.Allow("k1", 0)
		if !got.Allowed || got.Limit != 1 || got.Count != 0 || got.Remaining != 1 {
			t.Fatalf("expected permissive decision, got %+v", got)
		}
	})

	t.Run("unreachable_redis", func(t *testing.T) {
		lim := &RedisLimiter{
			Client: unreachableRedis(t),
			Window: 2 * time.Second,
			Prefix: "rl:",
		}
		got := lim.Allow("k2", 2)
		if !got.Allowed || got.Count != 0 || got.Limit != 2 {
			t.Fatalf("expected permissive decision on redis error, got %+v", got)
		}
	})

	t.Run("script_returns_wrong_type", func(t *testing.T) {
		_, client := miniredisClient(t)
		swapScript(t, `return "bad-value"`)

		lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Prefix: "rl:"}
		got := lim.Allow("actor:u1", 5)
		if !got.Allowed || got.Count != 0 || got.Limit != 5 {
			t.Fatalf("expected permissive decision for bad script result, got %+v", got)
		}
	})
}

func TestRedisLimiterShortScriptResultUsesFallback(t *testing.T) {
	_, client := miniredisClient(t)
	swapScript(t, `return {1}`)

	lim := NewRedis(client, time.Second)
	lim.Fallback = NewInMemory(time.Second)

	first := lim.Allow("actor:u2", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback to take over, got %+v", first)
	}
	if second := lim.Allow("actor:u2", 1); second.Allowed {
		t.Fatalf("fallback limiter must enforce the limit, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	_, client := miniredisClient(t)
	lim := NewRedis(client, 500*time.Millisecond)
	lim.Prefix = "rl:"

	// A key without expiry makes the script report TTL -1.
	if err := client.Set(context.Background(), lim.Prefix+"actor:u3", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}

	got := lim.Allow("actor:u3", 10)
	if got.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in the future, got %v", got.ResetAt)
	}
}
