package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// checkSequence drives a limiter through limit=2: two allowed calls, one
// denied, then a fresh window after advance().
func checkSequence(t *testing.T, lim Limiter, key string, advance func()) {
	t.Helper()
	steps := []struct {
		allowed   bool
		count     int
		remaining int
	}{
		{true, 1, 1},
		{true, 2, 0},
		{false, 3, 0},
	}
	for i, want := range steps {
		got := lim.Allow(key, 2)
		if got.Allowed != want.allowed || got.Count != want.count || got.Remaining != want.remaining {
			t.Fatalf("call %d: got %+v, want %+v", i+1, got, want)
		}
	}
	advance()
	if got := lim.Allow(key, 2); !got.Allowed || got.Count != 1 {
		t.Fatalf("expected fresh window after advance, got %+v", got)
	}
}

func TestInMemoryLimiterSequence(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lim := NewInMemory(50 * time.Millisecond)
	lim.Clock = func() time.Time { return now }

	checkSequence(t, lim, "tenant-a:tool:127.0.0.1", func() {
		now = now.Add(70 * time.Millisecond)
	})
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	lim := NewInMemory(time.Minute)
	if got := lim.Allow("k", 0); !got.Allowed || got.Limit != 1 {
		t.Fatalf("limit<=0 should be treated as 1, got %+v", got)
	}
}

func TestRedisLimiterSequence(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 25*time.Millisecond)
	checkSequence(t, lim, "actor:u1", func() {
		mr.FastForward(30 * time.Millisecond)
	})
}

func TestRedisLimiterOutageUsesFallback(t *testing.T) {
	lim := NewRedis(unreachableRedis(t), time.Second)

	first := lim.Allow("actor:u1", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected in-memory fallback allow during outage, got %+v", first)
	}
	if second := lim.Allow("actor:u1", 1); second.Allowed {
		t.Fatalf("fallback limiter must still enforce limits, got %+v", second)
	}
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}
