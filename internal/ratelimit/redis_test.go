package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestLimiter(t *testing.T, def Config, opts ...RedisOption) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb, def, opts...)
}

func TestRedisLimiter_SlidingWindow(t *testing.T) {
	l := newRedisTestLimiter(t, Config{Window: time.Second, MaxRequests: 3})
	ctx := context.Background()

	want := []bool{true, true, true, false}
	for i, w := range want {
		res, err := l.Check(ctx, "client-a")
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if res.Allowed != w {
			t.Fatalf("check %d: allowed=%v, want %v", i, res.Allowed, w)
		}
	}
}

func TestRedisLimiter_RetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newRedisTestLimiter(t,
		Config{Window: time.Second, MaxRequests: 1},
		WithRedisNow(func() time.Time { return now }),
	)
	ctx := context.Background()

	l.Check(ctx, "client-a")
	now = now.Add(400 * time.Millisecond)

	res, _ := l.Check(ctx, "client-a")
	if res.Allowed {
		t.Fatal("second request inside the window should be rejected")
	}
	if res.RetryAfter != 600*time.Millisecond {
		t.Errorf("retry-after: got %v, want 600ms", res.RetryAfter)
	}
}

func TestRedisLimiter_PeekDoesNotRecord(t *testing.T) {
	l := newRedisTestLimiter(t, Config{Window: time.Second, MaxRequests: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, _ := l.Peek(ctx, "client-a")
		if !res.Allowed || res.Remaining != 1 {
			t.Fatalf("peek %d should not consume quota: %+v", i, res)
		}
	}
}

func TestRedisLimiter_PerKeyOverride(t *testing.T) {
	l := newRedisTestLimiter(t,
		Config{Window: time.Second, MaxRequests: 1},
		WithRedisOverride("premium", Config{Window: time.Second, MaxRequests: 5}),
	)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if res, _ := l.Check(ctx, "premium"); !res.Allowed {
			t.Fatalf("override should admit 5 requests, rejected at %d", i)
		}
	}
	if res, _ := l.Check(ctx, "premium"); res.Allowed {
		t.Error("6th premium request should be rejected")
	}
}

func TestRedisLimiter_OutageAdmits(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLimiter(rdb, Config{Window: time.Second, MaxRequests: 1})

	mr.Close()

	res, err := l.Check(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("outage must not surface an error: %v", err)
	}
	if !res.Allowed {
		t.Error("requests are admitted while Redis is unreachable")
	}
}
