package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(def Config, opts ...LimiterOption) (*Limiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	opts = append(opts, WithNow(func() time.Time { return now }))
	l := NewLimiter(def, opts...)
	return l, &now
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l, now := newTestLimiter(Config{Window: time.Second, MaxRequests: 3})
	defer l.Close()
	ctx := context.Background()

	// Four rapid checks: three admitted, fourth rejected.
	want := []bool{true, true, true, false}
	for i, w := range want {
		res, err := l.Check(ctx, "client-a")
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if res.Allowed != w {
			t.Fatalf("check %d: allowed=%v, want %v", i, res.Allowed, w)
		}
		if w {
			wantRemaining := 3 - 1 - i
			if res.Remaining != wantRemaining {
				t.Errorf("check %d: remaining=%d, want %d", i, res.Remaining, wantRemaining)
			}
		} else if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
			t.Errorf("rejection should carry a retry-after within the window, got %v", res.RetryAfter)
		}
	}

	// After the window elapses the key is admitted again.
	*now = now.Add(time.Second + time.Millisecond)
	res, _ := l.Check(ctx, "client-a")
	if !res.Allowed {
		t.Error("request after window expiry should be allowed")
	}
}

func TestLimiter_PeekDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Second, MaxRequests: 2})
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, _ := l.Peek(ctx, "client-a")
		if !res.Allowed || res.Remaining != 1 {
			t.Fatalf("peek %d should not consume quota: %+v", i, res)
		}
	}
	if res, _ := l.Check(ctx, "client-a"); !res.Allowed {
		t.Error("quota should be untouched after peeks")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Window: time.Second, MaxRequests: 1})
	defer l.Close()
	ctx := context.Background()

	l.Check(ctx, "client-a")
	if res, _ := l.Check(ctx, "client-a"); res.Allowed {
		t.Fatal("client-a should be exhausted")
	}
	if res, _ := l.Check(ctx, "client-b"); !res.Allowed {
		t.Error("client-b has its own window")
	}
}

func TestLimiter_PerKeyOverride(t *testing.T) {
	l, _ := newTestLimiter(
		Config{Window: time.Second, MaxRequests: 1},
		WithOverride("premium", Config{Window: time.Second, MaxRequests: 10}),
	)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if res, _ := l.Check(ctx, "premium"); !res.Allowed {
			t.Fatalf("override should admit 10 requests, rejected at %d", i)
		}
	}
	if res, _ := l.Check(ctx, "premium"); res.Allowed {
		t.Error("11th premium request should be rejected")
	}
}

func TestLimiter_UnlimitedWhenUnconfigured(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	defer l.Close()

	for i := 0; i < 100; i++ {
		if res, _ := l.Check(context.Background(), "anyone"); !res.Allowed {
			t.Fatal("zero config means no limiting")
		}
	}
}

func TestLimiter_SweepPurgesIdleWindows(t *testing.T) {
	l, now := newTestLimiter(Config{Window: time.Second, MaxRequests: 3})
	defer l.Close()

	l.Check(context.Background(), "ephemeral")
	*now = now.Add(3 * time.Second) // beyond 2x the longest window
	l.sweep()

	l.mu.RLock()
	_, exists := l.windows["ephemeral"]
	l.mu.RUnlock()
	if exists {
		t.Error("idle empty window should have been purged")
	}
}

func TestLimiter_SweepKeepsActiveWindows(t *testing.T) {
	l, now := newTestLimiter(Config{Window: time.Minute, MaxRequests: 3})
	defer l.Close()

	l.Check(context.Background(), "active")
	*now = now.Add(30 * time.Second)
	l.sweep()

	l.mu.RLock()
	_, exists := l.windows["active"]
	l.mu.RUnlock()
	if !exists {
		t.Error("window with in-window timestamps must survive the sweep")
	}
}
