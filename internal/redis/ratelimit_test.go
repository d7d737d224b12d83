package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)
	l := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: time.Minute})
	now := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRateLimiter_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i, res.Remaining, 2-i)
		}
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Allow(ctx, "ip:a"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.Allow(ctx, "ip:a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Errorf("got %+v, want rejected with 0 remaining", res)
	}
	want := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	if !res.ResetAt.Equal(want) {
		t.Errorf("reset = %v, want %v", res.ResetAt, want)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "ip:a"); !res.Allowed {
		t.Fatal("first key should be allowed")
	}
	if res, _ := l.Allow(ctx, "ip:b"); !res.Allowed {
		t.Error("second key should have its own budget")
	}
}

func TestRateLimiter_NextWindowResets(t *testing.T) {
	l, now := newTestLimiter(t, 1)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "ip:a"); !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	if res, _ := l.Allow(ctx, "ip:a"); res.Allowed {
		t.Fatal("second request should be rejected")
	}

	*now = now.Add(time.Minute)
	if res, _ := l.Allow(ctx, "ip:a"); !res.Allowed {
		t.Error("new window should allow again")
	}
}
