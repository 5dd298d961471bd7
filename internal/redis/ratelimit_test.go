package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// newAPILimiter builds the per-client limiter the API mounts in front of
// /v1/notifications.
func newAPILimiter(t *testing.T, requests int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRateLimiter(Wrap(rdb, zap.NewNop()), zap.NewNop(), RateLimitConfig{
		Limit:  requests,
		Window: window,
	}), mr
}

func TestRateLimiter_ClientBudget(t *testing.T) {
	for _, limit := range []int{1, 3, 100} {
		limiter, _ := newAPILimiter(t, limit, time.Minute)
		ctx := context.Background()

		for i := 0; i < limit; i++ {
			res, err := limiter.Allow(ctx, "203.0.113.7")
			if err != nil {
				t.Fatalf("limit %d, request %d: %v", limit, i, err)
			}
			if !res.Allowed {
				t.Fatalf("limit %d: request %d should be admitted", limit, i)
			}
			if want := limit - i - 1; res.Remaining != want {
				t.Errorf("limit %d, request %d: remaining %d, want %d", limit, i, res.Remaining, want)
			}
		}

		res, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("limit %d: unexpected error: %v", limit, err)
		}
		if res.Allowed || res.Remaining != 0 {
			t.Errorf("limit %d: request over budget got %+v", limit, res)
		}
		if limiter.Limit() != limit {
			t.Errorf("Limit() = %d, want %d", limiter.Limit(), limit)
		}
	}
}

func TestRateLimiter_ClientsCountedSeparately(t *testing.T) {
	limiter, _ := newAPILimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "198.51.100.1")
	limiter.Allow(ctx, "198.51.100.1")

	res, _ := limiter.Allow(ctx, "198.51.100.2")
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("a second client should have its own budget, got %+v", res)
	}
	if res, _ := limiter.Allow(ctx, "198.51.100.1"); res.Allowed {
		t.Error("first client should still be throttled")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, _ := newAPILimiter(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	if res, _ := limiter.Allow(ctx, "192.0.2.10"); !res.Allowed {
		t.Fatal("first request should be admitted")
	}
	if res, _ := limiter.Allow(ctx, "192.0.2.10"); res.Allowed {
		t.Fatal("second request inside the window should be rejected")
	}

	time.Sleep(80 * time.Millisecond)
	if res, _ := limiter.Allow(ctx, "192.0.2.10"); !res.Allowed {
		t.Fatal("request after the window should be admitted")
	}
}

func TestRateLimiter_KeyExpiresWithWindow(t *testing.T) {
	limiter, mr := newAPILimiter(t, 5, time.Minute)

	before := time.Now()
	res, err := limiter.Allow(context.Background(), "192.0.2.20")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}

	if res.ResetAt.Before(before.Add(time.Minute)) {
		t.Errorf("ResetAt %v should be a window after the request", res.ResetAt)
	}
	if ttl := mr.TTL("ratelimit:192.0.2.20"); ttl != time.Minute+time.Second {
		t.Errorf("key TTL = %v, want window plus one second", ttl)
	}
}

func TestRateLimiter_RedisErrorReturned(t *testing.T) {
	limiter, mr := newAPILimiter(t, 5, time.Minute)
	mr.SetError("LOADING")

	if _, err := limiter.Allow(context.Background(), "192.0.2.30"); err == nil {
		t.Fatal("expected error so the middleware can fail open")
	}
}
