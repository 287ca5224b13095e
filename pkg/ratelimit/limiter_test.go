package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	key := "subject:reviewer-1"

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if other := limiter.Allow("subject:other", 2); !other.Allowed {
		t.Fatalf("keys must not share a window: %+v", other)
	}
	now = now.Add(time.Minute)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestLimitFloorAndDefaults(t *testing.T) {
	if lim := NewInMemory(0); lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
	decision := NewInMemory(time.Minute).Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", decision)
	}
	r := NewRedis(nil, 0)
	if r.Window != time.Minute || r.Prefix != "spine:rl:" || r.Fallback == nil {
		t.Fatalf("unexpected redis defaults %+v", r)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, time.Second)
	key := "ip:10.0.0.1"

	for i := 1; i <= 2; i++ {
		if d := limiter.Allow(key, 2); !d.Allowed || d.Count != i {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if d := limiter.Allow(key, 2); d.Allowed || d.Count != 3 {
		t.Fatalf("expected third call to be limited, got %+v", d)
	}
	if !mr.Exists("spine:rl:" + key) {
		t.Fatal("expected prefixed counter key")
	}
	mr.FastForward(2 * time.Second)
	if d := limiter.Allow(key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", d)
	}
}

func TestRedisLimiterFallbacks(t *testing.T) {
	down := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         "127.0.0.1:1",
			DialTimeout:  5 * time.Millisecond,
			ReadTimeout:  5 * time.Millisecond,
			WriteTimeout: 5 * time.Millisecond,
			MaxRetries:   0,
		})
	}

	t.Run("outage uses in-memory fallback", func(t *testing.T) {
		client := down()
		defer client.Close()
		limiter := NewRedis(client, time.Second)
		if d := limiter.Allow("k", 1); !d.Allowed || d.Count != 1 {
			t.Fatalf("expected fallback allow, got %+v", d)
		}
		if d := limiter.Allow("k", 1); d.Allowed {
			t.Fatalf("expected fallback to enforce limit, got %+v", d)
		}
	})

	t.Run("no client and no fallback allows", func(t *testing.T) {
		limiter := &RedisLimiter{Window: time.Second}
		if d := limiter.Allow("k", 0); !d.Allowed || d.Limit != 1 || d.Count != 0 {
			t.Fatalf("expected permissive decision, got %+v", d)
		}
	})

	t.Run("unexpected script result", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		original := rateLimitScript
		rateLimitScript = redis.NewScript(`return {1}`)
		defer func() { rateLimitScript = original }()

		limiter := NewRedis(client, time.Second)
		limiter.Allow("k", 1)
		if d := limiter.Allow("k", 1); d.Allowed {
			t.Fatalf("expected fallback enforcement on short result, got %+v", d)
		}
	})

	t.Run("key without ttl uses window", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		limiter := NewRedis(client, 500*time.Millisecond)
		if err := client.Set(context.Background(), limiter.Prefix+"k", "1", 0).Err(); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if d := limiter.Allow("k", 10); d.ResetAt.Before(time.Now().UTC()) {
			t.Fatalf("expected resetAt in future, got %v", d.ResetAt)
		}
	})
}

func TestMiddleware(t *testing.T) {
	var served int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	})
	key := func(r *http.Request) string { return r.Header.Get("X-Subject") }
	h := Middleware(NewInMemory(time.Minute), 1, key)(next)

	call := func(subject, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/policy/check", nil)
		req.RemoteAddr = remote
		if subject != "" {
			req.Header.Set("X-Subject", subject)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := call("alice", "10.0.0.1:5000"); rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected first response %d %v", rr.Code, rr.Header())
	}
	rr := call("alice", "10.0.0.2:5000")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rr := call("", "10.0.0.1:5000"); rr.Code != http.StatusNoContent {
		t.Fatalf("anonymous caller keyed by ip should have its own bucket, got %d", rr.Code)
	}
	if rr := call("", "10.0.0.1:6000"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("same ip other port should share bucket, got %d", rr.Code)
	}
	if served != 2 {
		t.Fatalf("served %d", served)
	}
}

func TestMiddlewareNilLimiter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	rr := httptest.NewRecorder()
	Middleware(nil, 1, nil)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("nil limiter must pass through, got %d", rr.Code)
	}
}
