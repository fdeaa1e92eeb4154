package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLimiter(client, nil), mr
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Admit(ctx, "rpm:key:k1", 5, 1, time.Minute)
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request #%d denied, want allowed", i)
		}
	}

	d, err := l.Admit(ctx, "rpm:key:k1", 5, 1, time.Minute)
	if err != nil {
		t.Fatalf("Admit #6: %v", err)
	}
	if d.Allowed {
		t.Fatal("request #6 allowed, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestRedisLimiterWindowReset(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); d.Allowed {
		t.Fatal("second request allowed within window")
	}

	mr.FastForward(time.Minute + time.Second)

	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("request denied after window reset")
	}
}

func TestRedisLimiterTokenUnits(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	d, err := l.Admit(ctx, "tpm:key:k1", 1000, 800, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("first admit: d=%+v err=%v", d, err)
	}
	if d.Remaining != 200 {
		t.Fatalf("Remaining = %d, want 200", d.Remaining)
	}

	d, err = l.Admit(ctx, "tpm:key:k1", 1000, 300, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("overshoot allowed, want denied")
	}
}

func TestRedisLimiterBucketsAreIndependent(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "rpm:key:a", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("key a denied")
	}
	if d, _ := l.Admit(ctx, "rpm:key:b", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("key b denied after key a consumed its own bucket")
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLimiter(client, nil)

	mr.Close()

	d, err := l.Admit(context.Background(), "rpm:key:k1", 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Allowed {
		t.Fatal("denied while redis is down, want fail-open")
	}
}

func TestRedisLimiterUnlimited(t *testing.T) {
	l, _ := newTestRedisLimiter(t)

	for i := 0; i < 100; i++ {
		d, err := l.Admit(context.Background(), "rpm:key:k1", 0, 1, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("unlimited admit #%d: d=%+v err=%v", i, d, err)
		}
	}
}

func TestMemoryLimiter(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := l.Admit(ctx, "rpm:key:k1", 3, 1, time.Minute)
		if !d.Allowed {
			t.Fatalf("request #%d denied", i)
		}
	}

	d, _ := l.Admit(ctx, "rpm:key:k1", 3, 1, time.Minute)
	if d.Allowed {
		t.Fatal("request over limit allowed")
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("RetryAfter = %v, want 1m", d.RetryAfter)
	}

	// Advance past the boundary: window resets in full.
	now = now.Add(time.Minute + time.Second)
	d, _ = l.Admit(ctx, "rpm:key:k1", 3, 1, time.Minute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("after reset: %+v", d)
	}
}

func TestRedisLimiterRefund(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("first request denied")
	}
	if err := l.Refund(ctx, "rpm:key:k1", 1); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("request denied after refund, quota not returned")
	}

	// Refunding more than was consumed floors at zero rather than going
	// negative and widening the window.
	if err := l.Refund(ctx, "rpm:key:k1", 100); err != nil {
		t.Fatalf("over-refund: %v", err)
	}
	if d, _ := l.Admit(ctx, "rpm:key:k1", 2, 2, time.Minute); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("after over-refund: %+v", d)
	}
}

func TestMemoryLimiterTokenUnits(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "tpm:key:k1", 100, 90, time.Minute); !d.Allowed {
		t.Fatal("first admit denied")
	}
	if d, _ := l.Admit(ctx, "tpm:key:k1", 100, 20, time.Minute); d.Allowed {
		t.Fatal("overshoot allowed")
	}
	// Smaller request still fits the remainder.
	if d, _ := l.Admit(ctx, "tpm:key:k1", 100, 10, time.Minute); !d.Allowed {
		t.Fatal("fitting request denied")
	}
}

func TestMemoryLimiterRefund(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("first request denied")
	}
	if err := l.Refund(ctx, "rpm:key:k1", 1); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if d, _ := l.Admit(ctx, "rpm:key:k1", 1, 1, time.Minute); !d.Allowed {
		t.Fatal("request denied after refund, quota not returned")
	}

	// Over-refund floors at zero; unknown buckets are a no-op.
	if err := l.Refund(ctx, "rpm:key:k1", 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Refund(ctx, "rpm:key:unknown", 1); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryLimiterSweepsExpiredWindows(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for _, bucket := range []string{"rpm:key:a", "rpm:key:b", "rpm:key:c"} {
		l.Admit(ctx, bucket, 10, 1, time.Minute)
	}
	if len(l.windows) != 3 {
		t.Fatalf("windows = %d, want 3", len(l.windows))
	}

	// All three windows expire; the next Admit past the sweep interval must
	// drop them instead of letting churned buckets accumulate.
	now = now.Add(2 * time.Minute)
	l.Admit(ctx, "rpm:key:d", 10, 1, time.Minute)

	if len(l.windows) != 1 {
		t.Fatalf("windows after sweep = %d, want only the live bucket", len(l.windows))
	}
	if _, ok := l.windows["rpm:key:d"]; !ok {
		t.Fatal("live bucket missing after sweep")
	}
}
