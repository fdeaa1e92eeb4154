package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCache(client), mr
}

func TestRedisCacheHitMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "cache:missing"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	if err := c.Set(ctx, "cache:k1", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, "cache:k1")
	if !ok || string(got) != "payload" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "cache:k1", []byte("payload"), time.Minute)

	mr.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx, "cache:k1"); ok {
		t.Fatal("hit after TTL expiry")
	}
}

func TestRedisCacheDegradesOnOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := NewRedisCache(client)
	ctx := context.Background()

	mr.Close()

	if _, ok := c.Get(ctx, "cache:k1"); ok {
		t.Fatal("hit while redis is down")
	}
	if err := c.Set(ctx, "cache:k1", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set during outage returned %v, want nil", err)
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("unexpected hit")
	}

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("hit after expiry")
	}

	c.Set(ctx, "k2", []byte("v2"), time.Minute)
	c.Delete(ctx, "k2")
	if _, ok := c.Get(ctx, "k2"); ok {
		t.Fatal("hit after delete")
	}
}

func TestRedisCacheEntriesAndFlush(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "cache:k1", []byte("a"), time.Minute)
	c.Set(ctx, "cache:k2", []byte("b"), time.Minute)
	// Keys outside the cache prefix must survive a flush.
	c.client.Set(ctx, "ratelimit:rpm:key:k1", "3", time.Minute)

	n, err := c.Entries(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Entries = (%d, %v), want (2, nil)", n, err)
	}

	removed, err := c.Flush(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("Flush = (%d, %v), want (2, nil)", removed, err)
	}
	if _, ok := c.Get(ctx, "cache:k1"); ok {
		t.Fatal("hit after flush")
	}
	if used, _ := c.client.Get(ctx, "ratelimit:rpm:key:k1").Result(); used != "3" {
		t.Fatalf("flush touched foreign keyspace: %q", used)
	}
}

func TestMemoryCacheEntriesAndFlush(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	c.Set(ctx, "cache:k1", []byte("a"), time.Minute)
	c.Set(ctx, "cache:k2", []byte("b"), time.Minute)

	if n, _ := c.Entries(ctx); n != 2 {
		t.Fatalf("Entries = %d, want 2", n)
	}
	if removed, _ := c.Flush(ctx); removed != 2 {
		t.Fatalf("Flush removed %d, want 2", removed)
	}
	if n, _ := c.Entries(ctx); n != 0 {
		t.Fatalf("Entries after flush = %d, want 0", n)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	e := &Entry{
		Payload:      []byte(`{"id":"resp-1"}`),
		InputTokens:  12,
		OutputTokens: 34,
		CostUSD:      0.000125,
		Deployment:   "openai-primary",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodeEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeEntry(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.CostUSD != e.CostUSD || got.InputTokens != e.InputTokens || string(got.Payload) != string(e.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeEntryGarbage(t *testing.T) {
	if _, err := DecodeEntry([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExclusionList(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"gpt-4o"},
		[]string{`^realtime-.*`},
	)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		alias string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", false},
		{"realtime-voice", true},
		{"claude-sonnet", false},
	}
	for _, tc := range cases {
		if got := el.Matches(tc.alias); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.alias, got, tc.want)
		}
	}

	var nilList *ExclusionList
	if nilList.Matches("anything") {
		t.Fatal("nil list matched")
	}
}

func TestExclusionListBadPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{"("}); err == nil {
		t.Fatal("expected compile error")
	}
}
