package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderSetNXAndExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to win, ok=%v err=%v", ok, err)
	}
	ok, _ = c.SetNX(ctx, "k", []byte("b"), time.Minute)
	if ok {
		t.Fatalf("expected second SetNX to lose")
	}

	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "a" {
		t.Fatalf("unexpected value %q err=%v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	ok, _ = c.SetNX(ctx, "k", []byte("c"), 0)
	if !ok {
		t.Fatalf("expected SetNX after expiry to succeed")
	}
}

func TestMemoryProviderDel(t *testing.T) {
	c := NewMemoryProvider()
	ctx := context.Background()
	_ = c.Set(ctx, "k", []byte("v"), 0)
	_ = c.Del(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	ok, err := p.SetNX(context.Background(), "k", nil, 0)
	if !ok || err != nil {
		t.Fatalf("noop SetNX should succeed")
	}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop Get should miss")
	}
}

func TestReleaseOwnedOnMemoryAndNoop(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	_ = c.Set(ctx, "lease", []byte("me"), 0)

	if ok, _ := ReleaseOwned(ctx, c, "lease", []byte("other")); ok {
		t.Fatalf("expected mismatch to keep the lease")
	}
	if ok, err := ReleaseOwned(ctx, c, "lease", []byte("me")); err != nil || !ok {
		t.Fatalf("expected owner release, ok=%v err=%v", ok, err)
	}
	if ok, err := ReleaseOwned(ctx, NoopProvider{}, "lease", []byte("me")); err != nil || ok {
		t.Fatalf("expected noop release to report nothing deleted, ok=%v err=%v", ok, err)
	}
}
