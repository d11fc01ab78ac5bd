package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-triage/internal/cache"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("fp")
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected single writer, saw %d", maxInside)
	}
	if len(km.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(km.locks))
	}
}

func TestLockerRespectsSharedLease(t *testing.T) {
	provider := cache.NewMemoryProvider()
	a := NewLocker(provider, time.Minute)
	b := NewLocker(provider, time.Minute)

	release, err := a.Lock(context.Background(), "acme", "fp1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "acme", "fp1"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while lease held, got %v", err)
	}

	release()
	releaseB, err := b.Lock(context.Background(), "acme", "fp1")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	releaseB()
}
