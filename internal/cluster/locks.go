package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-triage/internal/cache"
)

// KeyedMutex serializes work per key inside one process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the matching unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ErrLockTimeout is returned when a distributed lock cannot be acquired before the context ends.
var ErrLockTimeout = errors.New("cluster lock not acquired")

// Locker combines the in-process keyed mutex with a cache-backed lease so merges on the same
// fingerprint are single-writer across replicas when a shared cache is configured.
type Locker struct {
	local *KeyedMutex
	cache cache.Provider
	ttl   time.Duration
	poll  time.Duration
}

// NewLocker builds a Locker. A nil provider behaves like cache.NoopProvider.
func NewLocker(provider cache.Provider, ttl time.Duration) *Locker {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{local: NewKeyedMutex(), cache: provider, ttl: ttl, poll: 25 * time.Millisecond}
}

// Lock acquires the lease for tenant/fingerprint. The returned release must be called exactly once.
func (l *Locker) Lock(ctx context.Context, tenant, fp string) (func(), error) {
	key := fmt.Sprintf("triage:lock:cluster:%s:%s", tenant, fp)
	unlockLocal := l.local.Lock(key)

	token := []byte(uuid.NewString())
	for {
		ok, err := l.cache.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			// Cache outages degrade to process-local locking.
			break
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = cache.ReleaseOwned(releaseCtx, l.cache, key, token)
		unlockLocal()
	}, nil
}
