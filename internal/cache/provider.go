// Package cache provides the coordination cache shared by triage replicas: merge leases,
// escalation idempotence keys and cache-aside lookups.
package cache

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// Provider is the key/value surface the triage engine coordinates through.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX reports whether the value was stored because the key was absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// CompareDeleter is implemented by providers that can drop a key only while it still holds an
// expected value, in one step.
type CompareDeleter interface {
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
}

// ReleaseOwned deletes key when it still holds token. Providers without CompareDeleter fall back
// to a read followed by a delete, which can race with a lease that expired in between.
func ReleaseOwned(ctx context.Context, p Provider, key string, token []byte) (bool, error) {
	if cd, ok := p.(CompareDeleter); ok {
		return cd.CompareAndDelete(ctx, key, token)
	}
	current, err := p.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, token) {
		return false, nil
	}
	return true, p.Del(ctx, key)
}

// NoopProvider stores nothing. SetNX always succeeds, so leases and idempotence keys degrade
// to the caller's in-process guarantees.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
