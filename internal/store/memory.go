package store

import (
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Used by tests and single-shot runs.
type MemoryStore struct {
	kvStore
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kvStore{kv: &memKV{data: make(map[string][]byte)}}}
}

type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (m *memKV) get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) put(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *memKV) del(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// scan visits keys in lexical order, matching badger iteration.
func (m *memKV) scan(prefix string, fn func(string, []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0)
	for k := range m.data {
		if hasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.data[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memKV) close() error { return nil }
