package store

import (
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is a goroutine-safe in-memory Backend. It is the reference
// store for tests and for deployments that do not need durability.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{m: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) Set(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, string(key))
	return nil
}

func (b *MemoryBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	b.mu.RLock()
	keys := make([]string, 0, len(b.m))
	for k := range b.m {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	// copy values so fn can run without holding the lock
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), b.m[k]...)
	}
	b.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
