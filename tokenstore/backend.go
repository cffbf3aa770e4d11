package tokenstore

import (
	"context"
	"sync"
)

// Backend is the key/value persistence behind a Store.
//
// Update applies set and del as one unit where the backend supports it.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Update(ctx context.Context, set map[string]string, del []string) error
}

// MemoryBackend keeps values in process memory. Its contents do not survive
// a restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryBackend) Update(_ context.Context, set map[string]string, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	for _, k := range del {
		delete(m.values, k)
	}
	for k, v := range set {
		m.values[k] = v
	}
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
