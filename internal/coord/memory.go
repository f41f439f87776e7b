package coord

import (
	"context"
	"sync"
)

// MemoryKV is a process-local KV for tests and single-instance mode.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string][]byte
	owners  map[string]string
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string][]byte),
		owners:  make(map[string]string),
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = stored
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.owners, key)
	return nil
}

func (m *MemoryKV) Acquire(ctx context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, held := m.owners[key]; held && current != owner {
		return false, nil
	}
	m.owners[key] = owner
	return true, nil
}

func (m *MemoryKV) Release(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, held := m.owners[key]; held && current == owner {
		delete(m.owners, key)
	}
	return nil
}

var _ KV = (*MemoryKV)(nil)
