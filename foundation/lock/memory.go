package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryLocker builds an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if expiry, ok := m.held[key]; ok && now.Before(expiry) {
		return nil, nil
	}
	m.held[key] = now.Add(ttl)
	return &Lock{key: key, release: m.releaseKey}, nil
}

func (m *MemoryLocker) releaseKey(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.held[key]
	return ok && m.clock().Before(expiry)
}
