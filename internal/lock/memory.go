package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryMutex is an in-process Mutex. Entries expire after their TTL so a
// crashed holder cannot wedge a conversation.
type MemoryMutex struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	nowFn func() time.Time
}

// NewMemoryMutex creates an empty MemoryMutex.
func NewMemoryMutex() *MemoryMutex {
	return &MemoryMutex{held: make(map[string]memoryEntry), nowFn: time.Now}
}

func (m *MemoryMutex) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if entry, ok := m.held[key]; ok && now.Before(entry.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryMutex) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	entry, ok := m.held[key]
	if !ok || entry.token != token || !now.Before(entry.expires) {
		return false, nil
	}
	entry.expires = now.Add(ttl)
	m.held[key] = entry
	return true, nil
}

func (m *MemoryMutex) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.held[key]; ok && entry.token == token {
		delete(m.held, key)
	}
	return nil
}

// Held reports whether key is currently locked.
func (m *MemoryMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.held[key]
	return ok && m.nowFn().Before(entry.expires)
}
