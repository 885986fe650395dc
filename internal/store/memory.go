package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
)

type memoryEntry struct {
	payload   []byte
	updatedAt time.Time
}

// MemoryStore implements Repository in process memory. Snapshots are stored
// serialized so a restore never shares state with the live session.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

// GetSession retrieves the snapshot for key.
func (m *MemoryStore) GetSession(_ context.Context, key string) (*domain.Session, error) {
	m.mu.Lock()
	entry, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var session domain.Session
	if err := json.Unmarshal(entry.payload, &session); err != nil {
		return nil, fmt.Errorf("decode discovery session %s: %w", key, err)
	}
	session.UpdatedAt = entry.updatedAt
	return &session, nil
}

// SaveSession creates or replaces the snapshot for key.
func (m *MemoryStore) SaveSession(_ context.Context, key string, session *domain.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode discovery session: %w", err)
	}
	m.mu.Lock()
	m.sessions[key] = memoryEntry{payload: payload, updatedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// DeleteSession removes the snapshot for key.
func (m *MemoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// CleanupExpiredSessions removes snapshots not updated within ttl.
func (m *MemoryStore) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.now().Add(-ttl)
	var removed int64
	for key, entry := range m.sessions {
		if entry.updatedAt.Before(threshold) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close drops all snapshots.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.sessions = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}
