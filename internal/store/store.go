// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
)

// Repository persists discovery session snapshots keyed by browsing context.
// Storage is ephemeral: snapshots are swept once they exceed the session TTL.
type Repository interface {
	// GetSession retrieves the snapshot for key. Returns nil, nil when absent.
	GetSession(ctx context.Context, key string) (*domain.Session, error)

	// SaveSession creates or replaces the snapshot for key.
	SaveSession(ctx context.Context, key string, session *domain.Session) error

	// DeleteSession removes the snapshot for key.
	DeleteSession(ctx context.Context, key string) error

	// CleanupExpiredSessions removes snapshots not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// New returns a SQLite repository for dbPath, or an in-memory one when
// dbPath is empty or ":memory:".
func New(dbPath string) (Repository, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return NewMemory(), nil
	}
	return NewSQLite(dbPath)
}
