package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS discovery_sessions (
		session_key TEXT PRIMARY KEY,
		generation INTEGER NOT NULL DEFAULT 0,
		snapshot_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_discovery_sessions_updated ON discovery_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves the snapshot for key.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	query := `SELECT snapshot_json, updated_at FROM discovery_sessions WHERE session_key = ?`

	var snapshotJSON string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&snapshotJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan discovery session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(snapshotJSON), &session); err != nil {
		return nil, fmt.Errorf("decode discovery session %s: %w", key, err)
	}
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// SaveSession creates or replaces the snapshot for key.
func (s *SQLiteStore) SaveSession(ctx context.Context, key string, session *domain.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode discovery session: %w", err)
	}

	query := `
		INSERT INTO discovery_sessions (session_key, generation, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			generation = excluded.generation,
			snapshot_json = excluded.snapshot_json,
			updated_at = excluded.updated_at`

	now := time.Now().Unix()
	return s.withRetry(ctx, "save", key, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		if _, err := s.db.ExecContext(ctx, query, key, int64(session.Generation), string(payload), now, now); err != nil {
			return fmt.Errorf("upsert discovery session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes the snapshot for key.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		if _, err := s.db.ExecContext(ctx, `DELETE FROM discovery_sessions WHERE session_key = ?`, key); err != nil {
			return fmt.Errorf("delete discovery session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes sessions older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM discovery_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// withRetry retries op with exponential backoff on SQLite lock contention.
func (s *SQLiteStore) withRetry(ctx context.Context, action, key string, op func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("SQLite busy, retrying",
			"action", action,
			"session_key", key,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s discovery session %s: %w", action, key, err)
}
