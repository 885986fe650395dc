package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically closes idle
// controllers and sweeps expired snapshots from storage.
func StartTTLWorker(ctx context.Context, reg *Registry, repo store.Repository, ttl time.Duration, m *metrics.Metrics) {
	startTTLWorker(ctx, reg, repo, ttl, m, ttlWorkerInterval)
}

func startTTLWorker(ctx context.Context, reg *Registry, repo store.Repository, ttl time.Duration, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, reg, repo, ttl, m)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, reg *Registry, repo store.Repository, ttl time.Duration, m *metrics.Metrics) {
	if evicted := reg.EvictIdle(ctx, ttl); len(evicted) > 0 {
		slog.Info("TTL worker closed idle sessions", "count", len(evicted))
	}

	if repo == nil {
		return
	}
	deleted, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during cleanup", "error", err)
			return
		}
		slog.Error("TTL worker failed to cleanup expired snapshots", "error", err)
		return
	}
	if deleted > 0 {
		if m != nil {
			m.SessionsExpired.Add(float64(deleted))
		}
		slog.Info("TTL worker cleaned up expired snapshots", "count", deleted)
	}
}
