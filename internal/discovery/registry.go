package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry holds the live controller of each browsing context.
type Registry struct {
	opts    Options
	onClose func(key string)

	mu     sync.RWMutex
	active map[string]*Controller
}

// NewRegistry creates an empty registry. onClose, if set, runs after a
// controller has been closed and removed.
func NewRegistry(opts Options, onClose func(key string)) *Registry {
	return &Registry{
		opts:    opts,
		onClose: onClose,
		active:  make(map[string]*Controller),
	}
}

// Open returns the controller for key, restoring its snapshot on first use.
// restored reports whether a persisted snapshot was loaded.
func (r *Registry) Open(ctx context.Context, key string) (ctrl *Controller, restored bool, err error) {
	if ctrl := r.Get(key); ctrl != nil {
		return ctrl, false, nil
	}

	ctrl = NewController(key, r.opts)
	restored, err = ctrl.Restore(ctx)
	if err != nil {
		slog.Warn("Session snapshot unavailable, starting fresh", "session_key", key, "error", err)
		restored = false
	}

	r.mu.Lock()
	if existing, ok := r.active[key]; ok {
		r.mu.Unlock()
		_ = ctrl.Close(ctx, false)
		return existing, false, nil
	}
	r.active[key] = ctrl
	count := len(r.active)
	r.mu.Unlock()

	r.setActive(count)
	slog.Info("Discovery session opened", "session_key", key, "restored", restored)
	return ctrl, restored, nil
}

// Get returns the live controller for key, or nil.
func (r *Registry) Get(key string) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[key]
}

// Close closes and removes the controller for key. With discard its
// snapshot is deleted too.
func (r *Registry) Close(ctx context.Context, key string, discard bool) error {
	r.mu.Lock()
	ctrl, ok := r.active[key]
	if ok {
		delete(r.active, key)
	}
	count := len(r.active)
	r.mu.Unlock()

	if !ok {
		if discard && r.opts.Repo != nil {
			return r.opts.Repo.DeleteSession(ctx, key)
		}
		return nil
	}

	r.setActive(count)
	err := ctrl.Close(ctx, discard)
	if r.onClose != nil {
		r.onClose(key)
	}
	slog.Info("Discovery session closed", "session_key", key, "discard", discard)
	return err
}

// EvictIdle closes controllers idle for longer than ttl, keeping their
// snapshots. It returns the evicted keys.
func (r *Registry) EvictIdle(ctx context.Context, ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.RLock()
	var idle []string
	for key, ctrl := range r.active {
		if ctrl.IdleSince().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	r.mu.RUnlock()

	for _, key := range idle {
		if err := r.Close(ctx, key, false); err != nil {
			slog.Warn("Failed to close idle discovery session", "session_key", key, "error", err)
		}
	}
	return idle
}

// CloseAll closes every controller, keeping snapshots. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		if err := r.Close(ctx, key, false); err != nil {
			slog.Warn("Failed to close discovery session", "session_key", key, "error", err)
		}
	}
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *Registry) setActive(count int) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SessionsActive.Set(float64(count))
	}
}
