package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/store"
)

const persistTimeout = 5 * time.Second

// Mutation edits a private copy of the session. Returning false abandons
// the edit; nothing is stored or persisted.
type Mutation func(s *domain.Session) bool

// State is the single owner of one browsing context's session. Every change
// goes through Apply, which persists the result.
type State struct {
	key    string
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	session     *domain.Session
	pending     uint64 // generation of the first-page search in flight, 0 if none
	loadingMore bool
	notice      string
	closed      bool
}

// NewState creates an empty session for key.
func NewState(key string, repo store.Repository, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		key:     key,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
		session: domain.NewSession(),
	}
}

// Restore loads the persisted snapshot for this key verbatim. It reports
// whether a snapshot was found. Snapshots that fail validation are dropped.
func (st *State) Restore(ctx context.Context) (bool, error) {
	if st.repo == nil {
		return false, nil
	}
	saved, err := st.repo.GetSession(ctx, st.key)
	if err != nil {
		return false, fmt.Errorf("failed to load session snapshot: %w", err)
	}
	if saved == nil {
		return false, nil
	}
	if err := saved.Validate(); err != nil {
		st.logger.Warn("Discarding invalid session snapshot", "session_key", st.key, "error", err)
		if delErr := st.repo.DeleteSession(ctx, st.key); delErr != nil {
			st.logger.Warn("Failed to delete invalid session snapshot", "session_key", st.key, "error", delErr)
		}
		return false, nil
	}

	st.mu.Lock()
	st.session = saved
	st.mu.Unlock()
	return true, nil
}

// Apply runs mutate on a copy of the session and, unless it declines,
// installs and persists the copy. It returns the resulting session and
// whether the mutation was applied. A closed state refuses every mutation.
func (st *State) Apply(ctx context.Context, mutate Mutation) (*domain.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applyLocked(ctx, mutate)
}

// applySearch is Apply for a mutation that starts a first-page search. The
// new generation is marked pending under the same lock that installs it.
func (st *State) applySearch(ctx context.Context, mutate Mutation) (*domain.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next, ok := st.applyLocked(ctx, mutate)
	if ok {
		st.pending = next.Generation
		st.notice = ""
	}
	return next, ok
}

func (st *State) applyLocked(ctx context.Context, mutate Mutation) (*domain.Session, bool) {
	if st.closed {
		return st.session.Clone(), false
	}
	next := st.session.Clone()
	if !mutate(next) {
		return st.session.Clone(), false
	}
	next.UpdatedAt = st.now().UTC()
	st.session = next
	st.persistLocked(ctx)
	return next.Clone(), true
}

// persistLocked writes the current session. Storage is ephemeral, so a
// failed write is logged and the in-memory session stays authoritative.
func (st *State) persistLocked(ctx context.Context) {
	if st.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := st.repo.SaveSession(ctx, st.key, st.session); err != nil {
		st.logger.Warn("Failed to persist session snapshot",
			"session_key", st.key,
			"generation", st.session.Generation,
			"error", err)
	}
}

// Reset clears the conversation and result set and bumps the generation
// so any in-flight response is discarded.
func (st *State) Reset(ctx context.Context) *domain.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return st.session.Clone()
	}

	next := domain.NewSession()
	next.Generation = st.session.Generation + 1
	next.UpdatedAt = st.now().UTC()
	st.session = next
	st.pending = 0
	st.loadingMore = false
	st.notice = ""
	st.persistLocked(ctx)
	return next.Clone()
}

// Close seals the state: later mutations are refused and nothing more is
// persisted, so a search still in flight cannot write the session back.
// With discard the persisted snapshot is removed as well.
func (st *State) Close(ctx context.Context, discard bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	st.pending = 0
	st.loadingMore = false
	if !discard || st.repo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return st.repo.DeleteSession(ctx, st.key)
}

// Session returns a copy of the current session.
func (st *State) Session() *domain.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.Clone()
}

// Searching reports whether a first-page search for the current
// generation is in flight.
func (st *State) Searching() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.searchingLocked()
}

func (st *State) searchingLocked() bool {
	return st.pending != 0 && st.pending == st.session.Generation
}

func (st *State) endSearch(generation uint64) {
	st.mu.Lock()
	if st.pending == generation {
		st.pending = 0
	}
	st.mu.Unlock()
}

func (st *State) setLoadingMore(v bool) {
	st.mu.Lock()
	st.loadingMore = v
	if v {
		st.notice = ""
	}
	st.mu.Unlock()
}

func (st *State) setNotice(notice string) {
	st.mu.Lock()
	st.notice = notice
	st.mu.Unlock()
}

// View builds the presentation snapshot.
func (st *State) View(voiceState string) domain.Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.session.Clone()
	return domain.Snapshot{
		Transcript:  s.Transcript,
		Results:     s.Results,
		Markers:     s.Markers,
		LoadingMore: st.loadingMore,
		Complete:    s.Complete,
		Mode:        s.Mode,
		Searching:   st.searchingLocked(),
		VoiceState:  voiceState,
		Notice:      st.notice,
	}
}
