package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/search"
	"github.com/ashureev/shoplens/internal/store"
	"github.com/ashureev/shoplens/internal/voice"
	"golang.org/x/sync/semaphore"
)

// commitTimeout bounds the search started by a committed voice utterance.
const commitTimeout = 30 * time.Second

// VoiceMachine is the part of voice.Machine the controller drives.
type VoiceMachine interface {
	Start(ctx context.Context, language string) error
	Stop() error
	State() voice.State
	Available() bool
}

// VoiceFactory builds the voice machine for one session. The machine must
// report to listener and hand committed utterances to commit.
type VoiceFactory func(key string, listener voice.Listener, commit voice.CommitFunc) VoiceMachine

// Options configures a Controller.
type Options struct {
	Backend     search.Backend
	BackendName string
	Repo        store.Repository
	Voice       VoiceFactory
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	PageSize    int
}

// Controller owns one browsing context's discovery session.
type Controller struct {
	key         string
	backend     search.Backend
	backendName string
	pageSize    int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	state *State
	pages *semaphore.Weighted
	voice VoiceMachine

	mu          sync.Mutex
	closed      bool
	voiceState  voice.State
	subscribers map[chan Event]struct{}
	lastActive  time.Time
}

// NewController creates a controller with an empty session. Call Restore
// to load a persisted snapshot.
func NewController(key string, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_key", key)
	pageSize := search.ClampLimit(opts.PageSize)
	backendName := opts.BackendName
	if backendName == "" {
		backendName = "default"
	}

	c := &Controller{
		key:         key,
		backend:     opts.Backend,
		backendName: backendName,
		pageSize:    pageSize,
		metrics:     opts.Metrics,
		logger:      logger,
		state:       NewState(key, opts.Repo, logger),
		pages:       semaphore.NewWeighted(1),
		voiceState:  voice.StateIdle,
		subscribers: make(map[chan Event]struct{}),
		lastActive:  time.Now(),
	}
	if opts.Voice != nil {
		c.voice = opts.Voice(key, voiceListener{c}, c.commitUtterance)
	}
	return c
}

// Key returns the browsing context key.
func (c *Controller) Key() string {
	return c.key
}

// Restore loads the persisted snapshot verbatim. No search is issued.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	restored, err := c.state.Restore(ctx)
	if err != nil {
		return false, err
	}
	if restored && c.metrics != nil {
		c.metrics.SessionsRestored.Inc()
	}
	return restored, nil
}

// Seed submits the pending query a session was opened with. It does nothing
// once the conversation has started.
func (c *Controller) Seed(ctx context.Context, text string) (domain.Snapshot, error) {
	if len(c.state.Session().Transcript) > 0 {
		return c.Snapshot(), nil
	}
	return c.Submit(ctx, text, domain.ModeText)
}

// Snapshot returns the presentation view of the session.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	vs := c.voiceState
	c.mu.Unlock()
	return c.state.View(string(vs))
}

// Product looks up a product in the current results.
func (c *Controller) Product(id string) (domain.Product, bool) {
	c.touch()
	return c.state.Session().FindProduct(id)
}

// Reset discards the conversation and starts over. An active voice cycle is
// stopped and any in-flight search is orphaned.
func (c *Controller) Reset(ctx context.Context) (domain.Snapshot, error) {
	if err := c.begin(); err != nil {
		return domain.Snapshot{}, err
	}
	c.stopVoice()
	sess := c.state.Reset(ctx)
	c.logger.Info("Discovery session reset", "generation", sess.Generation)
	return c.publishSnapshot(), nil
}

// StartVoice begins a listen cycle.
func (c *Controller) StartVoice(ctx context.Context, language string) (domain.Snapshot, error) {
	if err := c.begin(); err != nil {
		return domain.Snapshot{}, err
	}
	if c.voice == nil {
		return c.Snapshot(), ErrCapabilityUnavailable
	}
	if err := c.voice.Start(ctx, language); err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			c.recordVoiceError("unavailable")
		}
		return c.Snapshot(), err
	}
	return c.Snapshot(), nil
}

// StopVoice cancels the active listen cycle without submitting it.
func (c *Controller) StopVoice() (domain.Snapshot, error) {
	if err := c.begin(); err != nil {
		return domain.Snapshot{}, err
	}
	c.stopVoice()
	return c.Snapshot(), nil
}

// VoiceAvailable reports whether StartVoice can succeed.
func (c *Controller) VoiceAvailable() bool {
	return c.voice != nil && c.voice.Available()
}

// Close tears the controller down. With discard the persisted snapshot is
// removed as well; otherwise it stays for a later restore.
func (c *Controller) Close(ctx context.Context, discard bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribers
	c.subscribers = make(map[chan Event]struct{})
	c.mu.Unlock()

	c.stopVoice()
	for ch := range subs {
		close(ch)
	}

	if err := c.state.Close(ctx, discard); err != nil {
		return fmt.Errorf("failed to discard session snapshot: %w", err)
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IdleSince returns the time of the last command.
func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// begin marks activity and rejects commands after Close.
func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.lastActive = time.Now()
	return nil
}

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Controller) stopVoice() {
	if c.voice == nil {
		return
	}
	if err := c.voice.Stop(); err != nil {
		c.logger.Warn("Failed to release voice capture", "error", err)
	}
}

// stopActiveListening stops a cycle that is still capturing. A cycle that
// is committing is left to finish on its own.
func (c *Controller) stopActiveListening() {
	if c.voice == nil {
		return
	}
	switch c.voice.State() {
	case voice.StateStarting, voice.StateListening:
		c.stopVoice()
	}
}

// commitUtterance is the voice machine's commit callback. It records the
// user entry before returning so the machine can go idle, and waits on the
// search in the background.
func (c *Controller) commitUtterance(utterance string) {
	if c.metrics != nil {
		c.metrics.VoiceCommits.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	sub, err := c.BeginSubmit(ctx, utterance, domain.ModeVoice)
	if err != nil {
		cancel()
		c.reportCommitError(err)
		return
	}
	go func() {
		defer cancel()
		if _, err := sub.Await(ctx); err != nil {
			c.reportCommitError(err)
		}
	}()
}

func (c *Controller) reportCommitError(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	c.logger.Warn("Voice submission failed", "error", err)
	c.publish(Event{Type: EventError, Code: ErrorCode(err), Error: err.Error()})
}

func (c *Controller) recordVoiceError(kind string) {
	if c.metrics != nil {
		c.metrics.VoiceErrors.WithLabelValues(kind).Inc()
	}
}

// voiceListener adapts the controller to voice.Listener without exporting
// the callbacks on Controller itself.
type voiceListener struct{ c *Controller }

func (l voiceListener) VoiceStateChanged(state voice.State) {
	l.c.mu.Lock()
	l.c.voiceState = state
	l.c.mu.Unlock()
	l.c.publish(Event{Type: EventVoiceState, VoiceState: string(state)})
}

func (l voiceListener) VoiceInterim(text string) {
	l.c.publish(Event{Type: EventInterim, Text: text})
}

func (l voiceListener) VoiceError(err error) {
	kind := "recognition"
	if errors.Is(err, ErrCapabilityUnavailable) {
		kind = "unavailable"
	}
	l.c.recordVoiceError(kind)
	l.c.logger.Warn("Voice capture failed", "error", err)
	l.c.state.setNotice("Voice input stopped. Please try again.")
	l.c.publish(Event{Type: EventError, Code: ErrorCode(err), Error: err.Error()})
}
