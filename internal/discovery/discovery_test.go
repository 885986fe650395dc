package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/search"
	"github.com/ashureev/shoplens/internal/store"
	"github.com/ashureev/shoplens/internal/voice"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "anon-1:tab-1"

type reply struct {
	page domain.ResultPage
	err  error
}

type pendingCall struct {
	query search.Query
	reply chan reply
}

func (p *pendingCall) respond(page domain.ResultPage, err error) {
	p.reply <- reply{page: page, err: err}
}

// fakeBackend answers from a table keyed by query text and cursor, or,
// when blocking, hands each call to the test to answer.
type fakeBackend struct {
	mu       sync.Mutex
	pages    map[string]reply
	blocking chan *pendingCall
	calls    atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: make(map[string]reply)}
}

func newBlockingBackend() *fakeBackend {
	b := newFakeBackend()
	b.blocking = make(chan *pendingCall, 8)
	return b
}

func (b *fakeBackend) on(text, cursor string, page domain.ResultPage, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[text+"|"+cursor] = reply{page: page, err: err}
}

func (b *fakeBackend) Search(ctx context.Context, q search.Query) (domain.ResultPage, error) {
	b.calls.Add(1)
	if b.blocking != nil {
		call := &pendingCall{query: q, reply: make(chan reply, 1)}
		b.blocking <- call
		select {
		case r := <-call.reply:
			return r.page, r.err
		case <-ctx.Done():
			return domain.ResultPage{}, ctx.Err()
		}
	}
	b.mu.Lock()
	r, ok := b.pages[q.Text+"|"+q.Cursor]
	b.mu.Unlock()
	if !ok {
		return domain.ResultPage{}, errors.New("unexpected query " + q.Text)
	}
	return r.page, r.err
}

func (b *fakeBackend) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case call := <-b.blocking:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a search call")
		return nil
	}
}

type fakeVoice struct {
	mu        sync.Mutex
	state     voice.State
	available bool
	startErr  error
	starts    int
	stops     int
	listener  voice.Listener
	commit    voice.CommitFunc
}

func (v *fakeVoice) factory(_ string, listener voice.Listener, commit voice.CommitFunc) VoiceMachine {
	v.listener = listener
	v.commit = commit
	return v
}

func (v *fakeVoice) Start(context.Context, string) error {
	v.mu.Lock()
	v.starts++
	if v.startErr != nil {
		err := v.startErr
		v.mu.Unlock()
		return err
	}
	v.state = voice.StateListening
	v.mu.Unlock()
	v.listener.VoiceStateChanged(voice.StateListening)
	return nil
}

func (v *fakeVoice) Stop() error {
	v.mu.Lock()
	v.stops++
	wasIdle := v.state == voice.StateIdle
	v.state = voice.StateIdle
	v.mu.Unlock()
	if !wasIdle {
		v.listener.VoiceStateChanged(voice.StateIdle)
	}
	return nil
}

func (v *fakeVoice) State() voice.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *fakeVoice) Available() bool { return v.available }

func (v *fakeVoice) stopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

type harness struct {
	ctrl    *Controller
	backend *fakeBackend
	repo    *store.MemoryStore
	voice   *fakeVoice
	metrics *metrics.Metrics
	opts    Options
}

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		backend: backend,
		repo:    store.NewMemory(),
		voice:   &fakeVoice{state: voice.StateIdle, available: true},
		metrics: metrics.New(),
	}
	h.opts = Options{
		Backend:     backend,
		BackendName: "fake",
		Repo:        h.repo,
		Voice:       h.voice.factory,
		Metrics:     h.metrics,
		PageSize:    2,
	}
	h.ctrl = NewController(testKey, h.opts)
	t.Cleanup(func() { _ = h.ctrl.Close(context.Background(), false) })
	return h
}

func products(ids ...string) []domain.Product {
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Product{ID: id, Title: "Item " + id, Price: "10", ConditionDescription: "New"})
	}
	return out
}

func ids(ps []domain.Product) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestSubmitFirstQuery(t *testing.T) {
	backend := newFakeBackend()
	backend.on("red shoes", "", domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	h := newHarness(t, backend)

	snap, err := h.ctrl.Submit(context.Background(), "  red   shoes ", domain.ModeText)
	require.NoError(t, err)

	want := []domain.TranscriptEntry{
		{Role: domain.RoleUser, Text: "red shoes"},
		{Role: domain.RoleAssistant, Text: `Here are 2 results for "red shoes".`},
	}
	if diff := cmp.Diff(want, snap.Transcript); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a", "b"}, ids(snap.Results))
	assert.False(t, snap.Complete)
	assert.False(t, snap.Searching)
	assert.Empty(t, snap.Markers)

	saved, err := h.repo.GetSession(context.Background(), testKey)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "c1", saved.Cursor)
	assert.Equal(t, uint64(1), saved.Generation)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Searches.WithLabelValues(metrics.KindInitial, metrics.OutcomeOK)))
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend)

	for _, text := range []string{"", "   ", "\t\n", strings.Repeat("x", MaxQueryLength+1)} {
		_, err := h.ctrl.Submit(context.Background(), text, domain.ModeText)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Zero(t, backend.calls.Load())
	assert.Empty(t, h.ctrl.Snapshot().Transcript)
	assert.Zero(t, h.ctrl.state.Session().Generation)
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "“vintage” lamp", want: `"vintage" lamp`},
		{in: "‘blue’ jeans", want: `"blue" jeans`},
		{in: "size 8–10 — cheap…", want: "size 8-10 - cheap."},
		{in: "desk\x00chair\x7f", want: "desk chair"},
		{in: "  many\n\n spaces\there ", want: "many spaces here"},
	}
	for _, tt := range tests {
		got, err := NormalizeQuery(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := NormalizeQuery(strings.Repeat("é", MaxQueryLength))
	assert.NoError(t, err)
}

func TestRefinementReplacesResultsAndRecordsMarker(t *testing.T) {
	backend := newFakeBackend()
	backend.on("shoes", "", domain.ResultPage{Products: products("a", "b", "c")}, nil)
	backend.on("only red", "", domain.ResultPage{Products: products("r1")}, nil)
	h := newHarness(t, backend)

	_, err := h.ctrl.Submit(context.Background(), "shoes", domain.ModeText)
	require.NoError(t, err)
	snap, err := h.ctrl.Submit(context.Background(), "only red", domain.ModeText)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, ids(snap.Results))
	assert.True(t, snap.Complete)
	assert.Equal(t, []domain.RefinementMarker{{AfterEntryIndex: 1, SupersededCount: 3}}, snap.Markers)
	require.Len(t, snap.Transcript, 4)
	assert.Equal(t, "only red", snap.Transcript[2].Text)
	assert.Equal(t, `Here is 1 result for "only red".`, snap.Transcript[3].Text)
}

func TestRefinementHidesResultsWhileSearching(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	go func() { _, _ = h.ctrl.Submit(context.Background(), "lamps", domain.ModeText) }()
	backend.next(t).respond(domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	require.Eventually(t, func() bool { return len(h.ctrl.Snapshot().Results) == 2 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Submit(context.Background(), "brass lamps", domain.ModeText)
		done <- err
	}()
	call := backend.next(t)
	assert.Equal(t, "", call.query.Cursor)

	snap := h.ctrl.Snapshot()
	assert.Empty(t, snap.Results)
	assert.True(t, snap.Searching)
	assert.False(t, snap.Complete)
	assert.Len(t, snap.Markers, 1)

	_, err := h.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load(), "pagination must wait for the first page")

	call.respond(domain.ResultPage{Products: products("x")}, nil)
	require.NoError(t, <-done)
	assert.False(t, h.ctrl.Snapshot().Searching)
}

func TestStaleResponseIsDropped(t *testing.T) {
	for _, order := range []string{"newest first", "oldest first"} {
		t.Run(order, func(t *testing.T) {
			backend := newBlockingBackend()
			h := newHarness(t, backend)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = h.ctrl.Submit(context.Background(), "first", domain.ModeText)
			}()
			first := backend.next(t)
			go func() {
				defer wg.Done()
				_, _ = h.ctrl.Submit(context.Background(), "second", domain.ModeText)
			}()
			second := backend.next(t)

			if order == "newest first" {
				second.respond(domain.ResultPage{Products: products("s1")}, nil)
				require.Eventually(t, func() bool { return len(h.ctrl.Snapshot().Results) == 1 }, 2*time.Second, 5*time.Millisecond)
				first.respond(domain.ResultPage{Products: products("f1", "f2")}, nil)
			} else {
				first.respond(domain.ResultPage{Products: products("f1", "f2")}, nil)
				second.respond(domain.ResultPage{Products: products("s1")}, nil)
			}
			wg.Wait()

			snap := h.ctrl.Snapshot()
			assert.Equal(t, []string{"s1"}, ids(snap.Results))
			assert.Equal(t, []domain.TranscriptEntry{
				{Role: domain.RoleUser, Text: "first"},
				{Role: domain.RoleUser, Text: "second"},
				{Role: domain.RoleAssistant, Text: `Here is 1 result for "second".`},
			}, snap.Transcript)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Searches.WithLabelValues(metrics.KindInitial, metrics.OutcomeStale)))
		})
	}
}

func TestOverlappingSubmitsKeepSearching(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	_, err := h.ctrl.BeginSubmit(context.Background(), "first", domain.ModeText)
	require.NoError(t, err)
	second, err := h.ctrl.BeginSubmit(context.Background(), "second", domain.ModeText)
	require.NoError(t, err)
	assert.True(t, h.ctrl.Snapshot().Searching)

	_, err = h.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, backend.calls.Load(), "pagination must wait for the current first page")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = second.Await(context.Background())
	}()
	backend.next(t).respond(domain.ResultPage{Products: products("s1")}, nil)
	<-done

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.Searching)
	assert.Equal(t, []string{"s1"}, ids(snap.Results))
	assert.Equal(t, "first", snap.Transcript[0].Text)
	assert.Equal(t, "second", snap.Transcript[1].Text)
}

func TestSummaryUsesEnhancedQuery(t *testing.T) {
	backend := newFakeBackend()
	backend.on("something to sit on", "", domain.ResultPage{Products: products("c1"), EnhancedQuery: "chair"}, nil)
	h := newHarness(t, backend)

	snap, err := h.ctrl.Submit(context.Background(), "something to sit on", domain.ModeText)
	require.NoError(t, err)
	require.Len(t, snap.Transcript, 2)
	assert.Equal(t, "something to sit on", snap.Transcript[0].Text)
	assert.Equal(t, `Here is 1 result for "chair".`, snap.Transcript[1].Text)
}

func TestFailedRefinementRestoresPriorResults(t *testing.T) {
	backend := newFakeBackend()
	backend.on("chairs", "", domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	backend.on("oak chairs", "", domain.ResultPage{}, errors.New("connection reset"))
	h := newHarness(t, backend)

	before, err := h.ctrl.Submit(context.Background(), "chairs", domain.ModeText)
	require.NoError(t, err)

	snap, err := h.ctrl.Submit(context.Background(), "oak chairs", domain.ModeText)
	require.ErrorIs(t, err, ErrNetworkFailure)

	assert.Equal(t, ids(before.Results), ids(snap.Results))
	assert.False(t, snap.Complete)
	assert.Empty(t, snap.Markers)
	assert.False(t, snap.Searching)
	assert.NotEmpty(t, snap.Notice)
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, "oak chairs", snap.Transcript[2].Text)
	assert.Equal(t, "c1", h.ctrl.state.Session().Cursor)
}

func TestLoadMoreAppendsAndDeduplicates(t *testing.T) {
	backend := newFakeBackend()
	backend.on("mugs", "", domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	backend.on("mugs", "c1", domain.ResultPage{Products: products("b", "c", "c"), NextCursor: ""}, nil)
	h := newHarness(t, backend)

	_, err := h.ctrl.Submit(context.Background(), "mugs", domain.ModeText)
	require.NoError(t, err)

	snap, err := h.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(snap.Results))
	assert.True(t, snap.Complete)
	assert.Equal(t, "", h.ctrl.state.Session().Cursor)

	_, err = h.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load(), "complete sessions must not fetch")
}

func TestLoadMoreIsSingleFlight(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	go func() { _, _ = h.ctrl.Submit(context.Background(), "vases", domain.ModeText) }()
	backend.next(t).respond(domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	require.Eventually(t, func() bool { return !h.ctrl.Snapshot().Searching && len(h.ctrl.Snapshot().Results) == 2 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.ctrl.LoadMore(context.Background())
	}()
	call := backend.next(t)
	assert.Equal(t, "c1", call.query.Cursor)
	assert.True(t, h.ctrl.Snapshot().LoadingMore)

	_, err := h.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load())

	call.respond(domain.ResultPage{Products: products("c"), NextCursor: "c2"}, nil)
	<-done
	snap := h.ctrl.Snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, ids(snap.Results))
	assert.False(t, snap.LoadingMore)
	assert.False(t, snap.Complete)
}

func TestLoadMoreFailureLeavesStateUnchanged(t *testing.T) {
	backend := newFakeBackend()
	backend.on("rugs", "", domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	backend.on("rugs", "c1", domain.ResultPage{}, errors.New("timeout"))
	h := newHarness(t, backend)

	_, err := h.ctrl.Submit(context.Background(), "rugs", domain.ModeText)
	require.NoError(t, err)
	before := h.ctrl.state.Session()

	snap, err := h.ctrl.LoadMore(context.Background())
	require.ErrorIs(t, err, ErrNetworkFailure)
	assert.NotEmpty(t, snap.Notice)
	assert.False(t, snap.LoadingMore)

	after := h.ctrl.state.Session()
	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(domain.Session{}, "UpdatedAt")); diff != "" {
		t.Fatalf("session changed after failed page (-before +after):\n%s", diff)
	}
}

func TestLoadMoreDropsPageAfterRefinement(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	go func() { _, _ = h.ctrl.Submit(context.Background(), "bowls", domain.ModeText) }()
	backend.next(t).respond(domain.ResultPage{Products: products("a", "b"), NextCursor: "c1"}, nil)
	require.Eventually(t, func() bool { return len(h.ctrl.Snapshot().Results) == 2 }, 2*time.Second, 5*time.Millisecond)

	pageDone := make(chan struct{})
	go func() {
		defer close(pageDone)
		_, _ = h.ctrl.LoadMore(context.Background())
	}()
	page := backend.next(t)

	refineDone := make(chan struct{})
	go func() {
		defer close(refineDone)
		_, _ = h.ctrl.Submit(context.Background(), "ceramic bowls", domain.ModeText)
	}()
	refine := backend.next(t)

	page.respond(domain.ResultPage{Products: products("old")}, nil)
	<-pageDone
	refine.respond(domain.ResultPage{Products: products("new")}, nil)
	<-refineDone

	assert.Equal(t, []string{"new"}, ids(h.ctrl.Snapshot().Results))
}

func TestRestoreIssuesNoSearch(t *testing.T) {
	backend := newFakeBackend()
	backend.on("kettle", "", domain.ResultPage{Products: products("k1", "k2"), NextCursor: "c1"}, nil)
	h := newHarness(t, backend)

	want, err := h.ctrl.Submit(context.Background(), "kettle", domain.ModeText)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Close(context.Background(), false))

	restored := NewController(testKey, h.opts)
	defer restored.Close(context.Background(), false)
	ok, err := restored.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	got := restored.Snapshot()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsRestored))

	p, found := restored.Product("k2")
	require.True(t, found)
	assert.Equal(t, "Item k2", p.Title)
	_, found = restored.Product("missing")
	assert.False(t, found)
}

func TestSeedOnlyAppliesToEmptySession(t *testing.T) {
	backend := newFakeBackend()
	backend.on("desk", "", domain.ResultPage{Products: products("d1")}, nil)
	h := newHarness(t, backend)

	_, err := h.ctrl.Seed(context.Background(), "desk")
	require.NoError(t, err)
	snap, err := h.ctrl.Seed(context.Background(), "desk")
	require.NoError(t, err)

	assert.Len(t, snap.Transcript, 2)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestResetStopsVoiceAndOrphansSearch(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	_, err := h.ctrl.StartVoice(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, string(voice.StateListening), h.ctrl.Snapshot().VoiceState)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.ctrl.Submit(context.Background(), "sofa", domain.ModeText)
	}()
	call := backend.next(t)

	snap, err := h.ctrl.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.voice.stopCount())
	assert.Equal(t, string(voice.StateIdle), snap.VoiceState)
	assert.Empty(t, snap.Transcript)
	assert.False(t, snap.Searching)

	call.respond(domain.ResultPage{Products: products("s1")}, nil)
	<-done

	sess := h.ctrl.state.Session()
	assert.Empty(t, sess.Results)
	assert.Empty(t, sess.Transcript)
	assert.Equal(t, uint64(2), sess.Generation)
}

func TestResultsStopActiveListening(t *testing.T) {
	backend := newFakeBackend()
	backend.on("stool", "", domain.ResultPage{Products: products("s1")}, nil)
	h := newHarness(t, backend)

	_, err := h.ctrl.StartVoice(context.Background(), "")
	require.NoError(t, err)
	_, err = h.ctrl.Submit(context.Background(), "stool", domain.ModeText)
	require.NoError(t, err)

	assert.Equal(t, 1, h.voice.stopCount())
	assert.Equal(t, voice.StateIdle, h.voice.State())
}

func TestVoiceCommitSubmitsUtterance(t *testing.T) {
	backend := newFakeBackend()
	backend.on("green sofa", "", domain.ResultPage{Products: products("g1")}, nil)
	h := newHarness(t, backend)

	h.voice.commit("green sofa")

	snap := h.ctrl.Snapshot()
	assert.Equal(t, domain.ModeVoice, snap.Mode)
	require.NotEmpty(t, snap.Transcript)
	assert.Equal(t, "green sofa", snap.Transcript[0].Text)
	require.Eventually(t, func() bool { return len(h.ctrl.Snapshot().Results) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"g1"}, ids(h.ctrl.Snapshot().Results))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VoiceCommits))
}

func TestVoiceCommitDoesNotWaitForSearch(t *testing.T) {
	backend := newBlockingBackend()
	h := newHarness(t, backend)

	committed := make(chan struct{})
	go func() {
		defer close(committed)
		h.voice.commit("tall lamp")
	}()
	call := backend.next(t)

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("commit blocked on the search")
	}
	assert.True(t, h.ctrl.Snapshot().Searching)

	_, err := h.ctrl.StartVoice(context.Background(), "en")
	require.NoError(t, err)
	h.voice.mu.Lock()
	starts := h.voice.starts
	h.voice.mu.Unlock()
	assert.Equal(t, 1, starts)
	assert.Equal(t, voice.StateListening, h.voice.State())

	call.respond(domain.ResultPage{Products: products("l1")}, nil)
	require.Eventually(t, func() bool { return len(h.ctrl.Snapshot().Results) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestVoiceCommitRejectsEmptyUtterance(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend)
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	h.voice.commit("   ")

	ev := <-events
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "invalid_input", ev.Code)
	assert.Empty(t, h.ctrl.Snapshot().Transcript)
	assert.Zero(t, backend.calls.Load())
}

func TestStartVoiceCapabilityUnavailable(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	h.voice.startErr = voice.ErrCapabilityUnavailable

	snap, err := h.ctrl.StartVoice(context.Background(), "en")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Equal(t, string(voice.StateIdle), snap.VoiceState)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VoiceErrors.WithLabelValues("unavailable")))

	bare := NewController("bare", Options{Backend: newFakeBackend()})
	_, err = bare.StartVoice(context.Background(), "en")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.False(t, bare.VoiceAvailable())
}

func TestVoiceErrorSetsNotice(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	h.voice.listener.VoiceError(voice.ErrRecognition)

	ev := <-events
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "recognition", ev.Code)
	assert.NotEmpty(t, h.ctrl.Snapshot().Notice)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	backend := newFakeBackend()
	backend.on("plant", "", domain.ResultPage{Products: products("p1")}, nil)
	h := newHarness(t, backend)

	events, unsubscribe := h.ctrl.Subscribe()
	_, err := h.ctrl.Submit(context.Background(), "plant", domain.ModeText)
	require.NoError(t, err)

	first := <-events
	require.Equal(t, EventSnapshot, first.Type)
	assert.True(t, first.Snapshot.Searching)
	second := <-events
	require.Equal(t, EventSnapshot, second.Type)
	assert.Equal(t, []string{"p1"}, ids(second.Snapshot.Results))

	unsubscribe()
	_, open := <-events
	assert.False(t, open)
}

func TestClosedControllerRejectsCommands(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	events, _ := h.ctrl.Subscribe()

	require.NoError(t, h.ctrl.Close(context.Background(), true))
	_, open := <-events
	assert.False(t, open)

	_, err := h.ctrl.Submit(context.Background(), "anything", domain.ModeText)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.ctrl.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "invalid_input", ErrorCode(ErrInvalidInput))
	assert.Equal(t, "network", ErrorCode(errors.Join(ErrNetworkFailure, errors.New("x"))))
	assert.Equal(t, "capability_unavailable", ErrorCode(ErrCapabilityUnavailable))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
	assert.Equal(t, "", ErrorCode(nil))
}
