package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/search"
)

// supersededSet is the result set a refinement hid, kept so a failed
// refinement can put it back.
type supersededSet struct {
	results     []domain.Product
	cursor      string
	complete    bool
	markerIndex int
}

// Submit records a user utterance and searches for it. When results are
// showing, the submission refines them: the current set is hidden behind a
// refinement marker and replaced by the first page of the new search.
//
// Responses are tagged with the generation they were issued under; one that
// arrives after a newer submission or a reset is dropped. A failed search
// restores the hidden set and returns ErrNetworkFailure, keeping the user
// entry in the transcript.
func (c *Controller) Submit(ctx context.Context, text string, mode domain.Mode) (domain.Snapshot, error) {
	sub, err := c.BeginSubmit(ctx, text, mode)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return domain.Snapshot{}, err
		}
		return c.Snapshot(), err
	}
	return sub.Await(ctx)
}

// Submission is a query whose user entry is recorded and whose search has
// not run yet.
type Submission struct {
	c          *Controller
	query      string
	mode       domain.Mode
	generation uint64
	hidden     *supersededSet
}

// BeginSubmit validates text, appends the user entry, hides the current
// results and advances the generation. It does not wait on the backend.
// Calling it in arrival order keeps the transcript in submission order even
// when the returned searches are awaited concurrently.
func (c *Controller) BeginSubmit(ctx context.Context, text string, mode domain.Mode) (*Submission, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	query, err := NormalizeQuery(text)
	if err != nil {
		return nil, err
	}

	sub := &Submission{c: c, query: query, mode: mode}
	_, applied := c.state.applySearch(ctx, func(s *domain.Session) bool {
		s.Transcript = append(s.Transcript, domain.TranscriptEntry{Role: domain.RoleUser, Text: query})
		s.Mode = mode
		s.Query = query
		if s.HasResults() {
			sub.hidden = &supersededSet{
				results:     s.Results,
				cursor:      s.Cursor,
				complete:    s.Complete,
				markerIndex: len(s.Markers),
			}
			s.Markers = append(s.Markers, domain.RefinementMarker{
				AfterEntryIndex: len(s.Transcript) - 2,
				SupersededCount: len(s.Results),
			})
			s.Results = []domain.Product{}
			s.Cursor = ""
			s.Complete = false
		}
		s.Generation++
		sub.generation = s.Generation
		return true
	})
	if !applied {
		return nil, ErrClosed
	}
	c.publishSnapshot()
	c.logger.Info("Searching", "kind", sub.kind(), "mode", mode, "generation", sub.generation)
	return sub, nil
}

func (s *Submission) kind() string {
	if s.hidden != nil {
		return metrics.KindRefine
	}
	return metrics.KindInitial
}

// Await runs the search and applies its response unless a newer submission,
// a reset or Close has superseded it.
func (s *Submission) Await(ctx context.Context) (domain.Snapshot, error) {
	c, generation, hidden, kind := s.c, s.generation, s.hidden, s.kind()

	start := time.Now()
	page, searchErr := c.backend.Search(ctx, search.Query{Text: s.query, Limit: c.pageSize})
	elapsed := time.Since(start)

	if searchErr != nil {
		_, current := c.state.Apply(ctx, func(sess *domain.Session) bool {
			if sess.Generation != generation {
				return false
			}
			if hidden != nil {
				sess.Results = hidden.results
				sess.Cursor = hidden.cursor
				sess.Complete = hidden.complete
				if hidden.markerIndex < len(sess.Markers) {
					sess.Markers = append(sess.Markers[:hidden.markerIndex], sess.Markers[hidden.markerIndex+1:]...)
				}
			}
			return true
		})
		if !current {
			c.metrics.ObserveSearch(c.backendName, kind, metrics.OutcomeStale, elapsed)
			return c.Snapshot(), nil
		}
		c.metrics.ObserveSearch(c.backendName, kind, metrics.OutcomeError, elapsed)
		c.logger.Warn("Search failed", "kind", kind, "generation", generation, "error", searchErr)
		c.state.setNotice("Search is unavailable right now. Please try again.")
		c.state.endSearch(generation)
		return c.publishSnapshot(), fmt.Errorf("%w: %w", ErrNetworkFailure, searchErr)
	}

	shown := s.query
	if page.EnhancedQuery != "" {
		shown = page.EnhancedQuery
	}
	var count int
	_, current := c.state.Apply(ctx, func(sess *domain.Session) bool {
		if sess.Generation != generation {
			return false
		}
		sess.Results = appendUnique(nil, page.Products)
		sess.Cursor = page.NextCursor
		sess.Complete = page.NextCursor == ""
		count = len(sess.Results)
		sess.Transcript = append(sess.Transcript, domain.TranscriptEntry{
			Role: domain.RoleAssistant,
			Text: resultSummary(count, shown),
		})
		return true
	})
	if !current {
		c.metrics.ObserveSearch(c.backendName, kind, metrics.OutcomeStale, elapsed)
		c.logger.Debug("Dropped stale search response", "generation", generation)
		return c.Snapshot(), nil
	}
	c.metrics.ObserveSearch(c.backendName, kind, metrics.OutcomeOK, elapsed)
	c.state.endSearch(generation)
	c.stopActiveListening()
	c.logger.Info("Search completed", "kind", kind, "generation", generation, "results", count)
	return c.publishSnapshot(), nil
}

// appendUnique appends products whose ids are not already present.
func appendUnique(dst, src []domain.Product) []domain.Product {
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, p := range dst {
		seen[p.ID] = struct{}{}
	}
	if dst == nil {
		dst = make([]domain.Product, 0, len(src))
	}
	for _, p := range src {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		dst = append(dst, p.Clone())
	}
	return dst
}

func resultSummary(count int, query string) string {
	switch count {
	case 0:
		return fmt.Sprintf(`No results for "%s".`, query)
	case 1:
		return fmt.Sprintf(`Here is 1 result for "%s".`, query)
	default:
		return fmt.Sprintf(`Here are %d results for "%s".`, count, query)
	}
}
