package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/shoplens/internal/domain"
	"github.com/ashureev/shoplens/internal/metrics"
	"github.com/ashureev/shoplens/internal/search"
)

// LoadMore fetches the page after the current cursor and appends it.
//
// It does nothing when the set is complete, no query has been made, the
// first page is still loading, or another page fetch is in flight. Products
// already shown are skipped. On failure the session is left as it was and
// ErrNetworkFailure is returned so the caller can retry.
//
// A session restored while its first page was loading has no results, no
// cursor and is not complete; LoadMore then fetches that first page.
func (c *Controller) LoadMore(ctx context.Context) (domain.Snapshot, error) {
	if err := c.begin(); err != nil {
		return domain.Snapshot{}, err
	}
	if !c.pages.TryAcquire(1) {
		return c.Snapshot(), nil
	}
	defer c.pages.Release(1)

	sess := c.state.Session()
	if sess.Complete || sess.Query == "" || c.state.Searching() {
		return c.Snapshot(), nil
	}
	if sess.Cursor == "" && sess.HasResults() {
		return c.Snapshot(), nil
	}
	generation, cursor := sess.Generation, sess.Cursor

	c.state.setLoadingMore(true)
	c.publishSnapshot()

	start := time.Now()
	page, err := c.backend.Search(ctx, search.Query{Text: sess.Query, Cursor: cursor, Limit: c.pageSize})
	elapsed := time.Since(start)
	c.state.setLoadingMore(false)

	if err != nil {
		if c.state.Session().Generation != generation {
			c.metrics.ObserveSearch(c.backendName, metrics.KindPage, metrics.OutcomeStale, elapsed)
			return c.Snapshot(), nil
		}
		c.metrics.ObserveSearch(c.backendName, metrics.KindPage, metrics.OutcomeError, elapsed)
		c.logger.Warn("Page fetch failed", "generation", generation, "error", err)
		c.state.setNotice("Could not load more results. Please try again.")
		return c.publishSnapshot(), fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}

	var added int
	_, current := c.state.Apply(ctx, func(s *domain.Session) bool {
		if s.Generation != generation || s.Cursor != cursor {
			return false
		}
		before := len(s.Results)
		s.Results = appendUnique(s.Results, page.Products)
		added = len(s.Results) - before
		s.Cursor = page.NextCursor
		s.Complete = page.NextCursor == ""
		return true
	})
	if !current {
		c.metrics.ObserveSearch(c.backendName, metrics.KindPage, metrics.OutcomeStale, elapsed)
		c.logger.Debug("Dropped stale page", "generation", generation)
		return c.publishSnapshot(), nil
	}
	c.metrics.ObserveSearch(c.backendName, metrics.KindPage, metrics.OutcomeOK, elapsed)
	c.logger.Debug("Page appended", "generation", generation, "added", added, "complete", page.NextCursor == "")
	return c.publishSnapshot(), nil
}
