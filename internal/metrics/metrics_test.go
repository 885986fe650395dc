package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSearch(t *testing.T) {
	m := New()

	m.ObserveSearch("http", KindInitial, OutcomeOK, 20*time.Millisecond)
	m.ObserveSearch("http", KindRefine, OutcomeStale, 0)
	m.ObserveSearch("http", KindRefine, OutcomeStale, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Searches.WithLabelValues(KindInitial, OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Searches.WithLabelValues(KindRefine, OutcomeStale)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SearchDuration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.ObserveSearch("grpc", KindPage, OutcomeError, time.Second) })
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SessionsActive.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "shoplens_sessions_active 3"))
}
