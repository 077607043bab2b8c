package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitsTotalIncrementsByResult(t *testing.T) {
	CommitsTotal.WithLabelValues("committed").Add(0) // ensure series exists
	before := testutil.ToFloat64(CommitsTotal.WithLabelValues("committed"))
	CommitsTotal.WithLabelValues("committed").Inc()
	after := testutil.ToFloat64(CommitsTotal.WithLabelValues("committed"))
	assert.Equal(t, before+1, after)
}

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDuration(CommitDuration)
	assert.Positive(t, timer.Duration().Nanoseconds())
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	CacheHitsTotal.Inc()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "neo_cache_hits_total")
}
