package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ObserveCacheRequest("cache")
		r.ObserveFetchPage("binance", time.Second, 10, nil)
		r.ObserveBacktest("COMPLETED", time.Second)
		r.ObserveSchedulerRun("refresh", nil)
		r.SetCachedCandles("BTCUSDT", "1h", 1)
	})
}

func TestCountersAccumulate(t *testing.T) {
	r := NewRegistry()
	r.ObserveCacheRequest("cache")
	r.ObserveCacheRequest("cache")
	r.ObserveCacheRequest("backfill")
	r.ObserveFetchPage("rest", 10*time.Millisecond, 500, nil)
	r.ObserveFetchPage("rest", 10*time.Millisecond, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.CacheRequests.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CacheRequests.WithLabelValues("backfill")))
	assert.Equal(t, 500.0, testutil.ToFloat64(r.FetchedCandles.WithLabelValues("rest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FetchPages.WithLabelValues("rest", "error")))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	r.ObserveSchedulerRun("prune", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tradelab_scheduler_runs_total")
}
