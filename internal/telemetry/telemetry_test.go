package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/telemetry"
)

func TestProvider_RecordsWindowsAndFetches(t *testing.T) {
	t.Parallel()

	p := telemetry.NewProvider(prometheus.NewRegistry())

	p.RecordWindow("products", "advance", 24*time.Hour)
	p.RecordWindow("products", "shrink", 48*time.Hour)
	p.RecordWindow("products", "shrink", 24*time.Hour)
	p.RecordFetch("products", "success", 3, map[string]int{"server_5xx": 2}, 1, time.Second)
	p.RecordFlush("products", 50)
	p.RecordFlush("products", 50)

	assert.InDelta(t, 2, testutil.ToFloat64(p.Metrics.Halvings.WithLabelValues("products")), 0)
	assert.InDelta(t, 86400, testutil.ToFloat64(p.Metrics.WindowSpan.WithLabelValues("products")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(p.Metrics.FetchAttempts.WithLabelValues("products", "success")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(p.Metrics.Retries.WithLabelValues("products", "server_5xx")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.Metrics.Refreshes.WithLabelValues("products")), 0)
	assert.InDelta(t, 100, testutil.ToFloat64(p.Metrics.RecordsFlushed.WithLabelValues("products")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(p.Metrics.BatchesFlushed.WithLabelValues("products")), 0)
}

func TestProvider_NilIsSafe(t *testing.T) {
	t.Parallel()

	var p *telemetry.Provider

	p.RecordWindow("products", "advance", time.Hour)
	p.RecordSkip("products", time.Hour)
	p.RecordFetch("products", "fatal", 1, nil, 0, time.Second)
	p.RecordRecords("products", 10, 1)
	p.RecordFlush("products", 10)
	p.RecordCheckpoint("products", time.Now(), time.Now())
	p.RecordRun("products", "completed", time.Minute)

	ctx, span := p.StartSpan(t.Context(), "noop")
	span.End()
	assert.Equal(t, t.Context(), ctx)
}

func TestProvider_HandlerServesRegistry(t *testing.T) {
	t.Parallel()

	p := telemetry.NewProvider(prometheus.NewRegistry())
	p.RecordRun("products", "completed", time.Minute)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `api_ingestor_runs_total{resource="products",status="completed"} 1`)
}
