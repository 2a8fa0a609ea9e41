package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/api"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

const testSecret = "test-secret"

type fakeRuns struct {
	startFunc func(req ingest.Request) (string, error)
	reports   map[string][]*ingest.Report
	running   map[string]string
}

func (f *fakeRuns) Resources() []string { return []string{"orders", "products"} }

func (f *fakeRuns) Has(resource string) bool {
	return resource == "orders" || resource == "products"
}

func (f *fakeRuns) Start(_ context.Context, req ingest.Request) (string, error) {
	if f.startFunc != nil {
		return f.startFunc(req)
	}
	return "run-1", nil
}

func (f *fakeRuns) Running(resource string) (string, bool) {
	id, ok := f.running[resource]
	return id, ok
}

func (f *fakeRuns) Reports(resource string) []*ingest.Report { return f.reports[resource] }

func (f *fakeRuns) Latest() []*ingest.Report {
	var out []*ingest.Report
	for _, r := range f.reports {
		out = append(out, r[0])
	}
	return out
}

func newServer(t *testing.T, runs api.RunService, cfg api.Config) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg.ServiceName = "api-ingestor"
	cfg.ServiceVersion = "test"
	return api.NewServer(t.Context(), cfg, runs, logger.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, path, bytes.NewReader(body))
	require.NoError(t, err)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()

	claims := &api.Claims{
		Sub: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHealth_ReportsChecksAndRunningRuns(t *testing.T) {
	runs := &fakeRuns{running: map[string]string{"products": "run-7"}}
	h := newServer(t, runs, api.Config{
		JWTSecret: testSecret,
		Checks: map[string]api.PingFunc{
			"redis": func(context.Context) error { return nil },
		},
	})

	rec := do(t, h, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, api.HealthStatusHealthy, resp.Status)
	assert.Equal(t, "run-7", resp.Running["products"])
	assert.Equal(t, api.HealthStatusHealthy, resp.Checks["redis"].Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_UnhealthyDependency(t *testing.T) {
	h := newServer(t, &fakeRuns{}, api.Config{
		Checks: map[string]api.PingFunc{
			"elasticsearch": func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rec := do(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("api_ingestor_runs_total 1\n"))
	})
	h := newServer(t, &fakeRuns{}, api.Config{JWTSecret: testSecret, Metrics: metrics})

	rec := do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_ingestor_runs_total")
}

func TestRuns_RequireValidToken(t *testing.T) {
	h := newServer(t, &fakeRuns{}, api.Config{JWTSecret: testSecret})

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "wrong secret", token: signToken(t, "other-secret", time.Hour)},
		{name: "expired", token: signToken(t, testSecret, -time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/runs", nil, tt.token)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec := do(t, h, http.MethodGet, "/api/v1/runs", nil, signToken(t, testSecret, time.Hour))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRuns_ListAndResource(t *testing.T) {
	report := &ingest.Report{RunID: "run-1", Resource: "products", Status: ingest.StatusCompleted, RecordsIngested: 42}
	runs := &fakeRuns{reports: map[string][]*ingest.Report{"products": {report}}}
	h := newServer(t, runs, api.Config{})

	rec := do(t, h, http.MethodGet, "/api/v1/runs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records_ingested":42`)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/products", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Resource string           `json:"resource"`
		Runs     []*ingest.Report `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "products", body.Resource)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].RunID)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/invoices", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
	}{
		{name: "accepted", wantStatus: http.StatusAccepted},
		{name: "explicit range", body: `{"from":"2024-01-01T00:00:00Z","to":"2024-01-02T00:00:00Z"}`, wantStatus: http.StatusAccepted},
		{name: "in progress", startErr: ingest.ErrRunInProgress, wantStatus: http.StatusConflict},
		{name: "unknown", startErr: ingest.ErrUnknownResource, wantStatus: http.StatusNotFound},
		{name: "no checkpoint", body: `{"resume":true}`, startErr: ingest.ErrNoCheckpoint, wantStatus: http.StatusBadRequest},
		{name: "bad body", body: `{"from":"yesterday"}`, wantStatus: http.StatusBadRequest},
		{name: "store down", startErr: errors.New("redis down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
					var got ingest.Request
			runs := &fakeRuns{startFunc: func(req ingest.Request) (string, error) {
				got = req
				return "run-9", tt.startErr
			}}
			h := newServer(t, runs, api.Config{})

			rec := do(t, h, http.MethodPost, "/api/v1/runs/products", []byte(tt.body), "")
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusAccepted {
				assert.Contains(t, rec.Body.String(), "run-9")
				assert.Equal(t, "products", got.Resource)
			}
			if tt.name == "explicit range" {
				assert.True(t, got.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
				assert.True(t, got.To.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
			}
		})
	}
}
