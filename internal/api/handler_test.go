package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v55/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/octomirror/internal/aggregator"
	"github.com/kurihiro0119/octomirror/internal/domain"
	"github.com/kurihiro0119/octomirror/internal/storage"
	"github.com/kurihiro0119/octomirror/internal/storage/sqlite"
)

type fakeOrgs struct {
	orgs []string
	err  error
}

func (f *fakeOrgs) InstallableOrganizations(ctx context.Context) ([]string, error) {
	return f.orgs, f.err
}

type fakeValidator struct{}

func (fakeValidator) VerifyAuthHeader(ctx context.Context, header string) bool {
	return header == "Bearer good,Bearer xxxxx"
}

func setupRouter(t *testing.T, orgs Organizations) (*gin.Engine, storage.Storage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.NewSQLiteStorage(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler := NewHandler(aggregator.NewAggregator(store), orgs)
	return SetupRoutes(handler, fakeValidator{}, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func get(router *gin.Engine, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupRouter(t, nil)

	w := get(router, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestInstallableOrganizations(t *testing.T) {
	router, _ := setupRouter(t, &fakeOrgs{orgs: []string{"acme", "globex"}})

	w := get(router, "/api/v1/organizations/installable", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/api/v1/organizations/installable", "Bearer bad,Bearer xxxxx")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/api/v1/organizations/installable", "Bearer good,Bearer xxxxx")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"acme", "globex"}, body.Data)
}

func TestInstallableOrganizationsFailure(t *testing.T) {
	router, _ := setupRouter(t, &fakeOrgs{err: errors.New("boom")})

	w := get(router, "/api/v1/organizations/installable", "Bearer good,Bearer xxxxx")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestInstallableOrganizationsRateLimited(t *testing.T) {
	rateErr := &github.RateLimitError{
		Response: &http.Response{
			StatusCode: http.StatusForbidden,
			Request:    httptest.NewRequest(http.MethodGet, "https://api.github.com/app/installations", nil),
		},
		Message: "API rate limit exceeded",
	}
	router, _ := setupRouter(t, &fakeOrgs{err: rateErr})

	w := get(router, "/api/v1/organizations/installable", "Bearer good,Bearer xxxxx")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestRunsAndSummary(t *testing.T) {
	router, store := setupRouter(t, nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateRun(ctx, &domain.SyncRun{ID: "run-1", Mode: domain.RunModeSync, Status: domain.RunStatusCompleted, StartedAt: now}))
	require.NoError(t, store.SaveOutcome(ctx, &domain.EventOutcome{ID: "a", RunID: "run-1", Action: domain.ActionRepoCreate,
		Domain: domain.DomainRepository, Org: "acme", Subject: "widgets", EventTime: now, Status: domain.OutcomeFailed, Error: "boom", RecordedAt: now}))

	w := get(router, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs struct {
		Data []domain.SyncRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Data, 1)
	assert.Equal(t, "run-1", runs.Data[0].ID)

	w = get(router, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "BAD_REQUEST")

	w = get(router, "/api/v1/runs/run-1/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary struct {
		Data domain.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Data.Totals.Failed)
	require.Len(t, summary.Data.Problems, 1)
	assert.Equal(t, "widgets", summary.Data.Problems[0].Subject)

	w = get(router, "/api/v1/runs/missing/summary", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestMirrorFailures(t *testing.T) {
	router, store := setupRouter(t, nil)

	w := get(router, "/api/v1/mirrors/failures", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	require.NoError(t, store.RecordMirrorFailure(context.Background(), &domain.MirrorFailure{Org: "acme", Repo: "widgets", Error: "push rejected", UpdatedAt: time.Now()}))
	w = get(router, "/api/v1/mirrors/failures", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"repo":"widgets"`)
	assert.Contains(t, w.Body.String(), `"attempts":1`)
}
