package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/gateway/gatewaytest"
	"github.com/loiht2/ml-platform-retrain/handlers"
	"github.com/loiht2/ml-platform-retrain/metrics"
	"github.com/loiht2/ml-platform-retrain/middleware"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/orchestrator"
	"github.com/loiht2/ml-platform-retrain/promotion"
	"github.com/loiht2/ml-platform-retrain/repository"
	"github.com/loiht2/ml-platform-retrain/repository/repotest"
	"github.com/loiht2/ml-platform-retrain/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router  *gin.Engine
	repo    *repository.Repository
	gw      *gatewaytest.Fake
	model   *models.Model
	records []uint
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	repo := repotest.Repo(t)
	log := repotest.Logger(t)
	gw := gatewaytest.New()
	gw.ResultsRes = gatewaytest.Report(0.9, &gateway.ClassScores{Precision: 0.88, Recall: 0.87, F1Score: 0.875})

	collector := metrics.NewCollector(nil)
	orch := orchestrator.New(repo, gw, converter.NewConverter(0, 0), log, collector)
	engine := promotion.New(repo, orch, gw, log, promotion.WithRecorder(collector))

	h := handlers.NewHandler(orch, engine, repo, log)
	router := handlers.NewRouter(h, handlers.RouterOptions{
		Auth:    middleware.AuthConfig{TrustedHeader: middleware.DefaultTrustedHeader},
		Metrics: collector.Handler(),
		Log:     log,
	})

	return &testServer{
		router:  router,
		repo:    repo,
		gw:      gw,
		model:   repotest.SeedModel(t, repo, "/models/email_bilstm.h5", true),
		records: repotest.SeedRecords(t, repo, 12),
	}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(middleware.DefaultTrustedHeader, actor)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) submit(t *testing.T, actor string) models.SubmitResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/jobs", actor, models.TrainingConfig{
		ModelID:   s.model.ID,
		SampleIDs: s.records,
		Hyperparameters: models.Hyperparameters{
			LearningRate: 0.001, Epochs: 5, BatchSize: 32, RandomState: 42,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp models.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.APIError {
	t.Helper()
	var env response.ErrorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthReportsUnreachableDatabase(t *testing.T) {
	s := newServer(t)
	sqlDB, err := s.repo.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIRequiresActor(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", string(decodeError(t, w).Code))
}

func TestSubmitAndPoll(t *testing.T) {
	s := newServer(t)

	resp := s.submit(t, "alice")
	assert.Equal(t, models.StatusRunning, resp.Status)
	assert.NotZero(t, resp.JobID)

	s.gw.SetStatus(models.StatusRunning, `{"currentEpoch":2,"totalEpochs":5}`)
	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/status", resp.JobID), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var snap models.StatusSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, models.StatusRunning, snap.Status)
	assert.JSONEq(t, `{"currentEpoch":2,"totalEpochs":5}`, string(snap.Progress))
	assert.False(t, snap.Stale)
}

func TestSubmitValidationError(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", "alice", models.TrainingConfig{
		ModelID:   s.model.ID,
		SampleIDs: s.records[:3],
		Hyperparameters: models.Hyperparameters{
			LearningRate: 0.001, Epochs: 5, BatchSize: 32,
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", string(decodeError(t, w).Code))
}

func TestSubmitMalformedBody(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{not json"))
	req.Header.Set(middleware.DefaultTrustedHeader, "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidJobID(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/abc/status", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "id", decodeError(t, w).Details["field"])
}

func TestResultsBeforeCompletionIsNotReady(t *testing.T) {
	s := newServer(t)
	resp := s.submit(t, "alice")

	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/results", resp.JobID), "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, "not_ready", string(apiErr.Code))
	assert.Equal(t, models.StatusRunning, apiErr.Details["status"])
}

func TestOtherActorsJobIsNotFound(t *testing.T) {
	s := newServer(t)
	resp := s.submit(t, "alice")

	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/status", resp.JobID), "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteResultsAndSave(t *testing.T) {
	s := newServer(t)
	resp := s.submit(t, "alice")
	s.gw.SetStatus(models.StatusCompleted, "")

	w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/status", resp.JobID), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/results", resp.JobID), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary models.ResultSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.InDelta(t, 0.9, summary.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.875, summary.Metrics.F1, 1e-9)

	// empty body falls back to generated names
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/save", resp.JobID), nil)
	req.Header.Set(middleware.DefaultTrustedHeader, "alice")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var promoted models.PromotionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &promoted))
	require.NotNil(t, promoted.Model)
	assert.True(t, promoted.Model.IsActive)
	assert.Equal(t, s.records, promoted.MemberIDs)

	w = s.do(t, http.MethodGet, "/api/v1/models/active", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active models.Model
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Equal(t, promoted.Model.ID, active.ID)

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `retrain_promotions_total{mode="new",outcome="success"} 1`)
}

func TestOverwriteRequiresCompletedJob(t *testing.T) {
	s := newServer(t)
	resp := s.submit(t, "alice")

	w := s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/overwrite", resp.JobID), "alice",
		models.OverwriteRequest{ModelID: s.model.ID, SampleIDs: s.records})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobsAndModels(t *testing.T) {
	s := newServer(t)
	s.submit(t, "alice")
	s.submit(t, "alice")
	s.submit(t, "bob")

	w := s.do(t, http.MethodGet, "/api/v1/jobs?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs struct {
		Jobs  []models.TrainingJobResponse `json:"jobs"`
		Total int                          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Equal(t, 1, jobs.Total)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?limit=-1", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/models", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/models/%d", s.model.ID), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info models.ModelInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, s.model.ID, info.Model.ID)
	assert.Empty(t, info.MemberIDs)

	w = s.do(t, http.MethodGet, "/api/v1/models/999", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
