package orchestrator_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/gateway/gatewaytest"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/orchestrator"
	"github.com/loiht2/ml-platform-retrain/repository"
	"github.com/loiht2/ml-platform-retrain/repository/repotest"
)

const actor = "alice"

type countingRecorder struct {
	mu        sync.Mutex
	submitted int
	terminal  map[string]int
}

func (r *countingRecorder) RecordSubmitted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *countingRecorder) RecordTerminal(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal == nil {
		r.terminal = map[string]int{}
	}
	r.terminal[status]++
}

type env struct {
	repo    *repository.Repository
	gw      *gatewaytest.Fake
	orch    *orchestrator.Orchestrator
	rec     *countingRecorder
	records []uint
	model   *models.Model
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := repotest.Repo(t)
	e := &env{
		repo:    repo,
		gw:      gatewaytest.New(),
		rec:     &countingRecorder{},
		records: repotest.SeedRecords(t, repo, 12, 5),
		model:   repotest.SeedModel(t, repo, "/models/email_lstm.h5", true),
	}
	e.orch = orchestrator.New(repo, e.gw, converter.NewConverter(0, 0), repotest.Logger(t), e.rec)
	return e
}

func validConfig(e *env) *models.TrainingConfig {
	return &models.TrainingConfig{
		ModelID:   e.model.ID,
		SampleIDs: e.records,
		Hyperparameters: models.Hyperparameters{
			LearningRate: 0.01, Epochs: 5, BatchSize: 32, RandomState: 42,
		},
	}
}

func countJobs(t *testing.T, repo *repository.Repository) int64 {
	t.Helper()
	var n int64
	require.NoError(t, repo.DB().Model(&models.TrainingJob{}).Count(&n).Error)
	return n
}

func submit(t *testing.T, e *env) uint {
	t.Helper()
	resp, err := e.orch.Submit(context.Background(), actor, validConfig(e))
	require.NoError(t, err)
	return resp.JobID
}

func TestSubmitMovesPendingToRunning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var statusAtSubmit string
	e.gw.OnSubmit = func(req *gateway.TrainRequest) error {
		id, err := strconv.ParseUint(req.JobID, 10, 64)
		require.NoError(t, err)
		job, err := e.repo.GetTrainingJob(context.Background(), uint(id))
		require.NoError(t, err)
		statusAtSubmit = job.Status
		return nil
	}

	resp, err := e.orch.Submit(ctx, actor, validConfig(e))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resp.Status)
	assert.Equal(t, models.StatusPending, statusAtSubmit)

	job, err := e.repo.GetTrainingJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.Equal(t, actor, job.OwnerID)
	assert.Nil(t, job.TargetModelID)

	require.Len(t, e.gw.Submitted, 1)
	req := e.gw.Submitted[0]
	assert.Equal(t, converter.GatewayJobID(resp.JobID), req.JobID)
	assert.Equal(t, "LSTM", req.ModelType)
	assert.Equal(t, "/models/email_lstm.h5", req.ModelArtifactPath)
	assert.Len(t, req.Samples, 12)
	assert.Equal(t, 50000, req.Hyperparameters.MaxWords)
	for _, s := range req.Samples {
		assert.NotEmpty(t, s.Labels)
	}
	assert.Equal(t, 1, e.rec.submitted)
}

func TestSubmitRetrainExistingTargetsModel(t *testing.T) {
	e := newEnv(t)
	cfg := validConfig(e)
	cfg.RetrainExisting = true

	resp, err := e.orch.Submit(context.Background(), actor, cfg)
	require.NoError(t, err)
	job, err := e.repo.GetTrainingJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.TargetModelID)
	assert.Equal(t, e.model.ID, *job.TargetModelID)
}

func TestSubmitRejectsOutOfRangeHyperparameters(t *testing.T) {
	e := newEnv(t)
	base := validConfig(e).Hyperparameters
	cases := map[string]func(h *models.Hyperparameters){
		"zero rate":     func(h *models.Hyperparameters) { h.LearningRate = 0 },
		"negative rate": func(h *models.Hyperparameters) { h.LearningRate = -0.1 },
		"rate above 1":  func(h *models.Hyperparameters) { h.LearningRate = 1.5 },
		"NaN rate":      func(h *models.Hyperparameters) { h.LearningRate = math.NaN() },
		"zero epochs":   func(h *models.Hyperparameters) { h.Epochs = 0 },
		"101 epochs":    func(h *models.Hyperparameters) { h.Epochs = 101 },
		"zero batch":    func(h *models.Hyperparameters) { h.BatchSize = 0 },
		"batch 257":     func(h *models.Hyperparameters) { h.BatchSize = 257 },
		"negative seed": func(h *models.Hyperparameters) { h.RandomState = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(e)
			cfg.Hyperparameters = base
			mutate(&cfg.Hyperparameters)
			_, err := e.orch.Submit(context.Background(), actor, cfg)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Zero(t, countJobs(t, e.repo))
	assert.Empty(t, e.gw.Submitted)
}

func TestSubmitAcceptsBoundaryHyperparameters(t *testing.T) {
	e := newEnv(t)
	cfg := validConfig(e)
	cfg.Hyperparameters = models.Hyperparameters{LearningRate: 1, Epochs: 100, BatchSize: 256, RandomState: 0}
	_, err := e.orch.Submit(context.Background(), actor, cfg)
	require.NoError(t, err)

	cfg.Hyperparameters = models.Hyperparameters{LearningRate: 1e-6, Epochs: 1, BatchSize: 1}
	_, err = e.orch.Submit(context.Background(), actor, cfg)
	require.NoError(t, err)
}

func TestSubmitRequiresTenDistinctRecords(t *testing.T) {
	e := newEnv(t)

	cfg := validConfig(e)
	cfg.SampleIDs = e.records[:9]
	_, err := e.orch.Submit(context.Background(), actor, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	cfg.SampleIDs = append(append([]uint{}, e.records[:9]...), e.records[:3]...)
	_, err = e.orch.Submit(context.Background(), actor, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Zero(t, countJobs(t, e.repo))
}

func TestSubmitRejectsUnknownReferences(t *testing.T) {
	e := newEnv(t)

	cfg := validConfig(e)
	cfg.ModelID = 999
	_, err := e.orch.Submit(context.Background(), actor, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	cfg = validConfig(e)
	cfg.SampleIDs = append(append([]uint{}, e.records...), 5000)
	_, err = e.orch.Submit(context.Background(), actor, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "5000")

	odd := repotest.SeedModel(t, e.repo, "/models/transformer.bin", false)
	cfg = validConfig(e)
	cfg.ModelID = odd.ID
	_, err = e.orch.Submit(context.Background(), actor, cfg)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Zero(t, countJobs(t, e.repo))
}

func TestSubmitWithoutActorIsUnauthorized(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Submit(context.Background(), " ", validConfig(e))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSubmitGateway500MarksJobFailed(t *testing.T) {
	repo := repotest.Repo(t)
	records := repotest.SeedRecords(t, repo, 12)
	model := repotest.SeedModel(t, repo, "/models/email_rnn.h5", true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"CUDA out of memory"}`))
	}))
	t.Cleanup(srv.Close)
	client, err := gateway.New(gateway.Options{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)

	rec := &countingRecorder{}
	orch := orchestrator.New(repo, client, converter.NewConverter(0, 0), repotest.Logger(t), rec)
	_, err = orch.Submit(context.Background(), actor, &models.TrainingConfig{
		ModelID:         model.ID,
		SampleIDs:       records,
		Hyperparameters: models.Hyperparameters{LearningRate: 0.01, Epochs: 5, BatchSize: 32, RandomState: 42},
	})
	require.Error(t, err)
	gwErr, ok := gateway.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, gwErr.StatusCode)

	jobs, err := repo.ListTrainingJobs(context.Background(), actor, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "CUDA out of memory")
	assert.Equal(t, 1, rec.terminal[models.StatusFailed])
	assert.Zero(t, rec.submitted)
}

func TestSubmitTransientFailureMarksJobFailed(t *testing.T) {
	e := newEnv(t)
	e.gw.SubmitErr = &gateway.TransientNetworkError{Op: "submit", Err: context.DeadlineExceeded}

	_, err := e.orch.Submit(context.Background(), actor, validConfig(e))
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))

	jobs, err := e.repo.ListTrainingJobs(context.Background(), actor, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
}

func TestSubmitFailureSurvivesCancelledContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.gw.OnSubmit = func(*gateway.TrainRequest) error {
		cancel()
		return &gateway.TransientNetworkError{Op: "submit", Err: context.Canceled}
	}

	_, err := e.orch.Submit(ctx, actor, validConfig(e))
	require.Error(t, err)

	jobs, err := e.repo.ListTrainingJobs(context.Background(), actor, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
}

func TestPollStatusIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)
	e.gw.SetStatus("running", `{"currentEpoch": 2, "totalEpochs": 5, "currentLoss": 0.4}`)

	snap, err := e.orch.PollStatus(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
	assert.JSONEq(t, `{"currentEpoch":2,"totalEpochs":5,"currentLoss":0.4}`, string(snap.Progress))
	assert.False(t, snap.Stale)

	first, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := e.orch.PollStatus(ctx, actor, id)
		require.NoError(t, err)
	}

	after, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Status, after.Status)
	assert.Equal(t, string(first.Progress), string(after.Progress))
	assert.True(t, first.UpdatedAt.Equal(after.UpdatedAt))
}

func TestPollStatusNeverLeavesTerminalState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)

	e.gw.SetStatus("completed", "")
	snap, err := e.orch.PollStatus(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)

	for _, remote := range []string{"running", "pending", "failed"} {
		e.gw.SetStatus(remote, "")
		snap, err := e.orch.PollStatus(ctx, actor, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, snap.Status)
	}
	job, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 1, e.rec.terminal[models.StatusCompleted])
}

func TestPollStatusIgnoresRegression(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)

	e.gw.SetStatus("pending", "")
	snap, err := e.orch.PollStatus(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
}

func TestPollStatusRecordsRemoteFailure(t *testing.T) {
	e := newEnv(t)
	id := submit(t, e)
	e.gw.StatusResp = &gateway.StatusResponse{Status: "FAILED", Error: "loss diverged"}

	snap, err := e.orch.PollStatus(context.Background(), actor, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.Equal(t, "loss diverged", snap.Error)
}

func TestPollStatusDegradesOnTransientErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)
	before, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)

	for _, failure := range []error{
		&gateway.TransientNetworkError{Op: "status", Err: context.DeadlineExceeded},
		&gateway.GatewayError{Op: "status", StatusCode: http.StatusBadGateway},
	} {
		e.gw.SetStatusErr(failure)
		snap, err := e.orch.PollStatus(ctx, actor, id)
		require.NoError(t, err)
		assert.True(t, snap.Stale)
		assert.Equal(t, models.StatusRunning, snap.Status)
	}

	after, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestPollStatusUnknownRemoteJobFails(t *testing.T) {
	e := newEnv(t)
	id := submit(t, e)
	e.gw.SetStatusErr(&gateway.GatewayError{Op: "status", StatusCode: http.StatusNotFound})

	snap, err := e.orch.PollStatus(context.Background(), actor, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
	assert.False(t, snap.Stale)
}

func TestPollStatusHidesOtherActorsJobs(t *testing.T) {
	e := newEnv(t)
	id := submit(t, e)
	_, err := e.orch.PollStatus(context.Background(), "mallory", id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentPollsApplyTransitionOnce(t *testing.T) {
	e := newEnv(t)
	id := submit(t, e)
	e.gw.SetStatus("completed", `{"currentEpoch":5}`)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := e.orch.PollStatus(context.Background(), actor, id)
			assert.NoError(t, err)
			if snap != nil {
				assert.Equal(t, models.StatusCompleted, snap.Status)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.rec.terminal[models.StatusCompleted])
}

func TestFetchResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)
	e.gw.SetStatus("running", "")
	e.gw.ResultsRes = gatewaytest.Report(0.91, &gateway.ClassScores{Precision: 0.88, Recall: 0.86, F1Score: 0.87, Support: 40})

	_, err := e.orch.FetchResults(ctx, actor, id)
	var notReady *apperr.NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, models.StatusRunning, notReady.Status)

	e.gw.SetStatus("completed", "")
	_, err = e.orch.PollStatus(ctx, actor, id)
	require.NoError(t, err)

	res, err := e.orch.FetchResults(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, 0.91, res.Metrics.Accuracy)
	assert.Equal(t, 0.88, res.Metrics.Precision)
	assert.Equal(t, 0.86, res.Metrics.Recall)
	assert.Equal(t, 0.87, res.Metrics.F1)
	assert.Equal(t, []float64{0.9, 0.5}, res.History.TrainLoss)
	assert.NotEmpty(t, res.RawMetrics)

	again, err := e.orch.FetchResults(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, res.Metrics, again.Metrics)
	_, resultsCalls := e.gw.Calls()
	assert.Equal(t, 1, resultsCalls)
}

func TestFetchResultsFailureIsNotCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := submit(t, e)
	e.gw.SetStatus("completed", "")
	_, err := e.orch.PollStatus(ctx, actor, id)
	require.NoError(t, err)

	e.gw.ResultsErr = &gateway.TransientNetworkError{Op: "results", Err: errors.New("connection refused")}
	_, err = e.orch.FetchResults(ctx, actor, id)
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(err))

	job, err := e.repo.GetTrainingJob(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, job.ResultSummary)

	e.gw.ResultsErr = nil
	e.gw.ResultsRes = gatewaytest.Report(0.8, nil)
	res, err := e.orch.FetchResults(ctx, actor, id)
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.Metrics.Accuracy)
}

func TestListJobs(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		submit(t, e)
	}
	jobs, err := e.orch.ListJobs(context.Background(), actor, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 12, jobs[0].SampleCount)
	assert.Greater(t, jobs[0].ID, jobs[1].ID)

	none, err := e.orch.ListJobs(context.Background(), "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPollDuringSubmitLeavesJobPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.SetStatusErr(&gateway.GatewayError{Op: "status", StatusCode: http.StatusNotFound})

	var during *models.StatusSnapshot
	e.gw.OnSubmit = func(req *gateway.TrainRequest) error {
		id, err := strconv.ParseUint(req.JobID, 10, 64)
		require.NoError(t, err)

		// a monitor tick landing while the trainer is still registering the job
		active, err := e.orch.ActiveJobIDs(ctx)
		require.NoError(t, err)
		assert.NotContains(t, active, uint(id))
		during, err = e.orch.Reconcile(ctx, uint(id))
		require.NoError(t, err)
		return nil
	}

	resp, err := e.orch.Submit(ctx, actor, validConfig(e))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resp.Status)
	require.NotNil(t, during)
	assert.Equal(t, models.StatusPending, during.Status)
	statusCalls, _ := e.gw.Calls()
	assert.Zero(t, statusCalls)

	e.gw.SetStatus("running", "")
	snap, err := e.orch.PollStatus(ctx, actor, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, snap.Status)
	assert.Zero(t, e.rec.terminal[models.StatusFailed])
}

func TestOrphanedPendingJobIsReconciled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := &models.TrainingJob{OwnerID: actor, BaseModelID: e.model.ID, ModelType: "LSTM"}
	require.NoError(t, e.repo.CreateTrainingJob(ctx, job))

	active, err := e.orch.ActiveJobIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, job.ID)

	later := orchestrator.New(e.repo, e.gw, converter.NewConverter(0, 0), repotest.Logger(t), e.rec,
		orchestrator.WithPendingGrace(time.Minute),
		orchestrator.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	active, err = later.ActiveJobIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, job.ID)

	e.gw.SetStatusErr(&gateway.GatewayError{Op: "status", StatusCode: http.StatusNotFound})
	snap, err := later.Reconcile(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)
}

func TestSubmitReportsJobFailedWhileInFlight(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.gw.OnSubmit = func(req *gateway.TrainRequest) error {
		id, err := strconv.ParseUint(req.JobID, 10, 64)
		require.NoError(t, err)
		_, err = e.repo.MarkJobFailed(ctx, uint(id), "cancelled by operator")
		require.NoError(t, err)
		return nil
	}

	resp, err := e.orch.Submit(ctx, actor, validConfig(e))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "cancelled by operator")

	jobs, err := e.repo.ListTrainingJobs(ctx, actor, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
}

func TestReconcileSurvivesCancelledCaller(t *testing.T) {
	e := newEnv(t)
	id := submit(t, e)
	e.gw.SetStatus("completed", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := e.orch.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
}

func TestAcceptedSubmitRecordedAfterCallerLeaves(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.gw.OnSubmit = func(*gateway.TrainRequest) error {
		cancel()
		return nil
	}

	resp, err := e.orch.Submit(ctx, actor, validConfig(e))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resp.Status)

	job, err := e.repo.GetTrainingJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
}
