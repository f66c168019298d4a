// Package orchestrator owns the training job lifecycle: validation, submission
// to the training service, status reconciliation and result caching.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/preparer"
	"github.com/loiht2/ml-platform-retrain/repository"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100

	// DefaultPendingGrace is how long a pending job is left to its Submit call
	// before reconciliation treats it as orphaned.
	DefaultPendingGrace = 5 * time.Minute

	// bounds writes made after the caller's context is gone
	failWriteTimeout = 10 * time.Second
	// bounds work shared by coalesced callers
	sharedCallTimeout = 60 * time.Second
)

// Gateway is the part of the training service client the orchestrator uses.
type Gateway interface {
	Submit(ctx context.Context, req *gateway.TrainRequest) (*gateway.SubmitResponse, error)
	Status(ctx context.Context, jobID string) (*gateway.StatusResponse, error)
	Results(ctx context.Context, jobID string) (*gateway.Results, error)
}

// Recorder receives job lifecycle events for metrics.
type Recorder interface {
	RecordSubmitted()
	RecordTerminal(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted()      {}
func (nopRecorder) RecordTerminal(string) {}

type Orchestrator struct {
	repo     *repository.Repository
	gw       Gateway
	prep     *preparer.Preparer
	conv     *converter.Converter
	recorder Recorder
	log      *logger.Logger

	pendingGrace time.Duration
	now          func() time.Time

	polls   singleflight.Group
	fetches singleflight.Group
}

type Option func(*Orchestrator)

// WithPendingGrace sets how long pending jobs are skipped by reconciliation.
func WithPendingGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pendingGrace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(repo *repository.Repository, gw Gateway, conv *converter.Converter, log *logger.Logger, recorder Recorder, opts ...Option) *Orchestrator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{
		repo:         repo,
		gw:           gw,
		prep:         preparer.New(repo),
		conv:         conv,
		recorder:     recorder,
		log:          log.With("component", "orchestrator"),
		pendingGrace: DefaultPendingGrace,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates cfg, records a pending job and hands it to the training
// service. A job whose submission fails is left failed, never pending.
func (o *Orchestrator) Submit(ctx context.Context, actorID string, cfg *models.TrainingConfig) (*models.SubmitResponse, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, &apperr.UnauthorizedError{Reason: "missing actor identity"}
	}
	ids, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}

	model, err := o.repo.GetModel(ctx, cfg.ModelID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Validation("modelId", "model %d does not exist", cfg.ModelID)
		}
		return nil, err
	}
	modelType, err := converter.ModelTypeOf(model)
	if err != nil {
		return nil, err
	}

	found, err := o.repo.ExistingRecordIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if missing := missingIDs(ids, found); len(missing) > 0 {
		return nil, apperr.Validation("sampleIds", "unknown record ids: %v", missing)
	}

	hpJSON, err := json.Marshal(cfg.Hyperparameters)
	if err != nil {
		return nil, fmt.Errorf("encode hyperparameters: %w", err)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode record ids: %w", err)
	}

	job := &models.TrainingJob{
		OwnerID:         actorID,
		BaseModelID:     model.ID,
		ModelType:       modelType,
		Status:          models.StatusPending,
		Hyperparameters: datatypes.JSON(hpJSON),
		RecordIDs:       datatypes.JSON(idsJSON),
	}
	if cfg.RetrainExisting {
		target := model.ID
		job.TargetModelID = &target
	}
	if err := o.repo.CreateTrainingJob(ctx, job); err != nil {
		return nil, err
	}
	log := o.log.With("jobId", job.ID, "modelId", model.ID, "actor", actorID)

	samples, err := o.prep.Prepare(ctx, ids)
	if err != nil {
		o.failJob(ctx, job.ID, "prepare samples: "+err.Error())
		log.Error("Failed to prepare training samples", "error", err)
		return nil, err
	}
	req, err := o.conv.ConvertToTrainRequest(job.ID, model, samples, cfg.Hyperparameters)
	if err != nil {
		o.failJob(ctx, job.ID, err.Error())
		return nil, err
	}

	resp, err := o.gw.Submit(ctx, req)
	if err != nil {
		o.failJob(ctx, job.ID, err.Error())
		log.Error("Training submission rejected", "error", err)
		return nil, err
	}
	o.recorder.RecordSubmitted()
	if resp != nil && resp.JobID != "" && resp.JobID != req.JobID {
		log.Warn("Training service echoed a different job id", "remoteJobId", resp.JobID)
	}

	// the training service owns the job now; record that even if the caller left
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	advanced, err := o.repo.AdvanceJobStatus(wctx, job.ID, models.StatusRunning, nil)
	if err != nil {
		log.Error("Failed to record accepted submission", "status", models.StatusPending, "error", err)
		return nil, fmt.Errorf("record submission of job %d: %w", job.ID, err)
	}
	status := models.StatusRunning
	if !advanced {
		cur, err := o.repo.GetTrainingJob(wctx, job.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == models.StatusFailed {
			log.Error("Job failed while its submission was in flight", "reason", cur.ErrorMessage)
			return nil, fmt.Errorf("job %d was marked failed during submission: %s", job.ID, cur.ErrorMessage)
		}
		// a poll already moved it further
		status = cur.Status
	}
	log.Info("Training job submitted", "samples", len(samples), "modelType", modelType)

	return &models.SubmitResponse{
		JobID:   job.ID,
		Status:  status,
		ModelID: model.ID,
		Message: "Training job submitted",
	}, nil
}

// failJob records a terminal failure even when ctx is already cancelled.
func (o *Orchestrator) failJob(ctx context.Context, jobID uint, reason string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	ok, err := o.repo.MarkJobFailed(wctx, jobID, reason)
	if err != nil {
		o.log.Error("Failed to mark job failed", "jobId", jobID, "error", err)
		return
	}
	if ok {
		o.recorder.RecordTerminal(models.StatusFailed)
	}
}

// JobForActor loads a job owned by actorID. Jobs of other actors are reported
// as not found.
func (o *Orchestrator) JobForActor(ctx context.Context, actorID string, jobID uint) (*models.TrainingJob, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, &apperr.UnauthorizedError{Reason: "missing actor identity"}
	}
	job, err := o.repo.GetTrainingJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != actorID {
		return nil, apperr.NotFound("training job", jobID)
	}
	return job, nil
}

// PollStatus returns the job's current status, reconciled against the
// training service.
func (o *Orchestrator) PollStatus(ctx context.Context, actorID string, jobID uint) (*models.StatusSnapshot, error) {
	if _, err := o.JobForActor(ctx, actorID, jobID); err != nil {
		return nil, err
	}
	return o.Reconcile(ctx, jobID)
}

// Reconcile pulls the live status of one job and applies any forward
// transition locally. Concurrent calls for the same job share one gateway
// round trip. Unreachable gateways degrade to the stored state, flagged stale.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID uint) (*models.StatusSnapshot, error) {
	v, err, _ := o.polls.Do(jobKey("poll", jobID), func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return o.reconcile(sctx, jobID)
	})
	if err != nil {
		return nil, err
	}
	snap := *v.(*models.StatusSnapshot)
	return &snap, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, jobID uint) (*models.StatusSnapshot, error) {
	job, err := o.repo.GetTrainingJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(job.Status) || o.submitting(job) {
		return snapshotOf(job, nil, false), nil
	}
	log := o.log.With("jobId", jobID)

	remote, err := o.gw.Status(ctx, converter.GatewayJobID(jobID))
	if err != nil {
		if gwErr, ok := gateway.AsGatewayError(err); ok && gwErr.NotFound() {
			log.Warn("Training service does not know job, marking failed", "status", job.Status)
			o.failJob(ctx, jobID, "training service no longer knows this job")
			job, err = o.repo.GetTrainingJob(ctx, jobID)
			if err != nil {
				return nil, err
			}
			return snapshotOf(job, nil, false), nil
		}
		log.Warn("Status poll failed, returning last known state", "error", err)
		snap := snapshotOf(job, nil, true)
		snap.Error = err.Error()
		return snap, nil
	}

	status := strings.ToLower(strings.TrimSpace(remote.Status))
	progress := compactJSON(remote.Progress)

	switch {
	case !models.IsKnownStatus(status):
		log.Warn("Ignoring unknown remote status", "remoteStatus", remote.Status)
		return snapshotOf(job, progress, false), nil

	case status == job.Status:
		if len(progress) == 0 || bytes.Equal(progress, job.Progress) {
			return snapshotOf(job, nil, false), nil
		}
		if _, err := o.repo.UpdateJobProgress(ctx, jobID, job.Status, datatypes.JSON(progress)); err != nil {
			return nil, err
		}

	case models.CanTransition(job.Status, status):
		extra := map[string]interface{}{}
		if len(progress) > 0 {
			extra["progress"] = datatypes.JSON(progress)
		}
		if status == models.StatusFailed {
			reason := strings.TrimSpace(remote.Error)
			if reason == "" {
				reason = "training failed"
			}
			extra["error_message"] = reason
		}
		advanced, err := o.repo.AdvanceJobStatus(ctx, jobID, status, extra)
		if err != nil {
			return nil, err
		}
		if advanced {
			log.Info("Job status advanced", "from", job.Status, "to", status)
			if models.IsTerminal(status) {
				o.recorder.RecordTerminal(status)
			}
		}

	default:
		log.Debug("Ignoring regressing remote status", "local", job.Status, "remote", status)
		return snapshotOf(job, nil, false), nil
	}

	job, err = o.repo.GetTrainingJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(job, nil, false), nil
}

// FetchResults returns the metrics and history of a completed job, fetching
// them from the training service once and serving the cached copy afterwards.
func (o *Orchestrator) FetchResults(ctx context.Context, actorID string, jobID uint) (*models.ResultSummary, error) {
	job, err := o.JobForActor(ctx, actorID, jobID)
	if err != nil {
		return nil, err
	}
	return o.CachedResults(ctx, job)
}

// CachedResults is FetchResults for an already loaded and authorized job.
func (o *Orchestrator) CachedResults(ctx context.Context, job *models.TrainingJob) (*models.ResultSummary, error) {
	if job.Status != models.StatusCompleted {
		return nil, &apperr.NotReadyError{JobID: job.ID, Status: job.Status}
	}
	if len(job.ResultSummary) > 0 {
		return decodeSummary(job)
	}

	v, err, _ := o.fetches.Do(jobKey("results", job.ID), func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return o.fetchAndCache(sctx, job.ID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ResultSummary), nil
}

func (o *Orchestrator) fetchAndCache(ctx context.Context, jobID uint) (*models.ResultSummary, error) {
	res, err := o.gw.Results(ctx, converter.GatewayJobID(jobID))
	if err != nil {
		if gateway.IsTransient(err) {
			o.log.Warn("Results fetch failed", "jobId", jobID, "error", err)
		} else {
			o.log.Error("Results fetch failed", "jobId", jobID, "error", err)
		}
		return nil, err
	}

	summary := Summarize(jobID, res)
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode result summary: %w", err)
	}
	cached, err := o.repo.CacheJobResults(ctx, jobID, datatypes.JSON(raw))
	if err != nil {
		return nil, err
	}
	if !cached {
		job, err := o.repo.GetTrainingJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if len(job.ResultSummary) > 0 {
			return decodeSummary(job)
		}
	}
	return summary, nil
}

// ListJobs returns the actor's most recent jobs.
func (o *Orchestrator) ListJobs(ctx context.Context, actorID string, limit int) ([]models.TrainingJobResponse, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, &apperr.UnauthorizedError{Reason: "missing actor identity"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	jobs, err := o.repo.ListTrainingJobs(ctx, actorID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.TrainingJobResponse, 0, len(jobs))
	for i := range jobs {
		resp, err := o.repo.ToResponse(&jobs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, nil
}

// ActiveJobIDs lists jobs that have not reached a terminal state. Pending jobs
// still inside their submission window are left out.
func (o *Orchestrator) ActiveJobIDs(ctx context.Context) ([]uint, error) {
	jobs, err := o.repo.ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(jobs))
	for i := range jobs {
		if o.submitting(&jobs[i]) {
			continue
		}
		ids = append(ids, jobs[i].ID)
	}
	return ids, nil
}

// submitting reports whether job is pending and its Submit call may still be
// in flight. The training service does not know such a job yet.
func (o *Orchestrator) submitting(job *models.TrainingJob) bool {
	return job.Status == models.StatusPending && o.now().Sub(job.CreatedAt) < o.pendingGrace
}

func snapshotOf(job *models.TrainingJob, progress []byte, stale bool) *models.StatusSnapshot {
	if len(progress) == 0 {
		progress = job.Progress
	}
	var p json.RawMessage
	if len(progress) > 0 {
		p = json.RawMessage(progress)
	}
	snap := &models.StatusSnapshot{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: p,
		Stale:    stale,
	}
	if job.Status == models.StatusFailed {
		snap.Error = job.ErrorMessage
	}
	return snap
}

func decodeSummary(job *models.TrainingJob) (*models.ResultSummary, error) {
	var s models.ResultSummary
	if err := json.Unmarshal(job.ResultSummary, &s); err != nil {
		return nil, fmt.Errorf("decode cached results of job %d: %w", job.ID, err)
	}
	return &s, nil
}

func compactJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil
	}
	return buf.Bytes()
}
