// Package promotion records a completed job's artifact as a new or updated
// model, together with the exact dataset it was trained on.
package promotion

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/repository"
)

const (
	ModeNew       = "new"
	ModeOverwrite = "overwrite"

	DefaultDatasetDescription = "Training dataset"

	archiveTimeout = 15 * time.Second
)

// Jobs gives access to authorized jobs and their cached results.
type Jobs interface {
	JobForActor(ctx context.Context, actorID string, jobID uint) (*models.TrainingJob, error)
	CachedResults(ctx context.Context, job *models.TrainingJob) (*models.ResultSummary, error)
}

// Persister stores a trained artifact on the training service.
type Persister interface {
	Persist(ctx context.Context, jobID, artifactName string) (*gateway.PersistResponse, error)
}

// Archiver stores JSON documents in object storage.
type Archiver interface {
	PutJSON(ctx context.Context, key string, v interface{}) error
}

type Recorder interface {
	RecordPromotion(mode string, err error)
	RecordArchiveFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordPromotion(string, error) {}
func (nopRecorder) RecordArchiveFailure()         {}

// Manifest describes one committed promotion.
type Manifest struct {
	Mode       string                `json:"mode"`
	JobID      uint                  `json:"jobId"`
	PromotedBy string                `json:"promotedBy"`
	PromotedAt time.Time             `json:"promotedAt"`
	Model      *models.Model         `json:"model"`
	Dataset    *models.Dataset       `json:"dataset"`
	MemberIDs  []uint                `json:"memberIds"`
	Metrics    models.DerivedMetrics `json:"metrics"`
}

// ManifestKey is the object key a promotion manifest is archived under.
func ManifestKey(modelID, jobID uint) string {
	return fmt.Sprintf("promotions/%d/%d.json", modelID, jobID)
}

type Engine struct {
	repo      *repository.Repository
	jobs      Jobs
	persister Persister
	archiver  Archiver
	recorder  Recorder
	log       *logger.Logger
	now       func() time.Time
}

type Option func(*Engine)

// WithArchiver uploads a manifest after every committed promotion.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(repo *repository.Repository, jobs Jobs, persister Persister, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		repo:      repo,
		jobs:      jobs,
		persister: persister,
		recorder:  nopRecorder{},
		log:       log.With("component", "promotion"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SaveAsNewModel persists the job's artifact under req.ModelName and records
// it as a new, active model linked to a new dataset of the job's records.
func (e *Engine) SaveAsNewModel(ctx context.Context, actorID string, jobID uint, req models.SaveRequest) (res *models.PromotionResult, err error) {
	defer func() { e.recorder.RecordPromotion(ModeNew, err) }()

	job, summary, err := e.completedJob(ctx, actorID, jobID)
	if err != nil {
		return nil, err
	}
	members, err := job.TrainingRecordIDs()
	if err != nil {
		return nil, err
	}
	members = models.UniqueIDs(members)
	if len(members) == 0 {
		return nil, apperr.Validation("jobId", "job %d has no training records", jobID)
	}

	stamp := e.now().Unix()
	modelName := strings.TrimSpace(req.ModelName)
	if modelName == "" {
		modelName = fmt.Sprintf("model_%d", stamp)
	}
	datasetName := strings.TrimSpace(req.DatasetName)
	if datasetName == "" {
		datasetName = fmt.Sprintf("dataset_%d", stamp)
	}
	description := strings.TrimSpace(req.DatasetDescription)
	if description == "" {
		description = DefaultDatasetDescription
	}

	var model *models.Model
	var dataset *models.Dataset
	err = e.repo.InTx(ctx, func(tx *repository.Repository) error {
		if _, err := tx.LockTrainingJob(ctx, jobID); err != nil {
			return err
		}

		persisted, err := e.persister.Persist(ctx, converter.GatewayJobID(jobID), modelName)
		if err != nil {
			return err
		}

		dataset = &models.Dataset{
			Name:        datasetName,
			Path:        fmt.Sprintf("datasets/%s_dataset.json", modelName),
			Description: description,
		}
		if err := tx.CreateDataset(ctx, dataset, members); err != nil {
			return err
		}

		model = &models.Model{
			ArtifactPath: persisted.ModelPath,
			Version:      modelName,
			ModelType:    job.ModelType,
			Accuracy:     summary.Metrics.Accuracy,
			Precision:    summary.Metrics.Precision,
			Recall:       summary.Metrics.Recall,
			F1:           summary.Metrics.F1,
			IsActive:     true,
			DatasetID:    &dataset.ID,
		}
		if err := tx.CreateModel(ctx, model); err != nil {
			return err
		}
		if err := tx.DeactivateOtherModels(ctx, model.ID); err != nil {
			return err
		}
		return tx.SetJobArtifactPath(ctx, jobID, persisted.ModelPath)
	})
	if err != nil {
		return nil, e.promotionFailed("save", job, 0, err)
	}

	e.log.Info("Promoted job as new model", "jobId", jobID, "modelId", model.ID, "datasetId", dataset.ID, "records", len(members))
	e.archive(ctx, ModeNew, actorID, jobID, model, dataset, members, summary.Metrics)

	return &models.PromotionResult{
		Model:     model,
		Dataset:   dataset,
		MemberIDs: members,
		Message:   "Model saved successfully",
	}, nil
}

// OverwriteModel persists the job's artifact over an existing model's
// artifact and replaces that model's dataset membership with req.SampleIDs.
// The model row stays locked from the artifact write until commit.
func (e *Engine) OverwriteModel(ctx context.Context, actorID string, jobID uint, req models.OverwriteRequest) (res *models.PromotionResult, err error) {
	defer func() { e.recorder.RecordPromotion(ModeOverwrite, err) }()

	if req.ModelID == 0 {
		return nil, apperr.Validation("modelId", "is required")
	}
	members := models.UniqueIDs(req.SampleIDs)
	if len(members) == 0 {
		return nil, apperr.Validation("sampleIds", "at least one record is required")
	}

	job, summary, err := e.completedJob(ctx, actorID, jobID)
	if err != nil {
		return nil, err
	}
	if job.TargetModelID != nil && *job.TargetModelID != req.ModelID {
		return nil, apperr.Validation("modelId", "job %d retrains model %d, not %d", jobID, *job.TargetModelID, req.ModelID)
	}
	if _, err := e.repo.GetModel(ctx, req.ModelID); err != nil {
		return nil, err
	}
	found, err := e.repo.ExistingRecordIDs(ctx, members)
	if err != nil {
		return nil, err
	}
	if len(found) != len(members) {
		return nil, apperr.Validation("sampleIds", "%d of %d records do not exist", len(members)-len(found), len(members))
	}

	var model *models.Model
	var dataset *models.Dataset
	err = e.repo.InTx(ctx, func(tx *repository.Repository) error {
		if _, err := tx.LockTrainingJob(ctx, jobID); err != nil {
			return err
		}
		locked, err := tx.LockModel(ctx, req.ModelID)
		if err != nil {
			return err
		}

		persisted, err := e.persister.Persist(ctx, converter.GatewayJobID(jobID), ArtifactName(locked.ArtifactPath))
		if err != nil {
			return err
		}

		dataset, err = e.replaceDataset(ctx, tx, locked, members)
		if err != nil {
			return err
		}

		fields := map[string]interface{}{
			"artifact_path": persisted.ModelPath,
			"accuracy":      keepIfZero(summary.Metrics.Accuracy, locked.Accuracy),
			"precision":     keepIfZero(summary.Metrics.Precision, locked.Precision),
			"recall":        keepIfZero(summary.Metrics.Recall, locked.Recall),
			"f1":            keepIfZero(summary.Metrics.F1, locked.F1),
			"dataset_id":    dataset.ID,
		}
		if locked.ModelType == "" && job.ModelType != "" {
			fields["model_type"] = job.ModelType
		}
		if err := tx.UpdateModelFields(ctx, locked.ID, fields); err != nil {
			return err
		}
		if err := tx.SetJobArtifactPath(ctx, jobID, persisted.ModelPath); err != nil {
			return err
		}

		model, err = tx.GetModel(ctx, locked.ID)
		return err
	})
	if err != nil {
		return nil, e.promotionFailed("overwrite", job, req.ModelID, err)
	}

	e.log.Info("Overwrote model with retrained artifact", "jobId", jobID, "modelId", model.ID, "datasetId", dataset.ID, "records", len(members))
	e.archive(ctx, ModeOverwrite, actorID, jobID, model, dataset, members, summary.Metrics)

	return &models.PromotionResult{
		Model:     model,
		Dataset:   dataset,
		MemberIDs: members,
		Message:   "Model and dataset overwritten successfully",
	}, nil
}

// replaceDataset swaps the membership of the model's dataset, or creates and
// links a dataset when the model has none.
func (e *Engine) replaceDataset(ctx context.Context, tx *repository.Repository, model *models.Model, members []uint) (*models.Dataset, error) {
	if model.DatasetID != nil {
		ds, err := tx.GetDataset(ctx, *model.DatasetID)
		switch {
		case err == nil:
			desc := "Retrained dataset - Updated at " + e.now().UTC().Format(time.RFC3339)
			if err := tx.ReplaceDatasetMembers(ctx, ds.ID, members, desc); err != nil {
				return nil, err
			}
			return tx.GetDataset(ctx, ds.ID)
		case apperr.KindOf(err) != apperr.KindNotFound:
			return nil, err
		}
		// dangling reference: fall through and link a fresh dataset
	}

	ds := &models.Dataset{
		Name:        "Dataset for " + model.Version,
		Path:        fmt.Sprintf("datasets/%s_dataset.json", model.Version),
		Description: "Dataset for retrained model " + model.Version,
	}
	if err := tx.CreateDataset(ctx, ds, members); err != nil {
		return nil, err
	}
	return ds, nil
}

// completedJob loads an authorized, completed job and makes sure its results
// are cached. This runs before any transaction opens.
func (e *Engine) completedJob(ctx context.Context, actorID string, jobID uint) (*models.TrainingJob, *models.ResultSummary, error) {
	job, err := e.jobs.JobForActor(ctx, actorID, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, nil, &apperr.NotReadyError{JobID: job.ID, Status: job.Status}
	}
	summary, err := e.jobs.CachedResults(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	return job, summary, nil
}

func (e *Engine) promotionFailed(op string, job *models.TrainingJob, modelID uint, err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindNotFound || kind == apperr.KindValidation {
		return err
	}
	e.log.Error("Promotion rolled back", "op", op, "jobId", job.ID, "modelId", modelID, "error", err)
	return &apperr.PromotionError{Op: op, JobID: job.ID, Err: err}
}

func (e *Engine) archive(ctx context.Context, mode, actorID string, jobID uint, model *models.Model, ds *models.Dataset, members []uint, metrics models.DerivedMetrics) {
	if e.archiver == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	m := &Manifest{
		Mode:       mode,
		JobID:      jobID,
		PromotedBy: actorID,
		PromotedAt: e.now().UTC(),
		Model:      model,
		Dataset:    ds,
		MemberIDs:  members,
		Metrics:    metrics,
	}
	if err := e.archiver.PutJSON(actx, ManifestKey(model.ID, jobID), m); err != nil {
		e.recorder.RecordArchiveFailure()
		e.log.Warn("Failed to archive promotion manifest", "jobId", jobID, "modelId", model.ID, "error", err)
	}
}

// ArtifactName is the name an artifact was persisted under: its file name
// without extension.
func ArtifactName(artifactPath string) string {
	base := path.Base(strings.ReplaceAll(artifactPath, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func keepIfZero(v, old float64) float64 {
	if v == 0 {
		return old
	}
	return v
}
