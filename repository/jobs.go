package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loiht2/ml-platform-retrain/models"
)

// CreateTrainingJob creates a new training job record
func (r *Repository) CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create training job: %w", err)
	}
	return nil
}

// GetTrainingJob retrieves a training job by ID
func (r *Repository) GetTrainingJob(ctx context.Context, id uint) (*models.TrainingJob, error) {
	var job models.TrainingJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, mapError("training job", id, err)
	}
	return &job, nil
}

// LockTrainingJob reads a job with a row lock held until the surrounding
// transaction ends. Outside a transaction the lock is released immediately.
func (r *Repository) LockTrainingJob(ctx context.Context, id uint) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&job).Error
	if err != nil {
		return nil, mapError("training job", id, err)
	}
	return &job, nil
}

// AdvanceJobStatus moves a job to status only if the move is forward in the
// state machine. The condition is part of the UPDATE, so concurrent writers
// can never regress a job. Returns false when the row was not in a legal
// prior state.
func (r *Repository) AdvanceJobStatus(ctx context.Context, id uint, status string, extra map[string]interface{}) (bool, error) {
	from := models.PriorStatuses(status)
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.TrainingJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, mapError("training job", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateJobProgress stores the latest progress snapshot, as long as the job is
// still in expectedStatus.
func (r *Repository) UpdateJobProgress(ctx context.Context, id uint, expectedStatus string, progress datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.TrainingJob{}).
		Where("id = ? AND status = ?", id, expectedStatus).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, mapError("training job", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkJobFailed moves a non-terminal job to failed and records why.
func (r *Repository) MarkJobFailed(ctx context.Context, id uint, reason string) (bool, error) {
	return r.AdvanceJobStatus(ctx, id, models.StatusFailed, map[string]interface{}{
		"error_message": reason,
	})
}

// CacheJobResults stores the fetched result summary on a completed job. The
// first writer wins; later calls leave the cached value untouched.
func (r *Repository) CacheJobResults(ctx context.Context, id uint, summary datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.TrainingJob{}).
		Where("id = ? AND status = ? AND result_summary IS NULL", id, models.StatusCompleted).
		Updates(map[string]interface{}{
			"result_summary": summary,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, mapError("training job", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetJobArtifactPath records where the promoted artifact was persisted.
func (r *Repository) SetJobArtifactPath(ctx context.Context, id uint, path string) error {
	res := r.db.WithContext(ctx).
		Model(&models.TrainingJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"model_artifact_path": path,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return mapError("training job", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return mapError("training job", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// ListTrainingJobs lists the most recent jobs owned by ownerID
func (r *Repository) ListTrainingJobs(ctx context.Context, ownerID string, limit int) ([]models.TrainingJob, error) {
	var jobs []models.TrainingJob
	query := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")

	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListActiveJobs lists all jobs that are not in terminal state (completed or failed)
func (r *Repository) ListActiveJobs(ctx context.Context) ([]models.TrainingJob, error) {
	var jobs []models.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{models.StatusCompleted, models.StatusFailed}).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
