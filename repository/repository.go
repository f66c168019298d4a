package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/models"
)

// ErrRetryable marks database failures caused by lock contention or
// serialization conflicts. The whole unit of work can be retried.
var ErrRetryable = errors.New("retryable database conflict")

// Repository handles database operations for jobs, models, datasets and records.
// A Repository returned by InTx is bound to that transaction.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle (transaction-bound inside InTx).
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// InTx runs fn inside a single database transaction. Every write made through
// the Repository handed to fn commits together or not at all.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// AutoMigrate creates or updates every table.
func (r *Repository) AutoMigrate() error {
	if err := r.db.AutoMigrate(models.AllEntities()...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ToResponse converts a database TrainingJob to API response
func (r *Repository) ToResponse(job *models.TrainingJob) (*models.TrainingJobResponse, error) {
	ids, err := job.TrainingRecordIDs()
	if err != nil {
		return nil, err
	}

	return &models.TrainingJobResponse{
		ID:                job.ID,
		Status:            job.Status,
		ModelType:         job.ModelType,
		BaseModelID:       job.BaseModelID,
		TargetModelID:     job.TargetModelID,
		Hyperparameters:   json.RawMessage(job.Hyperparameters),
		SampleCount:       len(ids),
		ModelArtifactPath: job.ModelArtifactPath,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}, nil
}

// mapError converts gorm/driver errors into the module's taxonomy.
func mapError(resource string, id interface{}, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(resource, id)
	}
	if IsRetryable(err) {
		return fmt.Errorf("%s %v: %w: %w", resource, id, ErrRetryable, err)
	}
	return fmt.Errorf("%s %v: %w", resource, id, err)
}

// IsRetryable reports whether err is a serialization failure, a deadlock or a
// lock wait timeout reported by Postgres.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryable) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var nf *apperr.NotFoundError
	return errors.As(err, &nf)
}
