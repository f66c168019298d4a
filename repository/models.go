package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loiht2/ml-platform-retrain/models"
)

// GetModel retrieves a model by ID
func (r *Repository) GetModel(ctx context.Context, id uint) (*models.Model, error) {
	var m models.Model
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapError("model", id, err)
	}
	return &m, nil
}

// LockModel reads a model with a row lock, serializing concurrent overwrites
// of the same model for the rest of the transaction.
func (r *Repository) LockModel(ctx context.Context, id uint) (*models.Model, error) {
	var m models.Model
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		return nil, mapError("model", id, err)
	}
	return &m, nil
}

func (r *Repository) CreateModel(ctx context.Context, m *models.Model) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return mapError("model", "new", err)
	}
	return nil
}

// UpdateModelFields applies a partial update to a model row.
func (r *Repository) UpdateModelFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&models.Model{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return mapError("model", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return mapError("model", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeactivateOtherModels clears the active flag on every model except keepID.
func (r *Repository) DeactivateOtherModels(ctx context.Context, keepID uint) error {
	err := r.db.WithContext(ctx).
		Model(&models.Model{}).
		Where("id <> ? AND is_active = ?", keepID, true).
		Update("is_active", false).Error
	if err != nil {
		return mapError("model", keepID, err)
	}
	return nil
}

// ListModels returns every model, newest first.
func (r *Repository) ListModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	if err := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetActiveModel returns the model currently designated for inference.
func (r *Repository) GetActiveModel(ctx context.Context) (*models.Model, error) {
	var m models.Model
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").Order("id DESC").
		First(&m).Error
	if err != nil {
		return nil, mapError("active model", "", err)
	}
	return &m, nil
}

func (r *Repository) CountActiveModels(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Model{}).Where("is_active = ?", true).Count(&n).Error
	return n, err
}

// NormalizeActiveModel leaves exactly one active model when any model exists.
// The most recently updated active model wins; with none active, the newest
// model is activated. Returns the ID of the active model, or 0 for an empty table.
func (r *Repository) NormalizeActiveModel(ctx context.Context) (uint, error) {
	var keepID uint
	err := r.InTx(ctx, func(tx *Repository) error {
		var keep models.Model
		err := tx.db.Where("is_active = ?", true).
			Order("updated_at DESC").Order("id DESC").
			First(&keep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.db.Order("created_at DESC").Order("id DESC").First(&keep).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
		}
		if err != nil {
			return err
		}
		keepID = keep.ID

		if !keep.IsActive {
			if err := tx.db.Model(&models.Model{}).Where("id = ?", keep.ID).
				Updates(map[string]interface{}{"is_active": true, "updated_at": time.Now()}).Error; err != nil {
				return err
			}
		}
		return tx.DeactivateOtherModels(ctx, keep.ID)
	})
	if err != nil {
		return 0, mapError("active model", "", err)
	}
	return keepID, nil
}

// ModelInfo loads a model with its linked dataset and that dataset's members.
func (r *Repository) ModelInfo(ctx context.Context, id uint) (*models.ModelInfo, error) {
	m, err := r.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &models.ModelInfo{Model: m, MemberIDs: []uint{}}
	if m.DatasetID == nil {
		return info, nil
	}

	ds, err := r.GetDataset(ctx, *m.DatasetID)
	if err != nil {
		if isNotFound(err) {
			return info, nil
		}
		return nil, err
	}
	info.Dataset = ds
	if info.MemberIDs, err = r.DatasetMemberIDs(ctx, ds.ID); err != nil {
		return nil, err
	}
	if info.MemberIDs == nil {
		info.MemberIDs = []uint{}
	}
	return info, nil
}
