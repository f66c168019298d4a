package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/loiht2/ml-platform-retrain/models"
)

const membershipBatchSize = 500

// CreateDataset inserts a dataset and its membership. Quantity is taken from
// the member set, never from the caller.
func (r *Repository) CreateDataset(ctx context.Context, ds *models.Dataset, recordIDs []uint) error {
	ds.Quantity = len(recordIDs)
	if err := r.db.WithContext(ctx).Create(ds).Error; err != nil {
		return mapError("dataset", "new", err)
	}
	return r.insertMembers(ctx, ds.ID, recordIDs)
}

// GetDataset retrieves a dataset by ID
func (r *Repository) GetDataset(ctx context.Context, id uint) (*models.Dataset, error) {
	var ds models.Dataset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ds).Error; err != nil {
		return nil, mapError("dataset", id, err)
	}
	return &ds, nil
}

// ReplaceDatasetMembers drops every existing membership link and inserts
// recordIDs in their place. Quantity and description are rewritten to match.
// Callers run this inside InTx so a failed insert leaves the old set intact.
func (r *Repository) ReplaceDatasetMembers(ctx context.Context, datasetID uint, recordIDs []uint, description string) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("dataset_id = ?", datasetID).Delete(&models.DatasetRecord{}).Error; err != nil {
		return mapError("dataset", datasetID, err)
	}
	if err := r.insertMembers(ctx, datasetID, recordIDs); err != nil {
		return err
	}
	res := db.Model(&models.Dataset{}).Where("id = ?", datasetID).Updates(map[string]interface{}{
		"quantity":    len(recordIDs),
		"description": description,
		"updated_at":  time.Now(),
	})
	if res.Error != nil {
		return mapError("dataset", datasetID, res.Error)
	}
	if res.RowsAffected == 0 {
		return mapError("dataset", datasetID, gorm.ErrRecordNotFound)
	}
	return nil
}

// DatasetMemberIDs returns the dataset's member record IDs in ascending order.
func (r *Repository) DatasetMemberIDs(ctx context.Context, datasetID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.DatasetRecord{}).
		Where("dataset_id = ?", datasetID).
		Pluck("record_id", &ids).Error
	if err != nil {
		return nil, mapError("dataset", datasetID, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Repository) insertMembers(ctx context.Context, datasetID uint, recordIDs []uint) error {
	if len(recordIDs) == 0 {
		return nil
	}
	links := make([]models.DatasetRecord, 0, len(recordIDs))
	for _, id := range recordIDs {
		links = append(links, models.DatasetRecord{DatasetID: datasetID, RecordID: id})
	}
	if err := r.db.WithContext(ctx).CreateInBatches(links, membershipBatchSize).Error; err != nil {
		return mapError("dataset", datasetID, fmt.Errorf("insert members: %w", err))
	}
	return nil
}
