package repository

import (
	"context"
	"sort"

	"github.com/loiht2/ml-platform-retrain/models"
)

// RecordWithLabels is a record together with the names of its labels.
type RecordWithLabels struct {
	models.Record
	LabelNames []string
}

type recordLabelRow struct {
	RecordID  uint
	LabelName string
}

// LoadRecordsWithLabels loads the given records and their label names using
// two explicit queries. Records that do not exist are simply absent.
func (r *Repository) LoadRecordsWithLabels(ctx context.Context, ids []uint) ([]RecordWithLabels, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := r.db.WithContext(ctx)

	var records []models.Record
	if err := db.Where("id IN ?", ids).Order("id ASC").Find(&records).Error; err != nil {
		return nil, mapError("records", len(ids), err)
	}

	var rows []recordLabelRow
	err := db.Table("record_labels").
		Select("record_labels.record_id AS record_id, labels.name AS label_name").
		Joins("JOIN labels ON labels.id = record_labels.label_id").
		Where("record_labels.record_id IN ?", ids).
		Order("record_labels.record_id ASC").Order("labels.name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, mapError("record labels", len(ids), err)
	}

	byRecord := make(map[uint][]string, len(records))
	for _, row := range rows {
		byRecord[row.RecordID] = append(byRecord[row.RecordID], row.LabelName)
	}

	out := make([]RecordWithLabels, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordWithLabels{Record: rec, LabelNames: byRecord[rec.ID]})
	}
	return out, nil
}

// ExistingRecordIDs returns the subset of ids present in the records table, sorted.
func (r *Repository) ExistingRecordIDs(ctx context.Context, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []uint
	err := r.db.WithContext(ctx).Model(&models.Record{}).Where("id IN ?", ids).Pluck("id", &found).Error
	if err != nil {
		return nil, mapError("records", len(ids), err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, nil
}

func (r *Repository) CreateRecord(ctx context.Context, rec *models.Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// FindOrCreateLabel returns the label with name, creating it if needed.
func (r *Repository) FindOrCreateLabel(ctx context.Context, name string) (*models.Label, error) {
	var l models.Label
	err := r.db.WithContext(ctx).Where(models.Label{Name: name}).FirstOrCreate(&l).Error
	if err != nil {
		return nil, mapError("label", name, err)
	}
	return &l, nil
}

func (r *Repository) AttachLabel(ctx context.Context, recordID, labelID uint) error {
	return r.db.WithContext(ctx).Create(&models.RecordLabel{RecordID: recordID, LabelID: labelID}).Error
}
