package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Training job statuses. Completed and failed are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsTerminal reports whether status can no longer change.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsKnownStatus reports whether status is one of the four job states.
func IsKnownStatus(status string) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// PriorStatuses lists the states a job may be in for a transition to target to
// be legal. Nothing moves back to pending, and terminal states have no exits.
func PriorStatuses(target string) []string {
	switch target {
	case StatusRunning:
		return []string{StatusPending}
	case StatusCompleted, StatusFailed:
		return []string{StatusPending, StatusRunning}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a forward move of the job state machine.
func CanTransition(from, to string) bool {
	for _, s := range PriorStatuses(to) {
		if s == from {
			return true
		}
	}
	return false
}

// TrainingJob is one request to the training gateway plus its local lifecycle.
type TrainingJob struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	OwnerID           string         `gorm:"index;not null" json:"ownerId"`
	BaseModelID       uint           `gorm:"index;not null" json:"baseModelId"`
	TargetModelID     *uint          `gorm:"index" json:"targetModelId,omitempty"`
	ModelType         string         `json:"modelType"`
	Status            string         `gorm:"index;not null" json:"status"`
	Hyperparameters   datatypes.JSON `json:"hyperparameters"`
	RecordIDs         datatypes.JSON `json:"recordIds"`
	Progress          datatypes.JSON `json:"progress,omitempty"`
	ResultSummary     datatypes.JSON `json:"resultSummary,omitempty"`
	ModelArtifactPath *string        `json:"modelArtifactPath,omitempty"`
	ErrorMessage      string         `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (TrainingJob) TableName() string {
	return "training_jobs"
}

// TrainingRecordIDs decodes the record IDs the job was trained on.
func (j *TrainingJob) TrainingRecordIDs() ([]uint, error) {
	if len(j.RecordIDs) == 0 {
		return nil, nil
	}
	var ids []uint
	if err := json.Unmarshal(j.RecordIDs, &ids); err != nil {
		return nil, fmt.Errorf("decode record ids of job %d: %w", j.ID, err)
	}
	return ids, nil
}

// Model is a promoted, trained artifact. At most one row has IsActive set.
type Model struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ArtifactPath string    `gorm:"not null" json:"path"`
	Version      string    `gorm:"size:255" json:"version"`
	ModelType    string    `gorm:"size:64" json:"modelType,omitempty"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1Score"`
	IsActive     bool      `gorm:"index;not null;default:false" json:"isActive"`
	DatasetID    *uint     `gorm:"index" json:"datasetId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Model) TableName() string {
	return "models"
}

// Dataset is the exact membership used to produce a model. Quantity always
// equals the number of dataset_records rows for the dataset.
type Dataset struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:255" json:"name"`
	Path        string    `gorm:"size:255" json:"path,omitempty"`
	Description string    `gorm:"size:255" json:"description"`
	Quantity    int       `gorm:"not null;default:0" json:"quantity"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Dataset) TableName() string {
	return "datasets"
}

// Record is a historical labeled sample (an email in the surrounding application).
type Record struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Title     string    `gorm:"size:500" json:"title"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Record) TableName() string {
	return "records"
}

type Label struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Description string `gorm:"size:255" json:"description,omitempty"`
}

func (Label) TableName() string {
	return "labels"
}

// RecordLabel links a record to one of its labels.
type RecordLabel struct {
	RecordID uint `gorm:"primaryKey;autoIncrement:false"`
	LabelID  uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (RecordLabel) TableName() string {
	return "record_labels"
}

// DatasetRecord links a dataset to one member record.
type DatasetRecord struct {
	DatasetID uint `gorm:"primaryKey;autoIncrement:false"`
	RecordID  uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (DatasetRecord) TableName() string {
	return "dataset_records"
}

// AllEntities is the migration set, in dependency order.
func AllEntities() []interface{} {
	return []interface{}{
		&Label{},
		&Record{},
		&RecordLabel{},
		&Dataset{},
		&DatasetRecord{},
		&Model{},
		&TrainingJob{},
	}
}
