package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Hyperparameters are the tunables forwarded to the training gateway.
// MaxWords and MaxLen fall back to configured defaults when zero.
type Hyperparameters struct {
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	RandomState  int     `json:"random_state"`
	MaxWords     int     `json:"max_words,omitempty"`
	MaxLen       int     `json:"max_len,omitempty"`
}

// TrainingConfig is the submit payload from the surrounding web application.
type TrainingConfig struct {
	ModelID         uint            `json:"modelId"`
	SampleIDs       []uint          `json:"sampleIds"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	// RetrainExisting marks the job as a retrain of ModelID, to be overwritten on promotion.
	RetrainExisting bool `json:"retrainExisting"`
}

// SubmitResponse is returned after a job was accepted by the gateway.
type SubmitResponse struct {
	JobID   uint   `json:"jobId"`
	Status  string `json:"status"`
	ModelID uint   `json:"modelId"`
	Message string `json:"message"`
}

// StatusSnapshot is the result of a status poll. Stale is set when the gateway
// could not be reached and the last known local state is returned instead.
type StatusSnapshot struct {
	JobID    uint            `json:"jobId"`
	Status   string          `json:"status"`
	Progress json.RawMessage `json:"progress"`
	Stale    bool            `json:"stale"`
	Error    string          `json:"error,omitempty"`
}

// DerivedMetrics are the headline metrics recorded on a promoted model.
type DerivedMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

type TrainingHistory struct {
	TrainLoss []float64 `json:"train_loss"`
	ValLoss   []float64 `json:"val_loss"`
	TrainAcc  []float64 `json:"train_acc"`
	ValAcc    []float64 `json:"val_acc"`
}

// ResultSummary is cached on the job row once results were fetched.
type ResultSummary struct {
	JobID      uint            `json:"jobId"`
	Metrics    DerivedMetrics  `json:"metrics"`
	History    TrainingHistory `json:"history"`
	RawMetrics json.RawMessage `json:"rawMetrics,omitempty"`
	RawHistory json.RawMessage `json:"rawHistory,omitempty"`
}

// SaveRequest promotes a job's artifact as a brand new model.
type SaveRequest struct {
	ModelName          string `json:"modelName"`
	DatasetName        string `json:"datasetName"`
	DatasetDescription string `json:"datasetDescription"`
}

// OverwriteRequest replaces an existing model's artifact and dataset.
type OverwriteRequest struct {
	ModelID   uint   `json:"modelId"`
	SampleIDs []uint `json:"sampleIds"`
}

// PromotionResult is returned by both promotion entry points.
type PromotionResult struct {
	Model     *Model   `json:"model"`
	Dataset   *Dataset `json:"dataset"`
	MemberIDs []uint   `json:"memberIds"`
	Message   string   `json:"message"`
}

// ModelInfo is a model with its linked dataset and that dataset's member records.
type ModelInfo struct {
	Model     *Model   `json:"model"`
	Dataset   *Dataset `json:"dataset,omitempty"`
	MemberIDs []uint   `json:"existingRecordIds"`
}

// TrainingJobResponse is the history/list view of a job.
type TrainingJobResponse struct {
	ID                uint            `json:"id"`
	Status            string          `json:"status"`
	ModelType         string          `json:"modelType"`
	BaseModelID       uint            `json:"baseModelId"`
	TargetModelID     *uint           `json:"targetModelId,omitempty"`
	Hyperparameters   json.RawMessage `json:"hyperparameters"`
	SampleCount       int             `json:"sampleCount"`
	ModelArtifactPath *string         `json:"modelArtifactPath,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// PreparedSample is one training sample in the gateway's payload shape.
type PreparedSample struct {
	ID      uint     `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Labels  []string `json:"labels"`
}

// UniqueIDs returns ids sorted, without duplicates or zeros.
func UniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
