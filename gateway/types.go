package gateway

import "encoding/json"

// Sample is one training example. Labels are names, never IDs.
type Sample struct {
	ID      uint     `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Labels  []string `json:"labels"`
}

type TrainHyperparameters struct {
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	RandomState  int     `json:"random_state"`
	MaxWords     int     `json:"max_words"`
	MaxLen       int     `json:"max_len"`
}

// TrainRequest is the body of POST /train.
type TrainRequest struct {
	JobID             string               `json:"jobId"`
	ModelType         string               `json:"modelType"`
	ModelArtifactPath string               `json:"modelArtifactPath"`
	Samples           []Sample             `json:"samples"`
	Hyperparameters   TrainHyperparameters `json:"hyperparameters"`
}

type SubmitResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the body of GET /train/status/{jobId}. Progress is kept
// raw so it can be passed through to callers untouched.
type StatusResponse struct {
	JobID    string          `json:"jobId,omitempty"`
	Status   string          `json:"status"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ClassScores is one row of a classification report.
type ClassScores struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1-score"`
	Support   float64 `json:"support"`
}

type ResultMetrics struct {
	TestAccuracy float64 `json:"testAccuracy"`
	// ClassificationReport maps class names (and "weighted avg", "macro avg",
	// "accuracy", ...) to their entries. Entries are not all objects.
	ClassificationReport map[string]json.RawMessage `json:"classificationReport"`
}

type History struct {
	Loss        []float64 `json:"loss"`
	ValLoss     []float64 `json:"val_loss"`
	Accuracy    []float64 `json:"accuracy"`
	ValAccuracy []float64 `json:"val_accuracy"`
}

// Results is the body of GET /train/results/{jobId}. RawMetrics and
// RawHistory keep the gateway's bytes for caching.
type Results struct {
	Metrics    ResultMetrics   `json:"-"`
	History    History         `json:"-"`
	RawMetrics json.RawMessage `json:"metrics"`
	RawHistory json.RawMessage `json:"history"`
}

type persistRequest struct {
	ModelName string `json:"modelName"`
}

// PersistResponse is the body returned by POST /train/save/{jobId}.
type PersistResponse struct {
	ModelPath string `json:"modelPath"`
	Message   string `json:"message,omitempty"`
}
