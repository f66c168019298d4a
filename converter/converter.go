package converter

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/models"
)

const (
	DefaultMaxWords = 50000
	DefaultMaxLen   = 256
)

// Model type names understood by the training service.
const (
	ModelTypeBiLSTMCNN = "BiLSTM+CNN"
	ModelTypeBiLSTM    = "BiLSTM"
	ModelTypeLSTM      = "LSTM"
	ModelTypeRNN       = "RNN"
	ModelTypeCNN       = "CNN"
)

// file name fragments, most specific first
var modelTypeMarkers = []struct {
	marker    string
	modelType string
}{
	{"bilstm_cnn", ModelTypeBiLSTMCNN},
	{"bilstm", ModelTypeBiLSTM},
	{"lstm", ModelTypeLSTM},
	{"rnn", ModelTypeRNN},
	{"cnn", ModelTypeCNN},
}

// Converter handles conversion from stored models and prepared samples to
// gateway training requests
type Converter struct {
	maxWords int
	maxLen   int
}

// NewConverter creates a new converter instance. Non-positive defaults fall
// back to DefaultMaxWords and DefaultMaxLen.
func NewConverter(maxWords, maxLen int) *Converter {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Converter{maxWords: maxWords, maxLen: maxLen}
}

// ConvertToTrainRequest builds the POST /train body for a job retraining model.
func (c *Converter) ConvertToTrainRequest(jobID uint, model *models.Model, samples []gateway.Sample, hp models.Hyperparameters) (*gateway.TrainRequest, error) {
	modelType, err := ModelTypeOf(model)
	if err != nil {
		return nil, err
	}

	return &gateway.TrainRequest{
		JobID:             GatewayJobID(jobID),
		ModelType:         modelType,
		ModelArtifactPath: model.ArtifactPath,
		Samples:           samples,
		Hyperparameters:   c.BuildHyperparameters(hp),
	}, nil
}

// BuildHyperparameters copies hp into the gateway shape, filling in vocabulary
// and sequence-length defaults.
func (c *Converter) BuildHyperparameters(hp models.Hyperparameters) gateway.TrainHyperparameters {
	out := gateway.TrainHyperparameters{
		LearningRate: hp.LearningRate,
		Epochs:       hp.Epochs,
		BatchSize:    hp.BatchSize,
		RandomState:  hp.RandomState,
		MaxWords:     hp.MaxWords,
		MaxLen:       hp.MaxLen,
	}
	if out.MaxWords <= 0 {
		out.MaxWords = c.maxWords
	}
	if out.MaxLen <= 0 {
		out.MaxLen = c.maxLen
	}
	return out
}

// GatewayJobID is the key a local job is known by on the training service.
func GatewayJobID(jobID uint) string {
	return strconv.FormatUint(uint64(jobID), 10)
}

// ModelTypeOf returns the model's stored type, or derives it from the artifact
// file name.
func ModelTypeOf(model *models.Model) (string, error) {
	if model == nil {
		return "", apperr.Validation("modelId", "model is required")
	}
	if t := strings.TrimSpace(model.ModelType); t != "" {
		return t, nil
	}
	return DeriveModelType(model.ArtifactPath)
}

// DeriveModelType maps an artifact path such as "/models/email_bilstm_cnn.h5"
// to the training service's model type.
func DeriveModelType(artifactPath string) (string, error) {
	name := strings.ToLower(filepath.Base(artifactPath))
	for _, m := range modelTypeMarkers {
		if strings.Contains(name, m.marker) {
			return m.modelType, nil
		}
	}
	return "", apperr.Validation("modelId", "cannot determine model type from artifact %q", artifactPath)
}
