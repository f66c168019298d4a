package orchestrator

import (
	"math"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/models"
)

const (
	MinSamples = 10

	MaxEpochs    = 100
	MaxBatchSize = 256
)

// ValidateHyperparameters checks the ranges the training service accepts.
func ValidateHyperparameters(hp models.Hyperparameters) error {
	lr := hp.LearningRate
	if math.IsNaN(lr) || math.IsInf(lr, 0) || lr <= 0 || lr > 1 {
		return apperr.Validation("hyperparameters.learning_rate", "must be in (0, 1], got %v", lr)
	}
	if hp.Epochs < 1 || hp.Epochs > MaxEpochs {
		return apperr.Validation("hyperparameters.epochs", "must be in [1, %d], got %d", MaxEpochs, hp.Epochs)
	}
	if hp.BatchSize < 1 || hp.BatchSize > MaxBatchSize {
		return apperr.Validation("hyperparameters.batch_size", "must be in [1, %d], got %d", MaxBatchSize, hp.BatchSize)
	}
	if hp.RandomState < 0 {
		return apperr.Validation("hyperparameters.random_state", "must be >= 0, got %d", hp.RandomState)
	}
	if hp.MaxWords < 0 {
		return apperr.Validation("hyperparameters.max_words", "must be >= 0, got %d", hp.MaxWords)
	}
	if hp.MaxLen < 0 {
		return apperr.Validation("hyperparameters.max_len", "must be >= 0, got %d", hp.MaxLen)
	}
	return nil
}

// validateConfig runs the checks that need no storage access and returns the
// normalized sample set.
func validateConfig(cfg *models.TrainingConfig) ([]uint, error) {
	if cfg == nil {
		return nil, apperr.Validation("", "training configuration is required")
	}
	if cfg.ModelID == 0 {
		return nil, apperr.Validation("modelId", "is required")
	}
	ids := models.UniqueIDs(cfg.SampleIDs)
	if len(ids) < MinSamples {
		return nil, apperr.Validation("sampleIds", "at least %d distinct records are required, got %d", MinSamples, len(ids))
	}
	if err := ValidateHyperparameters(cfg.Hyperparameters); err != nil {
		return nil, err
	}
	return ids, nil
}

// missingIDs returns the members of want not present in found. Both are sorted.
func missingIDs(want, found []uint) []uint {
	var missing []uint
	j := 0
	for _, id := range want {
		for j < len(found) && found[j] < id {
			j++
		}
		if j < len(found) && found[j] == id {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}
