package orchestrator

import (
	"encoding/json"
	"strconv"

	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/models"
)

const weightedAvgKey = "weighted avg"

// report entries that summarize rather than describe a class
var aggregateKeys = map[string]bool{
	"accuracy":     true,
	"macro avg":    true,
	"micro avg":    true,
	"samples avg":  true,
	weightedAvgKey: true,
}

// DeriveMetrics computes the headline metrics of a training run. Accuracy is
// the test accuracy; precision, recall and F1 are the report's weighted
// averages, recomputed from per-class support when the report lacks them.
func DeriveMetrics(m gateway.ResultMetrics) models.DerivedMetrics {
	out := models.DerivedMetrics{Accuracy: m.TestAccuracy}
	if out.Accuracy == 0 {
		if raw, ok := m.ClassificationReport["accuracy"]; ok {
			var acc float64
			if json.Unmarshal(raw, &acc) == nil {
				out.Accuracy = acc
			}
		}
	}

	if raw, ok := m.ClassificationReport[weightedAvgKey]; ok {
		var w gateway.ClassScores
		if err := json.Unmarshal(raw, &w); err == nil {
			out.Precision, out.Recall, out.F1 = w.Precision, w.Recall, w.F1Score
			return out
		}
	}

	var support, p, r, f float64
	for name, raw := range m.ClassificationReport {
		if aggregateKeys[name] {
			continue
		}
		var cs gateway.ClassScores
		if err := json.Unmarshal(raw, &cs); err != nil || cs.Support <= 0 {
			continue
		}
		support += cs.Support
		p += cs.Precision * cs.Support
		r += cs.Recall * cs.Support
		f += cs.F1Score * cs.Support
	}
	if support > 0 {
		out.Precision, out.Recall, out.F1 = p/support, r/support, f/support
	}
	return out
}

// Summarize turns raw gateway results into the summary cached on the job.
func Summarize(jobID uint, res *gateway.Results) *models.ResultSummary {
	return &models.ResultSummary{
		JobID:   jobID,
		Metrics: DeriveMetrics(res.Metrics),
		History: models.TrainingHistory{
			TrainLoss: res.History.Loss,
			ValLoss:   res.History.ValLoss,
			TrainAcc:  res.History.Accuracy,
			ValAcc:    res.History.ValAccuracy,
		},
		RawMetrics: res.RawMetrics,
		RawHistory: res.RawHistory,
	}
}

func jobKey(prefix string, id uint) string {
	return prefix + ":" + strconv.FormatUint(uint64(id), 10)
}
