// Package preparer turns stored records into training samples.
package preparer

import (
	"context"
	"fmt"

	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/repository"
)

// UnknownLabel stands in for the label list of a record that has none. The
// training service rejects samples with an empty label set.
const UnknownLabel = "Unknown"

// RecordLoader is the slice of the repository the preparer reads from.
type RecordLoader interface {
	LoadRecordsWithLabels(ctx context.Context, ids []uint) ([]repository.RecordWithLabels, error)
}

type Preparer struct {
	records RecordLoader
}

func New(records RecordLoader) *Preparer {
	return &Preparer{records: records}
}

// Prepare loads ids and projects them into gateway samples. IDs that do not
// exist are left out; callers validate existence beforehand.
func (p *Preparer) Prepare(ctx context.Context, ids []uint) ([]gateway.Sample, error) {
	recs, err := p.records.LoadRecordsWithLabels(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	samples := make([]gateway.Sample, 0, len(recs))
	for _, rec := range recs {
		samples = append(samples, ToSample(rec))
	}
	return samples, nil
}

// ToSample projects one record into the training payload shape. The label
// slice is copied; a record without labels gets UnknownLabel.
func ToSample(rec repository.RecordWithLabels) gateway.Sample {
	labels := make([]string, len(rec.LabelNames))
	copy(labels, rec.LabelNames)
	if len(labels) == 0 {
		labels = []string{UnknownLabel}
	}
	return gateway.Sample{
		ID:      rec.ID,
		Title:   rec.Title,
		Content: rec.Content,
		Labels:  labels,
	}
}
