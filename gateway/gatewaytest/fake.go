// Package gatewaytest provides an in-memory training service for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loiht2/ml-platform-retrain/gateway"
)

// Fake records every call and answers from its configured fields. Hooks,
// when set, take precedence over the canned responses.
type Fake struct {
	mu sync.Mutex

	SubmitErr  error
	StatusResp *gateway.StatusResponse
	StatusErr  error
	ResultsRes *gateway.Results
	ResultsErr error
	PersistDir string
	PersistErr error

	OnSubmit  func(req *gateway.TrainRequest) error
	OnPersist func(jobID, artifactName string) error

	Submitted    []*gateway.TrainRequest
	StatusCalls  int
	ResultsCalls int
	Persisted    []string
}

func New() *Fake {
	return &Fake{PersistDir: "/models"}
}

func (f *Fake) Submit(_ context.Context, req *gateway.TrainRequest) (*gateway.SubmitResponse, error) {
	f.mu.Lock()
	f.Submitted = append(f.Submitted, req)
	hook, err := f.OnSubmit, f.SubmitErr
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(req); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	return &gateway.SubmitResponse{JobID: req.JobID, Status: "pending"}, nil
}

func (f *Fake) Status(_ context.Context, jobID string) (*gateway.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	if f.StatusResp == nil {
		return &gateway.StatusResponse{JobID: jobID, Status: "pending"}, nil
	}
	resp := *f.StatusResp
	resp.JobID = jobID
	return &resp, nil
}

func (f *Fake) Results(_ context.Context, _ string) (*gateway.Results, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResultsCalls++
	if f.ResultsErr != nil {
		return nil, f.ResultsErr
	}
	if f.ResultsRes == nil {
		return nil, &gateway.GatewayError{Op: "results", StatusCode: 404, Message: "no results"}
	}
	return f.ResultsRes, nil
}

func (f *Fake) Persist(_ context.Context, jobID string, artifactName string) (*gateway.PersistResponse, error) {
	f.mu.Lock()
	hook := f.OnPersist
	f.mu.Unlock()
	if hook != nil {
		if err := hook(jobID, artifactName); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PersistErr != nil {
		return nil, f.PersistErr
	}
	f.Persisted = append(f.Persisted, artifactName)
	return &gateway.PersistResponse{ModelPath: f.PersistDir + "/" + artifactName}, nil
}

// SetStatus changes the status reported for every job.
func (f *Fake) SetStatus(status string, progress string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusErr = nil
	f.StatusResp = &gateway.StatusResponse{Status: status}
	if progress != "" {
		f.StatusResp.Progress = json.RawMessage(progress)
	}
}

func (f *Fake) SetStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusErr = err
}

func (f *Fake) Calls() (status, results int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StatusCalls, f.ResultsCalls
}

// Report builds results with the given test accuracy and a two-class report.
func Report(testAccuracy float64, weighted *gateway.ClassScores) *gateway.Results {
	report := map[string]json.RawMessage{
		"spam":      mustJSON(gateway.ClassScores{Precision: 0.9, Recall: 0.8, F1Score: 0.85, Support: 30}),
		"ham":       mustJSON(gateway.ClassScores{Precision: 0.7, Recall: 0.9, F1Score: 0.79, Support: 10}),
		"accuracy":  mustJSON(testAccuracy),
		"macro avg": mustJSON(gateway.ClassScores{Precision: 0.8, Recall: 0.85, F1Score: 0.82, Support: 40}),
	}
	if weighted != nil {
		report["weighted avg"] = mustJSON(weighted)
	}
	metrics := gateway.ResultMetrics{TestAccuracy: testAccuracy, ClassificationReport: report}
	history := gateway.History{
		Loss:        []float64{0.9, 0.5},
		ValLoss:     []float64{1.0, 0.6},
		Accuracy:    []float64{0.6, 0.8},
		ValAccuracy: []float64{0.55, 0.75},
	}
	return &gateway.Results{
		Metrics:    metrics,
		History:    history,
		RawMetrics: mustJSON(metrics),
		RawHistory: mustJSON(history),
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
