// Command preview-train-request prints the POST /train body the service would
// send for a YAML description of a model, samples and hyperparameters.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loiht2/ml-platform-retrain/converter"
	"github.com/loiht2/ml-platform-retrain/gateway"
	"github.com/loiht2/ml-platform-retrain/models"
	"github.com/loiht2/ml-platform-retrain/preparer"
	"github.com/loiht2/ml-platform-retrain/repository"
)

type preview struct {
	JobID     uint   `yaml:"jobId"`
	ModelPath string `yaml:"modelPath"`
	ModelType string `yaml:"modelType"`
	Samples   []struct {
		ID      uint     `yaml:"id"`
		Title   string   `yaml:"title"`
		Content string   `yaml:"content"`
		Labels  []string `yaml:"labels"`
	} `yaml:"samples"`
	Hyperparameters struct {
		LearningRate float64 `yaml:"learning_rate"`
		Epochs       int     `yaml:"epochs"`
		BatchSize    int     `yaml:"batch_size"`
		RandomState  int     `yaml:"random_state"`
		MaxWords     int     `yaml:"max_words"`
		MaxLen       int     `yaml:"max_len"`
	} `yaml:"hyperparameters"`
}

const example = `jobId: 1
modelPath: /models/email_bilstm_cnn.h5
samples:
  - id: 1
    title: Quarterly invoice
    content: Please find the invoice attached.
    labels: [finance]
  - id: 2
    title: Lunch?
    content: Are you free at noon
hyperparameters:
  learning_rate: 0.001
  epochs: 10
  batch_size: 32
  random_state: 42
`

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		file     string
		maxWords int
		maxLen   int
	)
	cmd := &cobra.Command{
		Use:           "preview-train-request",
		Short:         "Print the POST /train body built from a YAML description",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := []byte(example)
			if file != "" {
				var err error
				if raw, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
			}
			return render(cmd.OutOrStdout(), raw, maxWords, maxLen)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file describing the request (uses a built-in example when empty)")
	cmd.Flags().IntVar(&maxWords, "max-words", converter.DefaultMaxWords, "default max_words")
	cmd.Flags().IntVar(&maxLen, "max-len", converter.DefaultMaxLen, "default max_len")
	return cmd
}

func render(w io.Writer, raw []byte, maxWords, maxLen int) error {
	var in preview
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}

	samples := make([]gateway.Sample, 0, len(in.Samples))
	for _, s := range in.Samples {
		samples = append(samples, preparer.ToSample(repository.RecordWithLabels{
			Record:     models.Record{ID: s.ID, Title: s.Title, Content: s.Content},
			LabelNames: s.Labels,
		}))
	}

	hp := in.Hyperparameters
	req, err := converter.NewConverter(maxWords, maxLen).ConvertToTrainRequest(
		in.JobID,
		&models.Model{ArtifactPath: in.ModelPath, ModelType: in.ModelType},
		samples,
		models.Hyperparameters{
			LearningRate: hp.LearningRate,
			Epochs:       hp.Epochs,
			BatchSize:    hp.BatchSize,
			RandomState:  hp.RandomState,
			MaxWords:     hp.MaxWords,
			MaxLen:       hp.MaxLen,
		},
	)
	if err != nil {
		return fmt.Errorf("convert request: %w", err)
	}

	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
