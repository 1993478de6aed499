package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
experiment_name: tiny-llm
output_directory: /tmp/runs/tiny-llm
dataset:
  validation_size: 0.2
training:
  epochs: 3
  learning_rate: 0.001
logging:
  logger: Neptune
  mode: sync
  timeout: 3s
  neptune_project: team/llm
  neptune_api_token: token
service:
  development: false
  log_level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name() != "tiny-llm" || cfg.OutputDirectory() != "/tmp/runs/tiny-llm" {
		t.Fatalf("expected experiment overrides, got %q %q", cfg.Name(), cfg.OutputDirectory())
	}
	if cfg.Training.Epochs != 3 || cfg.Training.LearningRate != 0.001 {
		t.Fatalf("expected training overrides to apply: %+v", cfg.Training)
	}
	if cfg.Training.BatchSize != 2 {
		t.Fatalf("expected default batch size, got %d", cfg.Training.BatchSize)
	}
	logging := cfg.LoggingConfig()
	if logging.Logger != "Neptune" || logging.Mode != ModeSync || logging.NeptuneAPIToken != "token" {
		t.Fatalf("expected logging overrides: %+v", logging)
	}
	if logging.Timeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %v", logging.Timeout)
	}
	if logging.PostgresTable != "run_metrics" {
		t.Fatalf("expected default table, got %q", logging.PostgresTable)
	}
	if cfg.Service.Development || cfg.Service.LogLevel != "debug" {
		t.Fatalf("expected service overrides: %+v", cfg.Service)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNewExperimentDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewExperiment()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Logging.Logger != "None" || cfg.Logging.Mode != ModeAsync {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Logging.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", cfg.Logging.Timeout)
	}
}

func TestExperimentValidateErrors(t *testing.T) {
	t.Parallel()

	base := *NewExperiment()

	tests := []struct {
		name string
		cfg  Experiment
		want string
	}{
		{
			name: "missing name",
			cfg: func() Experiment {
				c := base
				c.ExperimentName = " "
				return c
			}(),
			want: "experiment_name",
		},
		{
			name: "missing output directory",
			cfg: func() Experiment {
				c := base
				c.OutputDir = ""
				return c
			}(),
			want: "output_directory",
		},
		{
			name: "negative epochs",
			cfg: func() Experiment {
				c := base
				c.Training.Epochs = -1
				return c
			}(),
			want: "training.epochs",
		},
		{
			name: "validation size out of range",
			cfg: func() Experiment {
				c := base
				c.Dataset.ValidationSize = 1
				return c
			}(),
			want: "dataset.validation_size",
		},
		{
			name: "unknown mode",
			cfg: func() Experiment {
				c := base
				c.Logging.Mode = "offline"
				return c
			}(),
			want: "logging.mode",
		},
		{
			name: "negative timeout",
			cfg: func() Experiment {
				c := base
				c.Logging.Timeout = -time.Second
				return c
			}(),
			want: "logging.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
