// Package config loads and validates experiment configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Remote tracking modes.
const (
	ModeDebug = "debug"
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Experiment is the default configuration record of a training run. Field
// order is the order fields are captured in the run's config snapshot.
type Experiment struct {
	ExperimentName  string         `mapstructure:"experiment_name"`
	OutputDir       string         `mapstructure:"output_directory"`
	Dataset         DatasetConfig  `mapstructure:"dataset"`
	Training        TrainingConfig `mapstructure:"training"`
	Logging         Logging        `mapstructure:"logging"`
	Service         ServiceConfig  `mapstructure:"service" visibility:"-1"`
	ConfigSource    string         `mapstructure:"_config_source"`
	ConfigClassName string         `mapstructure:"_config_class"`
}

// DatasetConfig describes the training data.
type DatasetConfig struct {
	TrainPath      string  `mapstructure:"train_dataframe"`
	ValidationPath string  `mapstructure:"validation_dataframe"`
	ValidationSize float64 `mapstructure:"validation_size"`
	TextColumn     string  `mapstructure:"prompt_column"`
	AnswerColumn   string  `mapstructure:"answer_column"`
}

// TrainingConfig holds the optimiser schedule.
type TrainingConfig struct {
	Epochs          int     `mapstructure:"epochs"`
	BatchSize       int     `mapstructure:"batch_size"`
	LearningRate    float64 `mapstructure:"learning_rate"`
	WarmupEpochs    float64 `mapstructure:"warmup_epochs"`
	EvaluationSteps int     `mapstructure:"evaluation_epochs"`
	Seed            int     `mapstructure:"seed"`
}

// Logging selects and configures the external sink.
type Logging struct {
	// Logger names the external sink; unknown names fall back to "None".
	Logger string `mapstructure:"logger"`
	// Mode is debug, sync or async.
	Mode string `mapstructure:"mode" visibility:"-1"`
	// Timeout bounds every remote call.
	Timeout time.Duration `mapstructure:"timeout" visibility:"-1"`
	// AsyncBuffer sizes the async upload queue.
	AsyncBuffer int `mapstructure:"async_buffer" visibility:"-1"`

	NeptuneProject  string `mapstructure:"neptune_project"`
	NeptuneAPIToken string `mapstructure:"neptune_api_token"`
	NeptuneEndpoint string `mapstructure:"neptune_endpoint" visibility:"-1"`

	PubSubProject string `mapstructure:"pubsub_project" visibility:"-1"`
	PubSubTopic   string `mapstructure:"pubsub_topic" visibility:"-1"`

	PostgresDSN   string `mapstructure:"postgres_dsn" visibility:"-1"`
	PostgresTable string `mapstructure:"postgres_table" visibility:"-1"`

	PushgatewayURL string `mapstructure:"pushgateway_url" visibility:"-1"`
	PushgatewayJob string `mapstructure:"pushgateway_job" visibility:"-1"`

	GCSBucket string `mapstructure:"gcs_bucket" visibility:"-1"`
	GCSPrefix string `mapstructure:"gcs_prefix" visibility:"-1"`
}

// ServiceConfig controls the process-level plumbing around a run.
type ServiceConfig struct {
	Development bool   `mapstructure:"development"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
	ListenAddr  string `mapstructure:"listen_addr"`
}

// NewExperiment returns an Experiment populated with defaults.
func NewExperiment() *Experiment {
	v := viper.New()
	setDefaults(v)
	var cfg Experiment
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// OutputDirectory returns the directory receiving run artifacts.
func (e *Experiment) OutputDirectory() string { return e.OutputDir }

// Name returns the experiment name.
func (e *Experiment) Name() string { return e.ExperimentName }

// LoggingConfig returns the external sink settings.
func (e *Experiment) LoggingConfig() Logging { return e.Logging }

// Load builds an Experiment from disk/environment.
func Load(path string) (*Experiment, error) {
	v := viper.New()
	v.SetEnvPrefix("TRAINLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Experiment
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("experiment_name", "default-experiment")
	v.SetDefault("output_directory", "output/default-experiment")
	v.SetDefault("dataset.validation_size", 0.01)
	v.SetDefault("dataset.prompt_column", "instruction")
	v.SetDefault("dataset.answer_column", "output")
	v.SetDefault("training.epochs", 1)
	v.SetDefault("training.batch_size", 2)
	v.SetDefault("training.learning_rate", 1e-4)
	v.SetDefault("training.warmup_epochs", 0.0)
	v.SetDefault("training.evaluation_epochs", 1)
	v.SetDefault("training.seed", -1)
	v.SetDefault("logging.logger", "None")
	v.SetDefault("logging.mode", ModeAsync)
	v.SetDefault("logging.timeout", "10s")
	v.SetDefault("logging.async_buffer", 1024)
	v.SetDefault("logging.neptune_endpoint", "https://app.neptune.ai")
	v.SetDefault("logging.postgres_table", "run_metrics")
	v.SetDefault("logging.pushgateway_job", "trainlog")
	v.SetDefault("logging.gcs_prefix", "runs")
	v.SetDefault("service.development", true)
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.listen_addr", ":8080")
}

// Validate enforces required values and reasonable limits.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.ExperimentName) == "" {
		return fmt.Errorf("experiment_name is required")
	}
	if strings.TrimSpace(e.OutputDir) == "" {
		return fmt.Errorf("output_directory is required")
	}
	if e.Training.Epochs < 0 {
		return fmt.Errorf("training.epochs must be >= 0")
	}
	if e.Dataset.ValidationSize < 0 || e.Dataset.ValidationSize >= 1 {
		return fmt.Errorf("dataset.validation_size must be in [0, 1)")
	}
	return e.Logging.Validate()
}

// Validate checks the mode and timeout. Backend-specific settings are checked
// when the external sink is built so that a bad value only disables it.
func (l Logging) Validate() error {
	switch l.Mode {
	case "", ModeDebug, ModeSync, ModeAsync:
	default:
		return fmt.Errorf("logging.mode must be one of debug, sync, async (got %q)", l.Mode)
	}
	if l.Timeout < 0 {
		return fmt.Errorf("logging.timeout must be >= 0")
	}
	return nil
}
