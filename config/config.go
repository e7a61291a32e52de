package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"spit/checkpoint"
	"spit/labels"
	"spit/preprocess"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	ResourceDir string `yaml:"resource_dir"`
	// Checkpoint is a checkpoint root, "Kast" for the packaged one, or
	// empty to use $SPIT_DATA/Kast/checkpoints/final/best_validation.
	Checkpoint string `yaml:"checkpoint"`
	Device     string `yaml:"device"`
	Seed       int64  `yaml:"seed"`

	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`

	DBPath   string `yaml:"db_path"`
	HTTPAddr string `yaml:"http_addr"`
	TCPAddr  string `yaml:"tcp_addr"`

	ONNXModel    string `yaml:"onnx_model"`
	ONNXMetadata string `yaml:"onnx_metadata"`

	Labels  map[string]int  `yaml:"labels"`
	Preproc preprocess.Dict `yaml:"preproc"`
}

// Load reads the YAML file at path when it exists, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = "spit.yaml"
		if envPath := os.Getenv("SPIT_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	envOverride(&cfg.DataDir, checkpoint.DataEnv)
	envOverride(&cfg.ResourceDir, "SPIT_RESOURCE_DIR")
	envOverride(&cfg.Checkpoint, "SPIT_CHECKPOINT")
	envOverride(&cfg.Device, "SPIT_DEVICE")
	envOverride(&cfg.DBPath, "SPIT_DB_PATH")
	envOverride(&cfg.HTTPAddr, "SPIT_HTTP_ADDR")
	envOverride(&cfg.TCPAddr, "SPIT_TCP_ADDR")
	envOverride(&cfg.ONNXModel, "SPIT_ONNX_MODEL")
	envOverride(&cfg.ONNXMetadata, "SPIT_ONNX_METADATA")
	if err := envOverrideFloat(&cfg.LearningRate, "SPIT_LEARNING_RATE"); err != nil {
		return Config{}, err
	}
	if err := envOverrideInt(&cfg.BatchSize, "SPIT_BATCH_SIZE"); err != nil {
		return Config{}, err
	}
	if err := envOverrideInt(&cfg.Epochs, "SPIT_EPOCHS"); err != nil {
		return Config{}, err
	}

	if cfg.ResourceDir == "" {
		cfg.ResourceDir = "./data"
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-4
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 10
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.Labels == nil {
		cfg.Labels = labels.KastLabelDict()
	}
	if cfg.Preproc == (preprocess.Dict{}) {
		cfg.Preproc = preprocess.OriginalDict()
	}

	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	switch cfg.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("device must be auto, cpu or cuda, got %q", cfg.Device)
	}
	if cfg.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate %g: must be > 0", cfg.LearningRate)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size %d: must be >= 1", cfg.BatchSize)
	}
	if cfg.Epochs < 1 {
		return fmt.Errorf("invalid epochs %d: must be >= 1", cfg.Epochs)
	}
	if err := labels.Validate(cfg.Labels); err != nil {
		return fmt.Errorf("invalid labels: %w", err)
	}
	if err := cfg.Preproc.Validate(); err != nil {
		return fmt.Errorf("invalid preproc: %w", err)
	}
	if (cfg.ONNXModel == "") != (cfg.ONNXMetadata == "") {
		return errors.New("onnx_model and onnx_metadata must be set together")
	}
	return nil
}

// CheckpointRoot is the root to restore from: Checkpoint when set,
// otherwise best_validation under the Kast directory of DataDir.
func (cfg Config) CheckpointRoot() (string, error) {
	if cfg.Checkpoint != "" {
		return cfg.Checkpoint, nil
	}
	arch, err := checkpoint.KastArchPathIn(cfg.DataDir)
	if err != nil {
		return "", err
	}
	return arch + checkpoint.BestValidation, nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
