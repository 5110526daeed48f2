package experiment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvModelRoot   = "TASKARITH_MODEL_ROOT"
	EnvDatasetRoot = "TASKARITH_DATASET_ROOT"
	EnvResultRoot  = "TASKARITH_RESULT_ROOT"
)

// Config represents the taskarith configuration file
// (~/.config/taskarith/config.yaml). Fields are pointers so "not set" is
// distinguishable from a zero value.
type Config struct {
	ModelRoot   string `yaml:"model_root"`
	DatasetRoot string `yaml:"dataset_root"`
	ResultRoot  string `yaml:"result_root"`

	Architecture         string `yaml:"architecture"`
	Pretrained           string `yaml:"pretrained"`
	PretrainedToTransfer string `yaml:"pretrained_to_transfer"`
	FinetuningType       string `yaml:"finetuning_type"`

	LR             *float64 `yaml:"lr"`
	WD             *float64 `yaml:"wd"`
	LS             *float64 `yaml:"ls"`
	Rank           *int     `yaml:"rank"`
	Alpha          *int     `yaml:"alpha"`
	BatchSize      *int     `yaml:"batch_size"`
	GradAccumSteps *int     `yaml:"grad_accum_steps"`
	Seed           *int64   `yaml:"seed"`
	Epochs         *int     `yaml:"epochs"`
	Beta           *float64 `yaml:"beta"`
	Lamb           *float64 `yaml:"lamb"`
	Randomize      *bool    `yaml:"randomize"`
	NumImages      *int     `yaml:"num_images"`
	NumAugments    *int     `yaml:"num_augments"`
	Warmup         *int     `yaml:"warmup"`
	Workers        *int     `yaml:"workers"`

	Norm        string `yaml:"norm"`
	DatasetType string `yaml:"dataset_type"`

	TrainDatasets []string `yaml:"train_datasets"`
	EvalDatasets  []string `yaml:"eval_datasets"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
}

// ConfigPath returns the default config location, or "" when the user
// config directory is unknown.
func ConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "taskarith", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Roots returns the configured roots with environment overrides applied.
// getenv is os.Getenv outside tests.
func (c Config) Roots(getenv func(string) string) Roots {
	r := Roots{Model: c.ModelRoot, Dataset: c.DatasetRoot, Result: c.ResultRoot}
	for env, dst := range map[string]*string{
		EnvModelRoot:   &r.Model,
		EnvDatasetRoot: &r.Dataset,
		EnvResultRoot:  &r.Result,
	} {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			*dst = v
		}
	}
	return r
}
