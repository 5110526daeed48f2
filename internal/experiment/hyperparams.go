// Package experiment names a run: its hyperparameter identity, the on-disk
// layout derived from it, the YAML config that seeds it and the JSON results
// it leaves behind.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/taskarith/internal/orthreg"
	"github.com/samcharles93/taskarith/internal/train"
)

const (
	FinetuneStandard = "standard"
	FinetuneLinear   = "linear"
	FinetuneLoRA     = "lora"
)

var FinetuningTypes = []string{FinetuneStandard, FinetuneLinear, FinetuneLoRA}

var ErrInvalidHyperparams = errors.New("experiment: invalid hyperparameters")

// Hyperparams identifies a run. Every field that appears in a path
// component is part of the identity, so two runs that differ in any of them
// never share a file.
type Hyperparams struct {
	Architecture         string   `json:"architecture" yaml:"architecture"`
	Pretrained           string   `json:"pretrained" yaml:"pretrained"`
	PretrainedToTransfer string   `json:"pretrained_to_transfer" yaml:"pretrained_to_transfer"`
	FinetuningType       string   `json:"finetuning_type" yaml:"finetuning_type"`
	LR                   float64  `json:"lr" yaml:"lr"`
	WD                   float64  `json:"wd" yaml:"wd"`
	LS                   float64  `json:"ls" yaml:"ls"`
	Rank                 int      `json:"rank" yaml:"rank"`
	Alpha                int      `json:"alpha" yaml:"alpha"`
	BatchSize            int      `json:"batch_size" yaml:"batch_size"`
	GradAccumSteps       int      `json:"grad_accum_steps" yaml:"grad_accum_steps"`
	Seed                 int64    `json:"seed" yaml:"seed"`
	TrainDatasets        []string `json:"train_datasets,omitempty" yaml:"train_datasets"`
	EvalDatasets         []string `json:"eval_datasets,omitempty" yaml:"eval_datasets"`

	// Orthogonal fine-tuning.
	Epochs      int     `json:"epochs" yaml:"epochs"`
	Beta        float64 `json:"beta" yaml:"beta"`
	Norm        string  `json:"norm" yaml:"norm"`
	DatasetType string  `json:"dataset_type" yaml:"dataset_type"`
	Randomize   bool    `json:"randomize" yaml:"randomize"`
	Lamb        float64 `json:"lamb" yaml:"lamb"`
	NumImages   int     `json:"num_images" yaml:"num_images"`
	NumAugments int     `json:"num_augments" yaml:"num_augments"`
	Warmup      int     `json:"warmup" yaml:"warmup"`
}

// DefaultHyperparams mirrors the defaults of the reference experiments.
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		Architecture:         "ViT-B-32",
		Pretrained:           "openai",
		PretrainedToTransfer: "openai",
		FinetuningType:       FinetuneStandard,
		LR:                   1e-5,
		WD:                   0.1,
		BatchSize:            128,
		GradAccumSteps:       1,
		Epochs:               1,
		Norm:                 orthreg.NormFrobenius,
		DatasetType:          train.ModeCycle,
		Lamb:                 1,
		Warmup:               500,
	}
}

// Validate reports every problem at once, wrapped in ErrInvalidHyperparams.
func (h Hyperparams) Validate() error {
	var errs []string
	if !slices.Contains(FinetuningTypes, h.FinetuningType) {
		errs = append(errs, fmt.Sprintf("finetuning type %q must be one of %s", h.FinetuningType, strings.Join(FinetuningTypes, ", ")))
	}
	if h.BatchSize <= 0 || h.GradAccumSteps <= 0 {
		errs = append(errs, fmt.Sprintf("batch size %d and grad accumulation steps %d must be positive", h.BatchSize, h.GradAccumSteps))
	} else if h.BatchSize%h.GradAccumSteps != 0 {
		errs = append(errs, fmt.Sprintf("batch size %d is not divisible by grad accumulation steps %d", h.BatchSize, h.GradAccumSteps))
	}
	if h.Norm != orthreg.NormFrobenius && h.Norm != orthreg.NormSpectral {
		errs = append(errs, fmt.Sprintf("norm %q must be %q or %q", h.Norm, orthreg.NormFrobenius, orthreg.NormSpectral))
	}
	if h.DatasetType != train.ModeCycle && h.DatasetType != train.ModeMix {
		errs = append(errs, fmt.Sprintf("dataset type %q must be %q or %q", h.DatasetType, train.ModeCycle, train.ModeMix))
	}
	if h.LS < 0 || h.LS >= 1 {
		errs = append(errs, fmt.Sprintf("label smoothing %g outside [0, 1)", h.LS))
	}
	if h.Architecture == "" || h.Pretrained == "" || h.PretrainedToTransfer == "" {
		errs = append(errs, "architecture, pretrained and pretrained_to_transfer are required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidHyperparams, strings.Join(errs, "; "))
	}
	return nil
}

// Normalize returns the identity used for paths and training: the batch
// size becomes the per-micro-batch size, and rank and alpha are zeroed for
// anything but lora. Call it once, after Validate.
func (h Hyperparams) Normalize() Hyperparams {
	out := h
	out.TrainDatasets = slices.Clone(h.TrainDatasets)
	out.EvalDatasets = slices.Clone(h.EvalDatasets)
	if out.GradAccumSteps > 0 {
		out.BatchSize /= out.GradAccumSteps
	}
	if out.FinetuningType != FinetuneLoRA {
		out.Rank, out.Alpha = 0, 0
	}
	return out
}

// TrainConfig maps the identity onto trainer settings.
func (h Hyperparams) TrainConfig(workers int) train.Config {
	cfg := train.DefaultConfig()
	cfg.Epochs = h.Epochs
	cfg.BatchSize = h.BatchSize
	cfg.GradAccumSteps = h.GradAccumSteps
	cfg.LR = h.LR
	cfg.WeightDecay = h.WD
	cfg.LabelSmoothing = h.LS
	cfg.Beta = h.Beta
	cfg.Warmup = h.Warmup
	cfg.Seed = h.Seed
	if workers > 0 {
		cfg.Workers = workers
	}
	return cfg
}

// FormatFloat renders f the way the reference experiments spelled numbers
// in directory names: shortest round-trip digits, a trailing ".0" on whole
// numbers, and exponent form outside [1e-4, 1e16).
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	exp := math.Floor(math.Log10(math.Abs(f)))
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// DatasetsLabel joins dataset names into one path component.
func DatasetsLabel(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

// SweepCoefficients returns the default λ grid 0.0, 0.1, …, 2.0.
func SweepCoefficients() []float64 {
	out := make([]float64, 0, 21)
	for i := 0; i <= 20; i++ {
		out = append(out, float64(i)/10)
	}
	return out
}
