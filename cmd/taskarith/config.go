package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/experiment"
)

// fileConfig is the config file loaded before any command runs.
var fileConfig experiment.Config

// applyLogConfig applies config file defaults to the logging flags when
// they were not set explicitly.
func applyLogConfig(c *cli.Command, cfg experiment.Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// resolveRoots layers flags over the environment over the config file.
func resolveRoots(c *cli.Command, cfg experiment.Config) experiment.Roots {
	r := cfg.Roots(os.Getenv)
	if c.IsSet("model-root") {
		r.Model = modelRoot
	}
	if c.IsSet("dataset-root") {
		r.Dataset = datasetRoot
	}
	if c.IsSet("result-root") {
		r.Result = resultRoot
	}
	return r
}

// applyIdentityConfig applies config file defaults to the hyperparameters
// bound by identityFlags.
func applyIdentityConfig(c *cli.Command, cfg experiment.Config, h *experiment.Hyperparams) {
	if cfg.Architecture != "" && !c.IsSet("architecture") {
		h.Architecture = cfg.Architecture
	}
	if cfg.Pretrained != "" && !c.IsSet("pretrained") {
		h.Pretrained = cfg.Pretrained
	}
	if cfg.PretrainedToTransfer != "" && !c.IsSet("pretrained-to-transfer") {
		h.PretrainedToTransfer = cfg.PretrainedToTransfer
	}
	if cfg.FinetuningType != "" && !c.IsSet("finetuning-type") {
		h.FinetuningType = cfg.FinetuningType
	}
	if cfg.LR != nil && !c.IsSet("lr") {
		h.LR = *cfg.LR
	}
	if cfg.WD != nil && !c.IsSet("wd") {
		h.WD = *cfg.WD
	}
	if cfg.LS != nil && !c.IsSet("ls") {
		h.LS = *cfg.LS
	}
	if cfg.Rank != nil && !c.IsSet("rank") {
		h.Rank = *cfg.Rank
	}
	if cfg.Alpha != nil && !c.IsSet("alpha") {
		h.Alpha = *cfg.Alpha
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		h.BatchSize = *cfg.BatchSize
	}
	if cfg.GradAccumSteps != nil && !c.IsSet("grad-accum-steps") {
		h.GradAccumSteps = *cfg.GradAccumSteps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		h.Seed = *cfg.Seed
	}
	if len(cfg.EvalDatasets) > 0 && !c.IsSet("eval-datasets") {
		h.EvalDatasets = cfg.EvalDatasets
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyOrthoConfig applies config file defaults to the orthogonal
// fine-tuning flags.
func applyOrthoConfig(c *cli.Command, cfg experiment.Config, h *experiment.Hyperparams) {
	if len(cfg.TrainDatasets) > 0 && !c.IsSet("train-datasets") {
		h.TrainDatasets = cfg.TrainDatasets
	}
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		h.Epochs = *cfg.Epochs
	}
	if cfg.Beta != nil && !c.IsSet("beta") {
		h.Beta = *cfg.Beta
	}
	if cfg.Norm != "" && !c.IsSet("norm") {
		h.Norm = cfg.Norm
	}
	if cfg.DatasetType != "" && !c.IsSet("dataset-type") {
		h.DatasetType = cfg.DatasetType
	}
	if cfg.Randomize != nil && !c.IsSet("randomize") {
		h.Randomize = *cfg.Randomize
	}
	if cfg.Lamb != nil && !c.IsSet("lamb") {
		h.Lamb = *cfg.Lamb
	}
	if cfg.NumImages != nil && !c.IsSet("num-images") {
		h.NumImages = *cfg.NumImages
	}
	if cfg.NumAugments != nil && !c.IsSet("num-augments") {
		h.NumAugments = *cfg.NumAugments
	}
	if cfg.Warmup != nil && !c.IsSet("warmup") {
		h.Warmup = *cfg.Warmup
	}
}
