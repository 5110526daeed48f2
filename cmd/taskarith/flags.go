package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/experiment"
)

var (
	configFile  string
	logLevel    string
	logFormat   string
	debug       bool
	modelRoot   string
	datasetRoot string
	resultRoot  string
	workers     int

	// hp collects the run identity from flags, then from the config file.
	hp = experiment.DefaultHyperparams()
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       experiment.ConfigPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "model-root",
			Usage:       "directory holding encoders, heads and task vectors (env " + experiment.EnvModelRoot + ")",
			Destination: &modelRoot,
		},
		&cli.StringFlag{
			Name:        "dataset-root",
			Usage:       "directory holding cached dataset features (env " + experiment.EnvDatasetRoot + ")",
			Destination: &datasetRoot,
		},
		&cli.StringFlag{
			Name:        "result-root",
			Usage:       "directory receiving result JSON (env " + experiment.EnvResultRoot + ")",
			Destination: &resultRoot,
		},
	}
}

func workerFlag() cli.Flag {
	return &cli.IntFlag{
		Name:        "workers",
		Aliases:     []string{"j"},
		Usage:       "goroutines used for gradient shards and evaluation",
		Value:       1,
		Destination: &workers,
	}
}

// identityFlags bind the hyperparameters shared by every experiment path.
func identityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "architecture", Aliases: []string{"arch"}, Usage: "model architecture", Value: hp.Architecture, Destination: &hp.Architecture},
		&cli.StringFlag{Name: "pretrained", Usage: "pretrained source evaluated or fine-tuned", Value: hp.Pretrained, Destination: &hp.Pretrained},
		&cli.StringFlag{Name: "pretrained-to-transfer", Usage: "pretrained source the task vectors come from", Value: hp.PretrainedToTransfer, Destination: &hp.PretrainedToTransfer},
		&cli.StringFlag{Name: "finetuning-type", Usage: "standard, linear or lora", Value: hp.FinetuningType, Destination: &hp.FinetuningType},
		&cli.FloatFlag{Name: "lr", Usage: "learning rate", Value: hp.LR, Destination: &hp.LR},
		&cli.FloatFlag{Name: "wd", Usage: "weight decay", Value: hp.WD, Destination: &hp.WD},
		&cli.FloatFlag{Name: "ls", Usage: "label smoothing", Value: hp.LS, Destination: &hp.LS},
		&cli.IntFlag{Name: "rank", Usage: "Delta rank (lora only)", Value: hp.Rank, Destination: &hp.Rank},
		&cli.IntFlag{Name: "alpha", Usage: "Delta alpha (lora only)", Value: hp.Alpha, Destination: &hp.Alpha},
		&cli.IntFlag{Name: "batch-size", Usage: "effective batch size", Value: hp.BatchSize, Destination: &hp.BatchSize},
		&cli.IntFlag{Name: "grad-accum-steps", Usage: "micro-batches per optimizer step", Value: hp.GradAccumSteps, Destination: &hp.GradAccumSteps},
		&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: hp.Seed, Destination: &hp.Seed},
	}
}

func orthoFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "train-datasets", Usage: "datasets to fine-tune on (repeatable)", Destination: &hp.TrainDatasets},
		&cli.StringSliceFlag{Name: "eval-datasets", Usage: "datasets to evaluate on (defaults to the training datasets)", Destination: &hp.EvalDatasets},
		&cli.IntFlag{Name: "epochs", Usage: "training epochs", Value: hp.Epochs, Destination: &hp.Epochs},
		&cli.FloatFlag{Name: "beta", Usage: "weight of the orthogonality penalty", Value: hp.Beta, Destination: &hp.Beta},
		&cli.StringFlag{Name: "norm", Usage: "orthogonality norm (fro, spec)", Value: hp.Norm, Destination: &hp.Norm},
		&cli.StringFlag{Name: "dataset-type", Usage: "dataset schedule (cycle, mix)", Value: hp.DatasetType, Destination: &hp.DatasetType},
		&cli.BoolFlag{Name: "randomize", Usage: "start from random rotations instead of the identity", Destination: &hp.Randomize},
		&cli.FloatFlag{Name: "lamb", Usage: "coefficient applied to the transferred task vector", Value: hp.Lamb, Destination: &hp.Lamb},
		&cli.IntFlag{Name: "num-images", Usage: "training rows per dataset (0 = all)", Value: hp.NumImages, Destination: &hp.NumImages},
		&cli.IntFlag{Name: "num-augments", Usage: "augmentations per image (recorded in the path)", Value: hp.NumAugments, Destination: &hp.NumAugments},
		&cli.IntFlag{Name: "warmup", Usage: "learning-rate warmup steps", Value: hp.Warmup, Destination: &hp.Warmup},
	}
}
