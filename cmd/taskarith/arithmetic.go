package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/arithmetic"
	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/eval"
	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
)

func arithmeticCmd() *cli.Command {
	var (
		lambda        float64
		evalBatchSize int
	)

	return &cli.Command{
		Name:  "arithmetic",
		Usage: "Combine per-dataset task vectors and sweep the scaling coefficient",
		Flags: append(identityFlags(),
			&cli.StringSliceFlag{Name: "eval-datasets", Usage: "datasets whose task vectors are combined and evaluated (repeatable)", Destination: &hp.EvalDatasets},
			&cli.FloatFlag{Name: "lambda", Usage: "evaluate a single coefficient instead of the 0.0..2.0 sweep", Destination: &lambda},
			&cli.IntFlag{Name: "eval-batch-size", Usage: "evaluation batch size", Value: 256, Destination: &evalBatchSize},
			workerFlag(),
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyIdentityConfig(cmd, fileConfig, &hp)
			if len(hp.EvalDatasets) == 0 {
				return cli.Exit("error: --eval-datasets is required", 1)
			}
			if err := hp.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			layout := experiment.NewLayout(roots, hp.Normalize())

			coefs := experiment.SweepCoefficients()
			if cmd.IsSet("lambda") {
				coefs = []float64{lambda}
			}

			log.Info("preparing task arithmetic",
				"pretrained", layout.HP.Pretrained,
				"transfer", layout.HP.PretrainedToTransfer,
				"datasets", layout.HP.EvalDatasets,
				"coefficients", len(coefs),
			)
			dsOpts := dataset.DefaultOptions()
			dsOpts.Seed = layout.HP.Seed
			in, err := arithmetic.Prepare(ctx, layout, dsOpts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, err := arithmetic.Sweep(ctx, in, coefs, &layout, eval.Options{BatchSize: evalBatchSize, Workers: workers})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("best lambda %s: average accuracy %.2f%%\n",
				experiment.FormatFloat(out.Best.Coefficient), 100*out.Best.Accuracy[eval.AverageKey])
			fmt.Printf("summary: %s\n", layout.ArithmeticSummaryPath())
			return nil
		},
	}
}
