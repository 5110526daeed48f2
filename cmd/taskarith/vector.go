package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/metrics"
	"github.com/samcharles93/taskarith/internal/taskvector"
)

func vectorCmd() *cli.Command {
	var (
		pretrainedPath string
		finetunedPaths []string
		datasets       []string
		outPath        string
		zeroDeltas     bool
	)

	return &cli.Command{
		Name:  "vector",
		Usage: "Build a task vector from a pretrained and one or more fine-tuned checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pretrained", Usage: "pretrained encoder checkpoint", Required: true, Destination: &pretrainedPath},
			&cli.StringSliceFlag{Name: "finetuned", Usage: "fine-tuned encoder checkpoint (repeatable; vectors are summed)", Required: true, Destination: &finetunedPaths},
			&cli.StringSliceFlag{Name: "dataset", Usage: "dataset names recorded in the vector identity", Destination: &datasets},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .tvec path", Required: true, Destination: &outPath},
			&cli.BoolFlag{Name: "zero-deltas", Usage: "zero the pretrained Delta parameters before subtracting", Destination: &zeroDeltas},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			pre, err := encoder.Load(pretrainedPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load pretrained: %v", err), 1)
			}
			if zeroDeltas {
				pre.ZeroDeltas()
			}
			vectors := make([]*taskvector.TaskVector, 0, len(finetunedPaths))
			for _, p := range finetunedPaths {
				ft, err := encoder.Load(p)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load fine-tuned: %v", err), 1)
				}
				v, err := taskvector.New(pre, ft)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", p, err), 1)
				}
				log.Debug("task vector built", "finetuned", p, "keys", v.Len(), "norm", v.Norm())
				vectors = append(vectors, v)
			}

			sum, rep, err := taskvector.Sum(ctx, vectors...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: sum task vectors: %v", err), 1)
			}
			metrics.RecordSkipped("add", len(rep.Skipped))

			id := taskvector.Identity{Kind: "vector", Datasets: datasets}
			if err := taskvector.Save(ctx, sum, outPath, id); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			fmt.Printf("wrote %s (%d keys, norm %.6g, %d skipped)\n", outPath, sum.Len(), sum.Norm(), len(rep.Skipped))
			return nil
		},
	}
}
