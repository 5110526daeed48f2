package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/metrics"
	"github.com/samcharles93/taskarith/internal/taskvector"
)

func applyCmd() *cli.Command {
	var (
		vectorPath string
		checkpoint string
		outPath    string
		coef       float64
	)

	return &cli.Command{
		Name:  "apply",
		Usage: "Add a scaled task vector to an encoder checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vector", Usage: "task vector (.tvec)", Required: true, Destination: &vectorPath},
			&cli.StringFlag{Name: "checkpoint", Usage: "base encoder checkpoint", Required: true, Destination: &checkpoint},
			&cli.FloatFlag{Name: "coef", Aliases: []string{"lambda"}, Usage: "scaling coefficient", Value: taskvector.DefaultCoefficient, Destination: &coef},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output checkpoint path", Required: true, Destination: &outPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			v, _, err := taskvector.Load(vectorPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			base, err := encoder.Load(checkpoint)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, rep, err := taskvector.ApplyTo(ctx, v, base, coef)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: apply: %v", err), 1)
			}
			metrics.RecordSkipped("apply", len(rep.Skipped))
			enc, ok := out.(*encoder.Encoder)
			if !ok {
				return cli.Exit(fmt.Sprintf("error: unexpected checkpoint type %T", out), 1)
			}
			if err := enc.Save(outPath); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("wrote %s (coef %g, %d keys skipped)\n", outPath, coef, len(rep.Skipped))
			return nil
		},
	}
}
