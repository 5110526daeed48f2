package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
)

// roots is resolved once in setup.
var roots experiment.Roots

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "taskarith",
		Usage:  "Task-vector arithmetic and orthogonal fine-tuning",
		Flags:  globalFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			vectorCmd(),
			applyCmd(),
			arithmeticCmd(),
			orthoFinetuneCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the logger before any command
// runs.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := experiment.LoadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyLogConfig(cmd, cfg)
	if debug {
		logLevel = "debug"
	}
	log, err := logger.FromFlags(logFormat, logLevel, os.Stderr)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	roots = resolveRoots(cmd, cfg)
	log.Debug("configuration loaded", "config", configFile, "model_root", roots.Model, "dataset_root", roots.Dataset, "result_root", roots.Result)
	return logger.WithContext(ctx, log), nil
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
