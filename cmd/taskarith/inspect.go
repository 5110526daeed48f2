package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/taskvector"
)

func inspectCmd() *cli.Command {
	var (
		asJSON    bool
		keyFilter string
		keyLimit  int
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the identity and per-key statistics of a task vector",
		ArgsUsage: "<vector.tvec>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "emit JSON", Destination: &asJSON},
			&cli.StringFlag{Name: "key-filter", Usage: "substring filter for key listing", Destination: &keyFilter},
			&cli.IntFlag{Name: "keys-limit", Usage: "limit key listing (0 = no limit)", Value: 50, Destination: &keyLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: missing vector path", 1)
			}
			v, id, err := taskvector.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			var stats []taskvector.KeyStat
			for _, s := range v.Stats() {
				if keyFilter == "" || strings.Contains(s.Key, keyFilter) {
					stats = append(stats, s)
				}
			}
			return printInspect(os.Stdout, path, id, v.Norm(), stats, keyLimit, asJSON)
		},
	}
}

func printInspect(w io.Writer, path string, id taskvector.Identity, norm float64, stats []taskvector.KeyStat, limit int, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"path":     path,
			"identity": id,
			"norm":     norm,
			"keys":     stats,
		})
	}

	fmt.Fprintf(w, "file:       %s\n", path)
	fmt.Fprintf(w, "run id:     %s\n", id.RunID)
	if !id.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created:    %s\n", id.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if id.Kind != "" {
		fmt.Fprintf(w, "kind:       %s\n", id.Kind)
	}
	if len(id.Datasets) > 0 {
		fmt.Fprintf(w, "datasets:   %s\n", strings.Join(id.Datasets, ", "))
	}
	fmt.Fprintf(w, "keys:       %d\n", len(stats))
	fmt.Fprintf(w, "norm:       %.6g\n", norm)

	shown := stats
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, s := range shown {
		fmt.Fprintf(w, "  %-64s %-5s %-12s %.6g\n", s.Key, s.DType, fmt.Sprint(s.Shape), s.Norm)
	}
	if len(shown) < len(stats) {
		fmt.Fprintf(w, "  ... %d more\n", len(stats)-len(shown))
	}
	return nil
}
