// Package eval measures top-1 accuracy of an encoder through per-dataset
// classification heads.
package eval

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/tensor"
)

// AverageKey holds the mean accuracy over every evaluated dataset.
const AverageKey = "AVG."

const defaultBatchSize = 256

var ErrNoTargets = errors.New("eval: nothing to evaluate")

// Model produces image features for a batch of inputs.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Target pairs one evaluation split with the head that scores it.
type Target struct {
	Name string
	Head *encoder.Head
	Data *dataset.Split
}

// Options tunes evaluation throughput. Zero values pick defaults.
type Options struct {
	BatchSize int
	Workers   int
}

// Evaluate returns the top-1 accuracy on every target plus AverageKey.
// Targets are scored concurrently; the model is only read.
func Evaluate(ctx context.Context, m Model, targets []Target, opts Options) (map[string]float64, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	accs := make([]float64, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, t := range targets {
		g.Go(func() error {
			acc, err := accuracy(gctx, m, t, opts.BatchSize)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", t.Name, err)
			}
			accs[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(targets)+1)
	var sum float64
	for i, t := range targets {
		out[t.Name] = accs[i]
		sum += accs[i]
	}
	out[AverageKey] = sum / float64(len(targets))

	log := logger.FromContext(ctx)
	for _, k := range slices.Sorted(maps.Keys(out)) {
		log.Debug("accuracy", "dataset", k, "top1", out[k])
	}
	return out, nil
}

func accuracy(ctx context.Context, m Model, t Target, batchSize int) (float64, error) {
	if t.Head == nil || t.Data == nil {
		return 0, errors.New("missing head or data")
	}
	n := t.Data.Len()
	if n == 0 {
		return 0, dataset.ErrEmptySplit
	}
	d := t.Data.Dim()
	correct := 0
	for lo := 0; lo < n; lo += batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hi := min(lo+batchSize, n)
		x, err := tensor.FromData([]int{hi - lo, d}, t.Data.Features.Data[lo*d:hi*d])
		if err != nil {
			return 0, err
		}
		feats, err := m.Forward(x)
		if err != nil {
			return 0, err
		}
		logits, err := t.Head.Forward(feats)
		if err != nil {
			return 0, err
		}
		for i := 0; i < hi-lo; i++ {
			if tensor.Argmax(logits.Row(i)) == t.Data.Labels[lo+i] {
				correct++
			}
		}
	}
	return float64(correct) / float64(n), nil
}
