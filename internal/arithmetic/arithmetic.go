// Package arithmetic sums per-dataset task vectors and sweeps the scaling
// coefficient applied to a pretrained encoder, recording accuracy at each
// point.
package arithmetic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/eval"
	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/metrics"
	"github.com/samcharles93/taskarith/internal/taskvector"
)

// RotationKey marks the Delta rotations, which are averaged rather than
// summed when vectors are combined.
const RotationKey = "Delta.U"

var ErrNoVectors = errors.New("arithmetic: no task vectors to combine")

// Combine sums vectors and divides their rotation entries by the number of
// vectors, so the combined rotation is the mean of the per-task rotations.
func Combine(ctx context.Context, vectors []*taskvector.TaskVector) (*taskvector.TaskVector, taskvector.Report, error) {
	if len(vectors) == 0 {
		return nil, taskvector.Report{}, ErrNoVectors
	}
	sum, rep, err := taskvector.Sum(ctx, vectors...)
	if err != nil {
		return nil, rep, err
	}
	combined, err := taskvector.ScaleMatching(sum, RotationKey, 1/float64(len(vectors)))
	if err != nil {
		return nil, rep, err
	}
	metrics.RecordSkipped("add", len(rep.Skipped))
	return combined, rep, nil
}

// Inputs are everything a sweep needs in memory.
type Inputs struct {
	// Base is the pretrained encoder with its Delta keys zeroed.
	Base    *encoder.Encoder
	Vector  *taskvector.TaskVector
	Targets []eval.Target
}

// Point is the accuracy at one coefficient.
type Point struct {
	Coefficient float64
	Accuracy    map[string]float64
	Skipped     int
}

type Outcome struct {
	RunID  string
	Points []Point
	Best   Point
}

// Sweep evaluates the vector at every coefficient. When layout is non-nil
// each point is written to its ArithmeticResultPath and a summary is
// written at the end.
func Sweep(ctx context.Context, in Inputs, coefs []float64, layout *experiment.Layout, opts eval.Options) (Outcome, error) {
	log := logger.FromContext(ctx)
	out := Outcome{RunID: experiment.NewRunID()}
	if len(coefs) == 0 {
		coefs = experiment.SweepCoefficients()
	}

	for _, coef := range coefs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		start := time.Now()
		ck, rep, err := taskvector.ApplyTo(ctx, in.Vector, in.Base, coef)
		if err != nil {
			return out, fmt.Errorf("apply at lambda %s: %w", experiment.FormatFloat(coef), err)
		}
		metrics.RecordSkipped("apply", len(rep.Skipped))
		enc, ok := ck.(*encoder.Encoder)
		if !ok {
			return out, fmt.Errorf("apply returned %T, want *encoder.Encoder", ck)
		}
		acc, err := eval.Evaluate(ctx, enc, in.Targets, opts)
		if err != nil {
			return out, fmt.Errorf("evaluate at lambda %s: %w", experiment.FormatFloat(coef), err)
		}

		p := Point{Coefficient: coef, Accuracy: acc, Skipped: len(rep.Skipped)}
		out.Points = append(out.Points, p)
		if len(out.Points) == 1 || acc[eval.AverageKey] > out.Best.Accuracy[eval.AverageKey] {
			out.Best = p
		}
		label := experiment.FormatFloat(coef)
		for name, a := range acc {
			metrics.RecordArithmetic(label, name, a)
		}
		log.Info("lambda evaluated",
			"lambda", label,
			"avg", acc[eval.AverageKey],
			"skipped", p.Skipped,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)

		if layout != nil {
			r := experiment.Result{
				RunID:       out.RunID,
				CreatedAt:   time.Now().UTC(),
				Kind:        experiment.KindArithmetic,
				Hyperparams: layout.HP,
				Coefficient: &p.Coefficient,
				Accuracy:    acc,
			}
			if err := experiment.WriteJSON(layout.ArithmeticResultPath(coef), r); err != nil {
				return out, err
			}
		}
	}

	if layout != nil {
		s := experiment.Summary{
			RunID:       out.RunID,
			CreatedAt:   time.Now().UTC(),
			Kind:        experiment.KindSweepSummary,
			Hyperparams: layout.HP,
			Accuracy:    make(map[string]map[string]float64, len(out.Points)),
			Best:        out.Best.Coefficient,
		}
		for _, p := range out.Points {
			s.Coefficients = append(s.Coefficients, p.Coefficient)
			s.Accuracy[experiment.FormatFloat(p.Coefficient)] = p.Accuracy
		}
		if err := experiment.WriteJSON(layout.ArithmeticSummaryPath(), s); err != nil {
			return out, err
		}
	}
	log.Info("sweep complete", "points", len(out.Points), "best_lambda", experiment.FormatFloat(out.Best.Coefficient),
		"best_avg", out.Best.Accuracy[eval.AverageKey])
	return out, nil
}

// Prepare loads the encoders, heads and evaluation splits named by layout,
// builds one task vector per evaluation dataset, combines them and saves
// the combined vector at TaskVectorPath.
func Prepare(ctx context.Context, layout experiment.Layout, dsOpts dataset.Options) (Inputs, error) {
	log := logger.FromContext(ctx)
	hp := layout.HP
	if len(hp.EvalDatasets) == 0 {
		return Inputs{}, errors.New("arithmetic: evaluation datasets must be specified")
	}

	base, err := encoder.Load(layout.ZeroshotPath(hp.Pretrained))
	if err != nil {
		return Inputs{}, err
	}
	base.ZeroDeltas()
	transfer, err := encoder.Load(layout.ZeroshotPath(hp.PretrainedToTransfer))
	if err != nil {
		return Inputs{}, err
	}
	transfer.ZeroDeltas()

	var (
		vectors []*taskvector.TaskVector
		targets []eval.Target
	)
	for _, name := range hp.EvalDatasets {
		ft, err := encoder.Load(layout.FinetunedPath(name))
		if err != nil {
			return Inputs{}, err
		}
		v, err := taskvector.New(transfer, ft)
		if err != nil {
			return Inputs{}, fmt.Errorf("task vector for %s: %w", name, err)
		}
		vectors = append(vectors, v)

		head, err := encoder.LoadHead(layout.HeadPath(hp.Pretrained, name))
		if err != nil {
			return Inputs{}, err
		}
		ds, err := dataset.Get(name, layout.Dataset, dsOpts)
		if err != nil {
			return Inputs{}, err
		}
		targets = append(targets, eval.Target{Name: name, Head: head, Data: ds.Test})
		log.Debug("loaded task", "dataset", name, "vector_norm", v.Norm(), "test_rows", ds.Test.Len())
	}

	combined, _, err := Combine(ctx, vectors)
	if err != nil {
		return Inputs{}, err
	}
	params, err := json.Marshal(hp)
	if err != nil {
		return Inputs{}, err
	}
	id := taskvector.Identity{Kind: experiment.KindArithmetic, Datasets: hp.EvalDatasets, Hyperparams: params}
	if err := taskvector.Save(ctx, combined, layout.TaskVectorPath(hp.EvalDatasets), id); err != nil {
		return Inputs{}, err
	}
	return Inputs{Base: base, Vector: combined, Targets: targets}, nil
}
