package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/eval"
	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/orthreg"
	"github.com/samcharles93/taskarith/internal/taskvector"
	"github.com/samcharles93/taskarith/internal/train"
)

func orthoFinetuneCmd() *cli.Command {
	var save bool

	return &cli.Command{
		Name:  "orthofinetune",
		Usage: "Transfer a task vector to a new pretrained encoder and fine-tune only its Delta rotations",
		Flags: append(append(identityFlags(), orthoFlags()...),
			&cli.BoolFlag{Name: "save", Usage: "save the fine-tuned encoder and its task vector", Value: true, Destination: &save},
			workerFlag(),
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyIdentityConfig(cmd, fileConfig, &hp)
			applyOrthoConfig(cmd, fileConfig, &hp)
			if len(hp.TrainDatasets) == 0 {
				return cli.Exit("error: --train-datasets is required", 1)
			}
			if err := hp.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			layout := experiment.NewLayout(roots, hp.Normalize())
			res, err := runOrthoFinetune(ctx, layout, workers, save)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("average accuracy %.2f%% after %d steps\n", 100*res.Accuracy[eval.AverageKey], res.steps)
			fmt.Printf("result: %s\n", layout.OrthoResultPath())
			return nil
		},
	}
}

type orthoOutcome struct {
	experiment.Result
	steps int
}

// runOrthoFinetune applies the transferred task vector to the pretrained
// encoder, resets the rotations, trains them against the frozen heads and
// records the evaluation.
func runOrthoFinetune(ctx context.Context, layout experiment.Layout, workers int, save bool) (orthoOutcome, error) {
	log := logger.FromContext(ctx)
	h := layout.HP
	var out orthoOutcome

	pretrained, err := encoder.Load(layout.ZeroshotPath(h.Pretrained))
	if err != nil {
		return out, err
	}
	vec, _, err := taskvector.Load(layout.TaskVectorPath(h.TrainDatasets))
	if err != nil {
		return out, err
	}
	ck, rep, err := taskvector.ApplyTo(ctx, vec, pretrained, h.Lamb)
	if err != nil {
		return out, fmt.Errorf("apply transferred vector: %w", err)
	}
	enc, ok := ck.(*encoder.Encoder)
	if !ok {
		return out, fmt.Errorf("apply returned %T", ck)
	}
	log.Info("task vector transferred", "lamb", h.Lamb, "skipped", len(rep.Skipped))

	enc.ResetRotations()
	enc.FreezeExceptU()
	if h.Randomize {
		if err := enc.RandomizeRotations(); err != nil {
			return out, err
		}
	}

	dsOpts := dataset.DefaultOptions()
	dsOpts.Seed = h.Seed
	heads := make(map[string]*encoder.Head, len(h.TrainDatasets))
	var tasks []train.Task
	for _, name := range h.TrainDatasets {
		head, err := encoder.LoadHead(layout.HeadPath(h.Pretrained, name))
		if err != nil {
			return out, err
		}
		heads[name] = head
		ds, err := dataset.Get(name+dataset.ValSuffix, layout.Dataset, dsOpts)
		if err != nil {
			return out, err
		}
		data := ds.Train
		if h.NumImages > 0 {
			data = data.Sample(h.NumImages, h.Seed)
		}
		tasks = append(tasks, train.Task{Name: name, Head: head, Data: data})
	}

	strategy, err := train.NewStrategy(h.DatasetType, tasks)
	if err != nil {
		return out, err
	}
	reg, err := orthreg.New(h.Norm)
	if err != nil {
		return out, err
	}
	tr, err := train.New(enc, reg, h.TrainConfig(workers))
	if err != nil {
		return out, err
	}
	sum, err := tr.Run(ctx, strategy)
	if err != nil {
		return out, err
	}
	out.steps = sum.Steps

	if save {
		if err := enc.Save(layout.OrthoFinetunedPath()); err != nil {
			return out, err
		}
		fresh, err := encoder.Load(layout.ZeroshotPath(h.Pretrained))
		if err != nil {
			return out, err
		}
		tv, err := taskvector.New(fresh, enc)
		if err != nil {
			return out, err
		}
		params, err := json.Marshal(h)
		if err != nil {
			return out, err
		}
		id := taskvector.Identity{Kind: experiment.KindOrthoFinetune, Datasets: h.TrainDatasets, Hyperparams: params}
		if err := taskvector.Save(ctx, tv, layout.OrthoTaskVectorPath(), id); err != nil {
			return out, err
		}
		log.Info("saved orthogonally fine-tuned encoder", "path", layout.OrthoFinetunedPath())
	}

	evalNames := h.EvalDatasets
	if len(evalNames) == 0 {
		evalNames = h.TrainDatasets
	}
	var targets []eval.Target
	for _, name := range evalNames {
		head, ok := heads[name]
		if !ok {
			if head, err = encoder.LoadHead(layout.HeadPath(h.Pretrained, name)); err != nil {
				return out, err
			}
		}
		ds, err := dataset.Get(name, layout.Dataset, dsOpts)
		if err != nil {
			return out, err
		}
		targets = append(targets, eval.Target{Name: name, Head: head, Data: ds.Test})
	}
	if len(targets) == 0 {
		return out, errors.New("no evaluation datasets")
	}
	acc, err := eval.Evaluate(ctx, enc, targets, eval.Options{Workers: workers})
	if err != nil {
		return out, err
	}

	out.Result = experiment.Result{
		RunID:       experiment.NewRunID(),
		CreatedAt:   time.Now().UTC(),
		Kind:        experiment.KindOrthoFinetune,
		Hyperparams: h,
		Accuracy:    acc,
	}
	if err := experiment.WriteJSON(layout.OrthoResultPath(), out.Result); err != nil {
		return out, err
	}
	return out, nil
}
