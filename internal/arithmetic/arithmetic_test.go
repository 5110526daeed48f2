package arithmetic

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/eval"
	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/taskvector"
	"github.com/samcharles93/taskarith/internal/tensor"
)

var encCfg = encoder.Config{Width: 6, Layers: 1, OutputDim: 4, Rank: 2, Alpha: 2, Seed: 3}

func quietCtx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

// finetune returns a copy of base with perturbed Delta weights and fresh
// rotations, standing in for a checkpoint fine-tuned on one dataset.
func finetune(t *testing.T, base *encoder.Encoder, seed int64) *encoder.Encoder {
	t.Helper()
	ft := base.CloneEncoder()
	for _, k := range ft.Keys() {
		if encoder.IsDeltaKey(k) && !encoder.IsRotationKey(k) {
			p, _ := ft.Param(k)
			tensor.FillUniform(p, 0.3, seed+int64(len(k)))
		}
	}
	for i, r := range ft.Rotations() {
		r.U.CopyFrom(tensor.RandomOrthogonal(r.U.Shape[0], seed*100+int64(i)))
	}
	return ft
}

func split(rows, width, classes int, seed int64) *dataset.Split {
	s := &dataset.Split{Features: tensor.Zeros(rows, width), Labels: make([]int, rows)}
	tensor.FillUniform(s.Features, 1, seed)
	for i := range s.Labels {
		s.Labels[i] = i % classes
	}
	return s
}

func head(name string, classes int, seed int64) *encoder.Head {
	w := tensor.Zeros(classes, encCfg.OutputDim)
	tensor.FillUniform(w, 1, seed)
	return &encoder.Head{Name: name, Weight: w}
}

func TestCombineAveragesRotations(t *testing.T) {
	t.Parallel()

	pre, err := encoder.New(encCfg)
	if err != nil {
		t.Fatal(err)
	}
	pre.ZeroDeltas()
	var vectors []*taskvector.TaskVector
	for i := range 3 {
		v, err := taskvector.New(pre, finetune(t, pre, int64(i+1)))
		if err != nil {
			t.Fatal(err)
		}
		vectors = append(vectors, v)
	}

	got, rep, err := Combine(quietCtx(), vectors)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Skipped) != 0 {
		t.Fatalf("unexpected skips %v", rep.Keys())
	}
	for _, k := range got.Keys() {
		c, _ := got.Get(k)
		want := tensor.Zeros(c.Shape...)
		for _, v := range vectors {
			x, _ := v.Get(k)
			_ = tensor.AddInPlace(want, x)
		}
		if strings.Contains(k, RotationKey) {
			tensor.ScaleInPlace(want, 1/float32(3))
		}
		d, err := tensor.MaxAbsDiff(c, want)
		if err != nil {
			t.Fatal(err)
		}
		if d > 1e-6 {
			t.Fatalf("%s differs from expected combination by %g", k, d)
		}
	}

	if _, _, err := Combine(quietCtx(), nil); !errors.Is(err, ErrNoVectors) {
		t.Fatalf("expected ErrNoVectors, got %v", err)
	}
}

func TestSweepWritesResults(t *testing.T) {
	t.Parallel()

	base, err := encoder.New(encCfg)
	if err != nil {
		t.Fatal(err)
	}
	base.ZeroDeltas()
	vec, err := taskvector.New(base, finetune(t, base, 7))
	if err != nil {
		t.Fatal(err)
	}
	targets := []eval.Target{
		{Name: "MNIST", Head: head("MNIST", 10, 1), Data: split(20, encCfg.Width, 10, 2)},
		{Name: "EuroSAT", Head: head("EuroSAT", 10, 3), Data: split(15, encCfg.Width, 10, 4)},
	}

	hp := experiment.DefaultHyperparams()
	hp.EvalDatasets = []string{"MNIST", "EuroSAT"}
	layout := experiment.NewLayout(experiment.Roots{Model: t.TempDir(), Result: t.TempDir()}, hp.Normalize())

	before := base.StateDict().Clone()
	out, err := Sweep(quietCtx(), Inputs{Base: base, Vector: vec, Targets: targets}, []float64{0, 0.5, 1}, &layout, eval.Options{BatchSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Points) != 3 {
		t.Fatalf("got %d points", len(out.Points))
	}
	for _, p := range out.Points {
		if _, ok := p.Accuracy[eval.AverageKey]; !ok {
			t.Fatalf("point %g has no average", p.Coefficient)
		}
		if out.Best.Accuracy[eval.AverageKey] < p.Accuracy[eval.AverageKey] {
			t.Fatalf("best %g is worse than %g", out.Best.Coefficient, p.Coefficient)
		}
		r, err := experiment.ReadResult(layout.ArithmeticResultPath(p.Coefficient))
		if err != nil {
			t.Fatal(err)
		}
		if r.RunID != out.RunID || *r.Coefficient != p.Coefficient || r.Accuracy[eval.AverageKey] != p.Accuracy[eval.AverageKey] {
			t.Fatalf("stored result %+v does not match point %+v", r, p)
		}
	}
	if _, err := os.Stat(layout.ArithmeticSummaryPath()); err != nil {
		t.Fatalf("summary missing: %v", err)
	}

	for _, k := range before.Keys() {
		a, _ := before.Get(k)
		b, _ := base.StateDict().Get(k)
		if !tensor.Equal(a, b) {
			t.Fatalf("sweep mutated base key %s", k)
		}
	}
}

func TestPrepareFromDisk(t *testing.T) {
	t.Parallel()

	roots := experiment.Roots{Model: t.TempDir(), Dataset: t.TempDir(), Result: t.TempDir()}
	hp := experiment.DefaultHyperparams()
	hp.FinetuningType = experiment.FinetuneLoRA
	hp.Rank, hp.Alpha = 2, 2
	hp.EvalDatasets = []string{"MNIST", "EuroSAT"}
	layout := experiment.NewLayout(roots, hp.Normalize())

	pre, err := encoder.New(encCfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := pre.Save(layout.ZeroshotPath(hp.Pretrained)); err != nil {
		t.Fatal(err)
	}
	zeroed := pre.CloneEncoder()
	zeroed.ZeroDeltas()

	var rotations [][]*tensor.Tensor
	for i, name := range hp.EvalDatasets {
		ft := finetune(t, pre, int64(10+i))
		if err := ft.Save(layout.FinetunedPath(name)); err != nil {
			t.Fatal(err)
		}
		var us []*tensor.Tensor
		for _, r := range ft.Rotations() {
			us = append(us, r.U.Clone())
		}
		rotations = append(rotations, us)
		if err := encoder.SaveHead(layout.HeadPath(hp.Pretrained, name), head(name, 10, int64(20+i))); err != nil {
			t.Fatal(err)
		}
		for _, part := range []string{"train", "test"} {
			p, err := dataset.SplitPath(roots.Dataset, name, part)
			if err != nil {
				t.Fatal(err)
			}
			if err := dataset.SaveSplit(p, split(12, encCfg.Width, 10, int64(30+i)), nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	in, err := Prepare(quietCtx(), layout, dataset.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range in.Base.Rotations() {
		if tensor.L2(r.U) != 0 {
			t.Fatalf("base rotation %s was not zeroed", r.Key)
		}
	}
	if len(in.Targets) != 2 || in.Targets[0].Data.Len() != 12 {
		t.Fatalf("unexpected targets %+v", in.Targets)
	}

	stored, id, err := taskvector.Load(layout.TaskVectorPath(hp.EvalDatasets))
	if err != nil {
		t.Fatal(err)
	}
	if !taskvector.Equal(stored, in.Vector) || id.Kind != experiment.KindArithmetic || len(id.Datasets) != 2 {
		t.Fatalf("stored vector does not match combined vector (identity %+v)", id)
	}
	// Against a zeroed pretrained encoder the combined rotation is the mean
	// of the fine-tuned rotations.
	for i, r := range zeroed.Rotations() {
		got, _ := in.Vector.Get(r.Key)
		mean, _ := tensor.Add(rotations[0][i], rotations[1][i])
		tensor.ScaleInPlace(mean, 0.5)
		if d, _ := tensor.MaxAbsDiff(got, mean); d > 1e-6 {
			t.Fatalf("%s is not the mean rotation (diff %g)", r.Key, d)
		}
	}

	if _, err := Sweep(quietCtx(), in, []float64{1}, &layout, eval.Options{}); err != nil {
		t.Fatal(err)
	}
}
