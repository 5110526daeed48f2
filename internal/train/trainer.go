// Package train runs orthogonal fine-tuning: only the Delta rotations of an
// encoder are optimised, against the frozen heads of the training datasets,
// with the orthogonality penalty added to the classification loss.
package train

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/taskarith/internal/dataset"
	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/metrics"
	"github.com/samcharles93/taskarith/internal/orthreg"
	"github.com/samcharles93/taskarith/internal/tensor"
)

var ErrNoTrainableParams = errors.New("train: no trainable parameters")

// Config holds the optimisation hyperparameters. BatchSize is the
// micro-batch size; the effective batch is BatchSize·GradAccumSteps.
type Config struct {
	Epochs         int
	BatchSize      int
	GradAccumSteps int
	LR             float64
	WeightDecay    float64
	LabelSmoothing float64
	Beta           float64
	Warmup         int
	MaxGradNorm    float64
	Workers        int
	Seed           int64
}

func DefaultConfig() Config {
	return Config{
		Epochs:         1,
		BatchSize:      32,
		GradAccumSteps: 1,
		LR:             1e-5,
		WeightDecay:    0.1,
		Warmup:         500,
		MaxGradNorm:    1,
		Workers:        1,
	}
}

func (c Config) Validate() error {
	var errs []string
	if c.Epochs <= 0 {
		errs = append(errs, fmt.Sprintf("epochs must be positive, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.GradAccumSteps <= 0 {
		errs = append(errs, fmt.Sprintf("grad accumulation steps must be positive, got %d", c.GradAccumSteps))
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		errs = append(errs, fmt.Sprintf("label smoothing %g outside [0, 1)", c.LabelSmoothing))
	}
	if c.MaxGradNorm <= 0 {
		errs = append(errs, fmt.Sprintf("max grad norm must be positive, got %g", c.MaxGradNorm))
	}
	if len(errs) > 0 {
		return fmt.Errorf("train: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StepStats describes one optimizer step.
type StepStats struct {
	Dataset     string
	Epoch       int
	Step        int
	TotalSteps  int
	Loss        float64
	CELoss      float64
	OrthLoss    float64
	Accuracy    float64
	LR          float64
	Determinant float64
	GradNorm    float64
	Duration    time.Duration
}

type Summary struct {
	Steps    int
	Duration time.Duration
	Last     StepStats
}

// Trainer owns the optimizer state for one encoder.
type Trainer struct {
	cfg    Config
	enc    *encoder.Encoder
	reg    *orthreg.Regularizer
	opt    *AdamWOptimizer
	keys   []string
	params map[string]*tensor.Tensor
	acc    map[string]*tensor.Tensor

	// OnStep, when set, is called after every optimizer step.
	OnStep func(StepStats)
}

// New prepares a trainer over the encoder's currently trainable
// parameters.
func New(enc *encoder.Encoder, reg *orthreg.Regularizer, cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keys := enc.Trainable()
	if len(keys) == 0 {
		return nil, ErrNoTrainableParams
	}
	opt, err := AdamW().LearningRate(cfg.LR).WeightDecay(cfg.WeightDecay).Done()
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:    cfg,
		enc:    enc,
		reg:    reg,
		opt:    opt,
		keys:   keys,
		params: make(map[string]*tensor.Tensor, len(keys)),
		acc:    make(map[string]*tensor.Tensor, len(keys)),
	}
	for _, k := range keys {
		p, _ := enc.Param(k)
		t.params[k] = p
		t.acc[k] = tensor.Zeros(p.Shape...)
	}
	return t, nil
}

// Run trains for cfg.Epochs under strategy s.
func (t *Trainer) Run(ctx context.Context, s Strategy) (Summary, error) {
	log := logger.FromContext(ctx).With("mode", s.Mode())
	for _, k := range t.keys {
		p := t.params[k]
		dist := tensor.L2(p)
		if r, c, err := p.Dims(); err == nil && r == c {
			if d, err := tensor.Sub(p, tensor.Eye(r)); err == nil {
				dist = tensor.L2(d)
			}
		}
		log.Debug("trainable parameter", "key", k, "shape", p.ShapeString(), "dist_from_identity", dist)
	}

	var sum Summary
	start := time.Now()
	accum := t.cfg.GradAccumSteps

	switch s := s.(type) {
	case CycleStrategy:
		loaders := make([]*dataset.Loader, len(s.Tasks))
		for i, task := range s.Tasks {
			loaders[i] = dataset.NewLoader(task.Data, t.cfg.BatchSize, true, t.cfg.Seed+int64(i))
		}
		for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
			for i, task := range s.Tasks {
				nb := loaders[i].NumBatches()
				sched := CosineLR{Base: t.cfg.LR, Warmup: t.cfg.Warmup, Total: t.cfg.Epochs * nb / accum}
				heads := []*encoder.Head{task.Head}
				route := func(int) int { return 0 }
				if err := t.epoch(ctx, log, epoch, task.Name, loaders[i], sched, heads, route, &sum); err != nil {
					return sum, err
				}
			}
		}

	case MixStrategy:
		splits := make([]*dataset.Split, len(s.Tasks))
		heads := make([]*encoder.Head, len(s.Tasks))
		for i, task := range s.Tasks {
			splits[i], heads[i] = task.Data, task.Head
		}
		mixed, source, err := dataset.Concat(splits...)
		if err != nil {
			return sum, err
		}
		loader := dataset.NewLoader(mixed, t.cfg.BatchSize, true, t.cfg.Seed)
		sched := CosineLR{Base: t.cfg.LR, Warmup: t.cfg.Warmup, Total: t.cfg.Epochs * loader.NumBatches() / accum}
		route := func(row int) int { return source[row] }
		for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
			if err := t.epoch(ctx, log, epoch, "mixed", loader, sched, heads, route, &sum); err != nil {
				return sum, err
			}
		}

	default:
		return sum, fmt.Errorf("train: unsupported strategy %T", s)
	}

	sum.Duration = time.Since(start)
	log.Info("training complete", "steps", sum.Steps, "duration", sum.Duration.Round(time.Millisecond))
	return sum, nil
}

// epoch consumes one pass of loader. route maps a row of the loader's split
// to the head that scores it.
func (t *Trainer) epoch(ctx context.Context, log logger.Logger, epoch int, name string, loader *dataset.Loader,
	sched CosineLR, heads []*encoder.Head, route func(int) int, sum *Summary) error {
	nb := loader.NumBatches()
	accum := t.cfg.GradAccumSteps

	var (
		ceTotal, orthLast float64
		correct, rows     int
		stepStart         = time.Now()
	)
	for i := 0; ; i++ {
		b, ok := loader.Next()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if i%accum == 0 {
			stepStart = time.Now()
		}

		ce, orth, corr, err := t.microStep(ctx, b, heads, route)
		if err != nil {
			return fmt.Errorf("%s epoch %d batch %d: %w", name, epoch+1, i+1, err)
		}
		ceTotal += ce * float64(b.Len())
		orthLast = orth
		correct += corr
		rows += b.Len()

		if (i+1)%accum != 0 {
			continue
		}
		step := i/accum + epoch*nb/accum
		lr := sched.At(step)
		t.opt.SetLR(lr)
		norm := ClipGradNorm(t.acc, t.cfg.MaxGradNorm)
		if err := t.opt.Step(t.params, t.acc); err != nil {
			return err
		}
		for _, g := range t.acc {
			g.Zero()
		}
		det, err := orthreg.MeanDeterminant(t.enc)
		if err != nil {
			return err
		}

		ceMean := ceTotal / float64(rows)
		st := StepStats{
			Dataset:     name,
			Epoch:       epoch + 1,
			Step:        step + 1,
			TotalSteps:  sched.Total,
			Loss:        ceMean + t.cfg.Beta*orthLast,
			CELoss:      ceMean,
			OrthLoss:    orthLast,
			Accuracy:    float64(correct) / float64(rows),
			LR:          lr,
			Determinant: det,
			GradNorm:    norm,
			Duration:    time.Since(stepStart),
		}
		ceTotal, correct, rows = 0, 0, 0

		sum.Steps++
		sum.Last = st
		log.Info("train step",
			"dataset", st.Dataset,
			"epoch", fmt.Sprintf("%d/%d", st.Epoch, t.cfg.Epochs),
			"batch", fmt.Sprintf("%d/%d", i+1, nb),
			"step", fmt.Sprintf("%d/%d", st.Step, st.TotalSteps),
			"loss", st.Loss,
			"ce", st.CELoss,
			"orth", st.OrthLoss,
			"acc", st.Accuracy,
			"det", st.Determinant,
			"lr", st.LR,
			"batch_time", st.Duration.Round(time.Millisecond),
		)
		metrics.RecordTrainStep(metrics.TrainStep{
			Dataset:     st.Dataset,
			Loss:        st.Loss,
			CELoss:      st.CELoss,
			OrthLoss:    st.OrthLoss,
			Accuracy:    st.Accuracy,
			LR:          st.LR,
			Determinant: st.Determinant,
			Duration:    st.Duration,
		})
		if t.OnStep != nil {
			t.OnStep(st)
		}
	}
}

type shardResult struct {
	ce      float64
	correct int
	grads   map[string]*tensor.Tensor
}

// microStep accumulates the gradient of CE + beta·orth for one micro-batch
// and returns the mean CE, the orthogonality loss and the correct count.
// The batch is split into contiguous shards evaluated concurrently; shard
// gradients are summed in shard order.
func (t *Trainer) microStep(ctx context.Context, b dataset.Batch, heads []*encoder.Head, route func(int) int) (float64, float64, int, error) {
	n := b.Len()
	workers := max(1, min(t.cfg.Workers, n))
	chunk := (n + workers - 1) / workers
	results := make([]shardResult, workers)

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			r, err := t.shard(b, lo, hi, n, heads, route)
			if err != nil {
				return err
			}
			results[w] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, 0, err
	}

	var (
		ce      float64
		correct int
	)
	for _, r := range results {
		if r.grads == nil {
			continue
		}
		ce += r.ce
		correct += r.correct
		for _, k := range t.keys {
			if gk, ok := r.grads[k]; ok {
				if err := tensor.AddInPlace(t.acc[k], gk); err != nil {
					return 0, 0, 0, fmt.Errorf("%s: %w", k, err)
				}
			}
		}
	}

	orth, og, err := t.reg.LossAndGrad(t.enc)
	if err != nil {
		return 0, 0, 0, err
	}
	if t.cfg.Beta != 0 {
		for _, k := range t.keys {
			if gk, ok := og[k]; ok {
				scaled, err := tensor.Scale(gk, float32(t.cfg.Beta))
				if err != nil {
					return 0, 0, 0, err
				}
				if err := tensor.AddInPlace(t.acc[k], scaled); err != nil {
					return 0, 0, 0, fmt.Errorf("%s: %w", k, err)
				}
			}
		}
	}
	return ce / float64(n), orth, correct, nil
}

// shard runs forward and backward over rows [lo, hi) of b. Loss gradients
// are divided by the full batch size n.
func (t *Trainer) shard(b dataset.Batch, lo, hi, n int, heads []*encoder.Head, route func(int) int) (shardResult, error) {
	d := b.Inputs.Shape[1]
	x, err := tensor.FromData([]int{hi - lo, d}, b.Inputs.Data[lo*d:hi*d])
	if err != nil {
		return shardResult{}, err
	}
	tr, err := t.enc.ForwardTrace(x)
	if err != nil {
		return shardResult{}, err
	}
	feats := tr.Feature
	fd := feats.Shape[1]
	dFeat := tensor.Zeros(hi-lo, fd)

	groups := make(map[int][]int)
	for r := lo; r < hi; r++ {
		h := route(b.Index[r])
		groups[h] = append(groups[h], r-lo)
	}

	var res shardResult
	for h := range heads {
		rows := groups[h]
		if len(rows) == 0 {
			continue
		}
		sub := tensor.Zeros(len(rows), fd)
		labels := make([]int, len(rows))
		for i, r := range rows {
			copy(sub.Row(i), feats.Row(r))
			labels[i] = b.Labels[lo+r]
		}
		logits, err := heads[h].Forward(sub)
		if err != nil {
			return res, err
		}
		ce, dLogits, corr, err := CrossEntropy(logits, labels, t.cfg.LabelSmoothing, n)
		if err != nil {
			return res, fmt.Errorf("head %s: %w", heads[h].Name, err)
		}
		dSub, err := heads[h].Backward(sub, dLogits)
		if err != nil {
			return res, err
		}
		for i, r := range rows {
			copy(dFeat.Row(r), dSub.Row(i))
		}
		res.ce += ce
		res.correct += corr
	}

	res.grads, err = t.enc.Backward(tr, dFeat)
	return res, err
}
