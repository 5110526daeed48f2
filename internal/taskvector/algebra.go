package taskvector

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/tensor"
)

// Skip records one key an operation passed over.
type Skip struct {
	Op  string `json:"op"`
	Key string `json:"key"`
}

// Report collects the keys an operation skipped.
type Report struct {
	Skipped []Skip `json:"skipped,omitempty"`
}

// Keys returns the skipped key names in order.
func (r Report) Keys() []string {
	out := make([]string, len(r.Skipped))
	for i, s := range r.Skipped {
		out[i] = s.Key
	}
	return out
}

func (r *Report) merge(o Report) {
	r.Skipped = append(r.Skipped, o.Skipped...)
}

func (r *Report) skip(ctx context.Context, op, key, why string) {
	logger.FromContext(ctx).Warn(why, "op", op, "key", key)
	r.Skipped = append(r.Skipped, Skip{Op: op, Key: key})
}

// Add returns a + b over the keys of a that b also has. Keys of a missing
// from b are dropped from the result and reported; keys only b has are
// ignored. The operation is therefore not symmetric in its key handling.
func Add(ctx context.Context, a, b *TaskVector) (*TaskVector, Report, error) {
	var rep Report
	out := encoder.NewParameterMap()
	for _, k := range a.params.Keys() {
		x, _ := a.params.Get(k)
		y, ok := b.params.Get(k)
		if !ok {
			rep.skip(ctx, "add", k, "key not present in both task vectors")
			continue
		}
		if err := checkShape(k, x, y); err != nil {
			return nil, rep, err
		}
		s, err := tensor.Add(x, y)
		if err != nil {
			return nil, rep, fmt.Errorf("%s: %w", k, err)
		}
		out.Set(k, s)
	}
	return &TaskVector{params: out}, rep, nil
}

// Sum left-folds Add starting from an empty accumulator, which acts as the
// identity: the first operand is taken unchanged. Leading nils are skipped
// as identities; a nil after the first vector is an error. Sum of nothing is
// nil.
func Sum(ctx context.Context, vectors ...*TaskVector) (*TaskVector, Report, error) {
	var (
		acc *TaskVector
		rep Report
	)
	for i, v := range vectors {
		if acc == nil {
			acc = v
			continue
		}
		if v == nil {
			return nil, rep, fmt.Errorf("sum operand %d is nil", i)
		}
		next, r, err := Add(ctx, acc, v)
		rep.merge(r)
		if err != nil {
			return nil, rep, fmt.Errorf("sum operand %d: %w", i, err)
		}
		acc = next
	}
	return acc, rep, nil
}

func (v *TaskVector) mapValues(fn func(key string, t *tensor.Tensor) (*tensor.Tensor, error)) (*TaskVector, error) {
	out := encoder.NewParameterMap()
	for _, k := range v.params.Keys() {
		t, _ := v.params.Get(k)
		r, err := fn(k, t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.Set(k, r)
	}
	return &TaskVector{params: out}, nil
}

// Negate returns -v with the same key set.
func Negate(v *TaskVector) (*TaskVector, error) {
	return v.mapValues(func(_ string, t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Neg(t)
	})
}

// Scale returns c·v.
func Scale(v *TaskVector, c float64) (*TaskVector, error) {
	return v.mapValues(func(_ string, t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Scale(t, float32(c))
	})
}

// ScaleMatching scales the keys containing substr by c and copies the rest.
func ScaleMatching(v *TaskVector, substr string, c float64) (*TaskVector, error) {
	return v.mapValues(func(k string, t *tensor.Tensor) (*tensor.Tensor, error) {
		if strings.Contains(k, substr) {
			return tensor.Scale(t, float32(c))
		}
		return t.Clone(), nil
	})
}

// ApplyTo returns a copy of base with coef·v added to every base key the
// vector carries. Base keys the vector lacks keep their value and are
// reported; integer buffers are never modified. base itself is not mutated.
func ApplyTo(ctx context.Context, v *TaskVector, base encoder.Checkpoint, coef float64) (encoder.Checkpoint, Report, error) {
	var rep Report
	sd := base.StateDict()
	updated := encoder.NewParameterMap()
	for _, k := range sd.Keys() {
		b, _ := sd.Get(k)
		if b.DType.IsInteger() {
			continue
		}
		d, ok := v.params.Get(k)
		if !ok {
			rep.skip(ctx, "apply", k, "key not present in task vector")
			continue
		}
		if err := checkShape(k, b, d); err != nil {
			return nil, rep, err
		}
		s, err := tensor.AddScaled(b, float32(coef), d)
		if err != nil {
			return nil, rep, fmt.Errorf("%s: %w", k, err)
		}
		updated.Set(k, s)
	}

	out := base.Clone()
	if _, err := out.LoadStateDict(updated, false); err != nil {
		return nil, rep, fmt.Errorf("apply task vector: %w", err)
	}
	return out, rep, nil
}
