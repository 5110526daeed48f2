// Package taskvector implements task arithmetic over encoder checkpoints: the
// difference between a fine-tuned and a pretrained parameter map, and the
// algebra (sum, negation, scaling, application) defined on it.
//
// Every operation returns a new vector; operands are never mutated. Keys that
// one operand has and the other lacks are skipped rather than failing, and
// each skip is both logged and returned in a Report. A shape mismatch on a key
// present in both operands is always an error.
package taskvector

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/tensor"
)

var (
	ErrShapeMismatch = errors.New("taskvector: shape mismatch")
	ErrMissingKey    = errors.New("taskvector: key missing from fine-tuned parameters")
)

// DefaultCoefficient is the scaling applied by ApplyTo when callers have no
// sweep value of their own.
const DefaultCoefficient = 1.0

// ParameterSource is anything that can expose a full parameter map.
type ParameterSource interface {
	StateDict() *encoder.ParameterMap
}

// TaskVector is an owned parameter map of fine-tuned minus pretrained values.
// Its key set is fixed at construction.
type TaskVector struct {
	params *encoder.ParameterMap
}

// New computes finetuned - pretrained for every non-integer key of
// pretrained.
func New(pretrained, finetuned ParameterSource) (*TaskVector, error) {
	pre := pretrained.StateDict()
	ft := finetuned.StateDict()
	out := encoder.NewParameterMap()
	for _, k := range pre.Keys() {
		p, _ := pre.Get(k)
		if p.DType.IsInteger() {
			continue
		}
		f, ok := ft.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, k)
		}
		d, err := sub(k, f, p)
		if err != nil {
			return nil, err
		}
		out.Set(k, d)
	}
	return &TaskVector{params: out}, nil
}

// FromMap wraps an already computed difference map. The map is deep-copied.
func FromMap(pm *encoder.ParameterMap) *TaskVector {
	return &TaskVector{params: pm.Clone()}
}

func checkShape(key string, a, b *tensor.Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %s %s vs %s", ErrShapeMismatch, key, a.ShapeString(), b.ShapeString())
	}
	return nil
}

func sub(key string, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShape(key, a, b); err != nil {
		return nil, err
	}
	d, err := tensor.Sub(a, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Len returns the number of keys.
func (v *TaskVector) Len() int { return v.params.Len() }

// Keys returns the keys in construction order.
func (v *TaskVector) Keys() []string { return v.params.Keys() }

// Get returns a copy of the value stored under key.
func (v *TaskVector) Get(key string) (*tensor.Tensor, bool) {
	t, ok := v.params.Get(key)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Map returns a deep copy of the underlying parameter map.
func (v *TaskVector) Map() *encoder.ParameterMap { return v.params.Clone() }

// Norm returns the global L2 norm over every value.
func (v *TaskVector) Norm() float64 {
	var s float64
	for _, k := range v.params.Keys() {
		t, _ := v.params.Get(k)
		s += tensor.SumSquares(t)
	}
	return math.Sqrt(s)
}

// KeyStat summarises one entry.
type KeyStat struct {
	Key   string  `json:"key"`
	Shape []int   `json:"shape"`
	DType string  `json:"dtype"`
	Norm  float64 `json:"norm"`
}

// Stats returns the per-key L2 norms in key order.
func (v *TaskVector) Stats() []KeyStat {
	out := make([]KeyStat, 0, v.params.Len())
	for _, k := range v.params.Keys() {
		t, _ := v.params.Get(k)
		out = append(out, KeyStat{Key: k, Shape: slices.Clone(t.Shape), DType: t.DType.String(), Norm: tensor.L2(t)})
	}
	return out
}

// Equal reports whether a and b have the same key set and bit-identical
// values. Key order is not compared.
func Equal(a, b *TaskVector) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, k := range a.params.Keys() {
		x, _ := a.params.Get(k)
		y, ok := b.params.Get(k)
		if !ok || !tensor.Equal(x, y) {
			return false
		}
	}
	return true
}
