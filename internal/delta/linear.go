package delta

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// Linear is a frozen projection Pre (weight out×in, bias out) plus a Delta
// correction: Forward(x) = x·Preᵀ + pre_bias + Delta(x).
type Linear struct {
	PreWeight *tensor.Tensor
	PreBias   *tensor.Tensor
	Delta     *Layer
}

// NewLinear wraps existing projection weights. The bias may be nil.
func NewLinear(weight, bias *tensor.Tensor, rank int, alpha float32, rng *rand.Rand) (*Linear, error) {
	out, in, err := weight.Dims()
	if err != nil {
		return nil, fmt.Errorf("pre weight: %w", err)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != out) {
		return nil, fmt.Errorf("%w: pre bias %v for weight %v", tensor.ErrShapeMismatch, bias.Shape, weight.Shape)
	}
	d, err := New(Config{In: in, Out: out, Rank: rank, Alpha: alpha, Bias: true}, rng)
	if err != nil {
		return nil, err
	}
	return &Linear{PreWeight: weight, PreBias: bias, Delta: d}, nil
}

func (l *Linear) pre(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatMulT(x, l.PreWeight)
	if err != nil {
		return nil, err
	}
	if l.PreBias != nil {
		if err := tensor.AddRowVector(y, l.PreBias); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := l.pre(x)
	if err != nil {
		return nil, err
	}
	d, err := l.Delta.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(y, d); err != nil {
		return nil, err
	}
	return y, nil
}

// Backward returns the Delta gradients and dx through both branches. Pre is
// frozen and receives no gradient.
func (l *Linear) Backward(x, dy *tensor.Tensor) (Grads, *tensor.Tensor, error) {
	grads, dx, err := l.Delta.Backward(x, dy)
	if err != nil {
		return Grads{}, nil, err
	}
	dxPre, err := tensor.MatMul(dy, l.PreWeight)
	if err != nil {
		return Grads{}, nil, err
	}
	if err := tensor.AddInPlace(dx, dxPre); err != nil {
		return Grads{}, nil, err
	}
	return grads, dx, nil
}
