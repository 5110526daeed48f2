// Package orthreg measures how far the Delta rotations of an encoder have
// drifted from orthogonality and provides the gradient used to pull them
// back during orthogonal fine-tuning.
package orthreg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/tensor"
)

var (
	ErrInvalidNorm = errors.New("orthreg: invalid norm")
	ErrNoRotations = errors.New("orthreg: no rotation matrices found")
)

const (
	NormFrobenius = "fro"
	NormSpectral  = "spec"
)

// RotationSource exposes the Delta.U matrices of a model.
type RotationSource interface {
	Rotations() []encoder.Rotation
}

// Regularizer reduces UᵀU − I of every rotation with a matrix norm and
// averages the result.
type Regularizer struct {
	norm string
}

func New(norm string) (*Regularizer, error) {
	switch norm {
	case NormFrobenius, NormSpectral:
		return &Regularizer{norm: norm}, nil
	}
	return nil, fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidNorm, norm, NormFrobenius, NormSpectral)
}

func (r *Regularizer) Norm() string { return r.norm }

// Loss returns the mean norm of UᵀU − I over every rotation.
func (r *Regularizer) Loss(src RotationSource) (float64, error) {
	loss, _, err := r.eval(src, false)
	return loss, err
}

// LossAndGrad is Loss plus ∂loss/∂U keyed by parameter name.
func (r *Regularizer) LossAndGrad(src RotationSource) (float64, map[string]*tensor.Tensor, error) {
	return r.eval(src, true)
}

func (r *Regularizer) eval(src RotationSource, withGrad bool) (float64, map[string]*tensor.Tensor, error) {
	rots := src.Rotations()
	if len(rots) == 0 {
		return 0, nil, ErrNoRotations
	}
	n := float64(len(rots))
	var grads map[string]*tensor.Tensor
	if withGrad {
		grads = make(map[string]*tensor.Tensor, len(rots))
	}

	var total float64
	for _, rot := range rots {
		m, err := tensor.OrthogonalityDefect(rot.U)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: %w", rot.Key, err)
		}
		var (
			val float64
			dm  *mat.Dense // ∂val/∂M, symmetric
		)
		switch r.norm {
		case NormFrobenius:
			val = tensor.FrobeniusNorm(m)
			if withGrad && val > 0 {
				dm = mat.DenseCopyOf(m)
				dm.Scale(1/val, dm)
			}
		case NormSpectral:
			lambda, v, err := tensor.SymmetricExtremal(m)
			if err != nil {
				return 0, nil, fmt.Errorf("%s: %w", rot.Key, err)
			}
			val = math.Abs(lambda)
			if withGrad && val > 0 {
				vec := mat.NewVecDense(len(v), v)
				dm = mat.NewDense(len(v), len(v), nil)
				dm.Outer(math.Copysign(1, lambda), vec, vec)
			}
		}
		total += val

		if withGrad {
			grads[rot.Key] = rotationGrad(rot.U, dm, n)
		}
	}
	return total / n, grads, nil
}

// rotationGrad maps ∂val/∂M to ∂loss/∂U. With M = UᵀU − I and G symmetric,
// ∂/∂U = U(G + Gᵀ) = 2UG, divided by the number of rotations.
func rotationGrad(u *tensor.Tensor, dm *mat.Dense, n float64) *tensor.Tensor {
	if dm == nil {
		return tensor.Zeros(u.Shape...)
	}
	ud, _ := tensor.ToDense(u)
	var g mat.Dense
	g.Mul(ud, dm)
	g.Scale(2/n, &g)
	return tensor.FromDense(&g)
}

// MeanDeterminant returns the mean det(U) over every rotation. Training logs
// it to show whether rotations stay in SO(n).
func MeanDeterminant(src RotationSource) (float64, error) {
	rots := src.Rotations()
	if len(rots) == 0 {
		return 0, ErrNoRotations
	}
	var s float64
	for _, rot := range rots {
		d, err := tensor.Det(rot.U)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", rot.Key, err)
		}
		s += d
	}
	return s / float64(len(rots)), nil
}
