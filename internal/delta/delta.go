// Package delta implements the learnable correction layer added on top of a
// frozen linear projection, together with the orthogonal change of basis U
// that wraps it.
//
// With rank r > 0 the correction is U·(B·A)·Uᵀ scaled by alpha/r; with r == 0
// it is U·D·Uᵀ plus an optional bias. A and B (or D) start so that the
// correction is exactly zero.
package delta

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/taskarith/internal/tensor"
)

var (
	ErrNotSquare   = errors.New("delta: rotation requires in_features == out_features")
	ErrInvalidRank = errors.New("delta: rank must be >= 0")
)

// Config describes a layer's shape and parameterisation.
type Config struct {
	In    int
	Out   int
	Rank  int
	Alpha float32
	Bias  bool
}

func (c Config) LowRank() bool { return c.Rank > 0 }

// Layer holds the correction parameters. A and B are set in low-rank mode,
// D (and Bias when enabled) in dense mode. U is always present.
type Layer struct {
	Config

	A, B    *tensor.Tensor
	D, Bias *tensor.Tensor
	U       *tensor.Tensor

	rng *rand.Rand
}

// Grads mirrors the layer's parameters. Entries for parameters the layer does
// not have are nil.
type Grads struct {
	A, B    *tensor.Tensor
	D, Bias *tensor.Tensor
	U       *tensor.Tensor
}

// New builds a layer with U = I and the correction parameters reset.
func New(cfg Config, rng *rand.Rand) (*Layer, error) {
	if cfg.Rank < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRank, cfg.Rank)
	}
	if cfg.In <= 0 || cfg.Out <= 0 {
		return nil, fmt.Errorf("delta: invalid dims %dx%d", cfg.In, cfg.Out)
	}
	if cfg.In != cfg.Out {
		return nil, fmt.Errorf("%w: in=%d out=%d", ErrNotSquare, cfg.In, cfg.Out)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	l := &Layer{Config: cfg, U: tensor.Eye(cfg.In), rng: rng}
	if cfg.LowRank() {
		l.A = tensor.Zeros(cfg.Rank, cfg.In)
		l.B = tensor.Zeros(cfg.Out, cfg.Rank)
	} else {
		l.D = tensor.Zeros(cfg.In, cfg.Out)
		if cfg.Bias {
			l.Bias = tensor.Zeros(cfg.Out)
		}
	}
	l.ResetParameters()
	return l, nil
}

// Scale is alpha/r in low-rank mode and 1 otherwise.
func (l *Layer) Scale() float32 {
	if l.LowRank() {
		return l.Alpha / float32(l.Rank)
	}
	return 1
}

// ResetParameters draws fresh A and zeroes B, or zeroes D and the bias. U is
// left alone.
func (l *Layer) ResetParameters() {
	if l.LowRank() {
		tensor.KaimingUniform(l.A, l.rng)
		l.B.Zero()
		return
	}
	l.D.Zero()
	if l.Bias != nil {
		l.Bias.Zero()
	}
}

// ZeroParameters turns the layer into a no-op without touching U.
func (l *Layer) ZeroParameters() {
	for _, t := range []*tensor.Tensor{l.A, l.B, l.D, l.Bias} {
		if t != nil {
			t.Zero()
		}
	}
}

// Randomize replaces U with a Kaiming-uniform draw and re-orthogonalises it.
func (l *Layer) Randomize() error {
	tensor.KaimingUniform(l.U, l.rng)
	return l.Reorthogonalize()
}

// ResetRotation sets U back to the identity.
func (l *Layer) ResetRotation() {
	if err := l.U.CopyFrom(tensor.Eye(l.In)); err != nil {
		panic(err)
	}
}

// Reorthogonalize replaces U with the Q factor of its QR decomposition. It is
// a projection applied between optimiser steps, never differentiated through.
func (l *Layer) Reorthogonalize() error {
	q, err := tensor.OrthogonalFactor(l.U)
	if err != nil {
		return fmt.Errorf("reorthogonalize: %w", err)
	}
	return l.U.CopyFrom(q)
}

// weight returns the middle map as a (out×in) linear weight.
func (l *Layer) weight() (*tensor.Tensor, error) {
	if l.LowRank() {
		return tensor.MatMul(l.B, l.A)
	}
	return l.D, nil
}

// Forward computes the correction for a (batch×in) input. The three linear
// maps are applied in order, x·Uᵀ then ·Wᵀ then ·U; folding U into W first
// would change rounding.
func (l *Layer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	_, h2, err := l.hidden(x)
	if err != nil {
		return nil, err
	}
	y, err := tensor.MatMul(h2, l.U)
	if err != nil {
		return nil, err
	}
	if l.LowRank() {
		tensor.ScaleInPlace(y, l.Scale())
		return y, nil
	}
	if l.Bias != nil {
		if err := tensor.AddRowVector(y, l.Bias); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (l *Layer) hidden(x *tensor.Tensor) (h1, h2 *tensor.Tensor, err error) {
	_, c, err := x.Dims()
	if err != nil {
		return nil, nil, err
	}
	if c != l.In {
		return nil, nil, fmt.Errorf("%w: input width %d, layer expects %d", tensor.ErrShapeMismatch, c, l.In)
	}
	w, err := l.weight()
	if err != nil {
		return nil, nil, err
	}
	h1, err = tensor.MatMulT(x, l.U)
	if err != nil {
		return nil, nil, err
	}
	h2, err = tensor.MatMulT(h1, w)
	if err != nil {
		return nil, nil, err
	}
	return h1, h2, nil
}

// Backward returns parameter gradients and the input gradient for upstream
// gradient dy of the Forward output.
func (l *Layer) Backward(x, dy *tensor.Tensor) (Grads, *tensor.Tensor, error) {
	h1, h2, err := l.hidden(x)
	if err != nil {
		return Grads{}, nil, err
	}
	w, err := l.weight()
	if err != nil {
		return Grads{}, nil, err
	}

	g := dy
	if s := l.Scale(); s != 1 {
		if g, err = tensor.Scale(dy, s); err != nil {
			return Grads{}, nil, err
		}
	}

	var grads Grads
	if l.Bias != nil {
		if grads.Bias, err = tensor.SumRows(dy); err != nil {
			return Grads{}, nil, err
		}
	}

	// y = h2·U
	dh2, err := tensor.MatMulT(g, l.U)
	if err != nil {
		return Grads{}, nil, err
	}
	dUOut, err := tensor.TMatMul(h2, g)
	if err != nil {
		return Grads{}, nil, err
	}

	// h2 = h1·Wᵀ
	dW, err := tensor.TMatMul(dh2, h1)
	if err != nil {
		return Grads{}, nil, err
	}
	if l.LowRank() {
		if grads.B, err = tensor.MatMulT(dW, l.A); err != nil {
			return Grads{}, nil, err
		}
		if grads.A, err = tensor.TMatMul(l.B, dW); err != nil {
			return Grads{}, nil, err
		}
	} else {
		grads.D = dW
	}
	dh1, err := tensor.MatMul(dh2, w)
	if err != nil {
		return Grads{}, nil, err
	}

	// h1 = x·Uᵀ
	dUIn, err := tensor.TMatMul(dh1, x)
	if err != nil {
		return Grads{}, nil, err
	}
	if err := tensor.AddInPlace(dUIn, dUOut); err != nil {
		return Grads{}, nil, err
	}
	grads.U = dUIn

	dx, err := tensor.MatMul(dh1, l.U)
	if err != nil {
		return Grads{}, nil, err
	}
	return grads, dx, nil
}

// Params returns the layer's parameters keyed by their local names.
func (l *Layer) Params() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{"U": l.U}
	if l.LowRank() {
		out["A"] = l.A
		out["B"] = l.B
	} else {
		out["D"] = l.D
		if l.Bias != nil {
			out["b"] = l.Bias
		}
	}
	return out
}

// Named returns the gradient entries under the same local names as Params.
func (g Grads) Named() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, 5)
	for name, t := range map[string]*tensor.Tensor{"A": g.A, "B": g.B, "D": g.D, "b": g.Bias, "U": g.U} {
		if t != nil {
			out[name] = t
		}
	}
	return out
}
