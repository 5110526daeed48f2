package encoder

import (
	"fmt"
	"math"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// Head is a frozen classification head over L2-normalised features, built
// from zero-shot class embeddings.
type Head struct {
	Name   string
	Weight *tensor.Tensor // classes × output_dim
	Bias   *tensor.Tensor // optional, classes
}

func (h *Head) NumClasses() int { return h.Weight.Shape[0] }

func normalizeRows(f *tensor.Tensor) (*tensor.Tensor, []float32) {
	n, c := f.Shape[0], f.Shape[1]
	out := tensor.Zeros(n, c)
	norms := make([]float32, n)
	for i := 0; i < n; i++ {
		row := f.Row(i)
		var s float64
		for _, v := range row {
			s += float64(v) * float64(v)
		}
		norm := float32(math.Sqrt(s))
		if norm < 1e-12 {
			norm = 1e-12
		}
		norms[i] = norm
		or := out.Row(i)
		for j, v := range row {
			or[j] = v / norm
		}
	}
	return out, norms
}

// Forward returns (batch×classes) logits.
func (h *Head) Forward(features *tensor.Tensor) (*tensor.Tensor, error) {
	_, c, err := features.Dims()
	if err != nil {
		return nil, err
	}
	if c != h.Weight.Shape[1] {
		return nil, fmt.Errorf("%w: head %s expects %d features, got %d", tensor.ErrShapeMismatch, h.Name, h.Weight.Shape[1], c)
	}
	fn, _ := normalizeRows(features)
	logits, err := tensor.MatMulT(fn, h.Weight)
	if err != nil {
		return nil, err
	}
	if h.Bias != nil {
		if err := tensor.AddRowVector(logits, h.Bias); err != nil {
			return nil, err
		}
	}
	return logits, nil
}

// Backward returns the gradient with respect to the unnormalised features.
func (h *Head) Backward(features, dLogits *tensor.Tensor) (*tensor.Tensor, error) {
	fn, norms := normalizeRows(features)
	dfn, err := tensor.MatMul(dLogits, h.Weight)
	if err != nil {
		return nil, err
	}
	n, c := fn.Shape[0], fn.Shape[1]
	df := tensor.Zeros(n, c)
	for i := 0; i < n; i++ {
		fr, gr, out := fn.Row(i), dfn.Row(i), df.Row(i)
		var dot float64
		for j := range fr {
			dot += float64(fr[j]) * float64(gr[j])
		}
		inv := 1 / norms[i]
		for j := range out {
			out[j] = (gr[j] - fr[j]*float32(dot)) * inv
		}
	}
	return df, nil
}
