package encoder

import (
	"fmt"
	"math"

	"github.com/samcharles93/taskarith/internal/tensor"
)

const lnEps = 1e-5

// Trace keeps the activations Backward needs.
type Trace struct {
	inputs  []*tensor.Tensor // block inputs h_i
	values  []*tensor.Tensor // v_proj outputs a_i
	final   *tensor.Tensor   // last block output, input to ln_post
	normed  *tensor.Tensor   // x̂ of ln_post
	invStd  []float32
	lnOut   *tensor.Tensor
	Batch   int
	Feature *tensor.Tensor
}

// Forward maps (batch×width) inputs to (batch×output_dim) features.
func (e *Encoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	tr, err := e.ForwardTrace(x)
	if err != nil {
		return nil, err
	}
	return tr.Feature, nil
}

// ForwardTrace is Forward keeping the intermediate activations.
func (e *Encoder) ForwardTrace(x *tensor.Tensor) (*Trace, error) {
	n, c, err := x.Dims()
	if err != nil {
		return nil, err
	}
	if c != e.cfg.Width {
		return nil, fmt.Errorf("%w: input width %d, encoder width %d", tensor.ErrShapeMismatch, c, e.cfg.Width)
	}

	h := x.Clone()
	if err := tensor.AddRowVector(h, e.classEmbedding); err != nil {
		return nil, err
	}
	tr := &Trace{Batch: n}
	for _, b := range e.blocks {
		tr.inputs = append(tr.inputs, h)
		a, err := b.proj["v"].Forward(h)
		if err != nil {
			return nil, err
		}
		tr.values = append(tr.values, a)
		o, err := b.proj["out"].Forward(a)
		if err != nil {
			return nil, err
		}
		next, err := tensor.Add(h, o)
		if err != nil {
			return nil, err
		}
		h = next
	}
	tr.final = h

	tr.lnOut, tr.normed, tr.invStd = layerNorm(h, e.lnPostWeight, e.lnPostBias)
	tr.Feature, err = tensor.MatMul(tr.lnOut, e.proj)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Backward propagates dFeature through the encoder and returns gradients for
// every Delta parameter keyed by full name. Frozen weights get none.
func (e *Encoder) Backward(tr *Trace, dFeature *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	dLN, err := tensor.MatMulT(dFeature, e.proj)
	if err != nil {
		return nil, err
	}
	dh := layerNormBackward(dLN, tr.normed, tr.invStd, e.lnPostWeight)

	grads := make(map[string]*tensor.Tensor)
	for i := len(e.blocks) - 1; i >= 0; i-- {
		b := e.blocks[i]
		// h_{i+1} = h_i + out(v(h_i))
		gOut, da, err := b.proj["out"].Backward(tr.values[i], dh)
		if err != nil {
			return nil, err
		}
		gV, dhi, err := b.proj["v"].Backward(tr.inputs[i], da)
		if err != nil {
			return nil, err
		}
		for name, g := range gOut.Named() {
			grads[ProjPrefix(i, "out")+".Delta."+name] = g
		}
		for name, g := range gV.Named() {
			grads[ProjPrefix(i, "v")+".Delta."+name] = g
		}
		if err := tensor.AddInPlace(dhi, dh); err != nil {
			return nil, err
		}
		dh = dhi
	}

	// q and k do not reach the output; their gradients are zero.
	for i := range e.blocks {
		for _, p := range []string{"q", "k"} {
			for name, t := range e.blocks[i].proj[p].Delta.Params() {
				grads[ProjPrefix(i, p)+".Delta."+name] = tensor.Zeros(t.Shape...)
			}
		}
	}
	return grads, nil
}

func layerNorm(x, gamma, beta *tensor.Tensor) (out, normed *tensor.Tensor, invStd []float32) {
	n, c := x.Shape[0], x.Shape[1]
	out = tensor.Zeros(n, c)
	normed = tensor.Zeros(n, c)
	invStd = make([]float32, n)
	for i := 0; i < n; i++ {
		row := x.Row(i)
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(c)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+lnEps)
		invStd[i] = float32(inv)
		nr, or := normed.Row(i), out.Row(i)
		for j, v := range row {
			xh := float32((float64(v) - mean) * inv)
			nr[j] = xh
			or[j] = xh*gamma.Data[j] + beta.Data[j]
		}
	}
	return out, normed, invStd
}

func layerNormBackward(dy, normed *tensor.Tensor, invStd []float32, gamma *tensor.Tensor) *tensor.Tensor {
	n, c := dy.Shape[0], dy.Shape[1]
	dx := tensor.Zeros(n, c)
	dxh := make([]float64, c)
	for i := 0; i < n; i++ {
		dr, nr, xr := dy.Row(i), normed.Row(i), dx.Row(i)
		var sum, dot float64
		for j := range dr {
			dxh[j] = float64(dr[j]) * float64(gamma.Data[j])
			sum += dxh[j]
			dot += dxh[j] * float64(nr[j])
		}
		sum /= float64(c)
		dot /= float64(c)
		inv := float64(invStd[i])
		for j := range xr {
			xr[j] = float32(inv * (dxh[j] - sum - float64(nr[j])*dot))
		}
	}
	return dx
}
