package train

import (
	"fmt"
	"math"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// AdamW returns a configuration with the usual defaults (beta1 0.9, beta2
// 0.999, epsilon 1e-8, weight decay 0.01). Call Done to build the optimizer.
func AdamW() *AdamWConfig {
	return &AdamWConfig{
		learningRate: 1e-3,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		weightDecay:  0.01,
	}
}

type AdamWConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

func (c *AdamWConfig) LearningRate(v float64) *AdamWConfig {
	c.learningRate = v
	return c
}

func (c *AdamWConfig) Betas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

func (c *AdamWConfig) Epsilon(v float64) *AdamWConfig {
	c.epsilon = v
	return c
}

// WeightDecay sets the decoupled weight decay applied before the moment
// update.
func (c *AdamWConfig) WeightDecay(v float64) *AdamWConfig {
	c.weightDecay = v
	return c
}

func (c *AdamWConfig) Done() (*AdamWOptimizer, error) {
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, fmt.Errorf("adamw: betas (%g, %g) outside [0, 1)", c.beta1, c.beta2)
	}
	if c.learningRate < 0 || c.weightDecay < 0 || c.epsilon <= 0 {
		return nil, fmt.Errorf("adamw: invalid lr %g, weight decay %g or epsilon %g", c.learningRate, c.weightDecay, c.epsilon)
	}
	return &AdamWOptimizer{
		cfg: *c,
		lr:  c.learningRate,
		m:   make(map[string][]float64),
		v:   make(map[string][]float64),
	}, nil
}

// AdamWOptimizer keeps first and second moments per parameter name.
type AdamWOptimizer struct {
	cfg  AdamWConfig
	lr   float64
	step int
	m, v map[string][]float64
}

func (o *AdamWOptimizer) LR() float64      { return o.lr }
func (o *AdamWOptimizer) SetLR(lr float64) { o.lr = lr }
func (o *AdamWOptimizer) Steps() int       { return o.step }

// Step updates every parameter that has a gradient. Parameters without one
// are left alone and keep their moments.
func (o *AdamWOptimizer) Step(params, grads map[string]*tensor.Tensor) error {
	o.step++
	bc1 := 1 - math.Pow(o.cfg.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.cfg.beta2, float64(o.step))
	decay := 1 - o.lr*o.cfg.weightDecay

	for name, g := range grads {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("adamw: gradient for unknown parameter %q", name)
		}
		if !p.SameShape(g) {
			return fmt.Errorf("adamw: %s: %w: %v vs %v", name, tensor.ErrShapeMismatch, p.Shape, g.Shape)
		}
		m, v := o.m[name], o.v[name]
		if m == nil {
			m = make([]float64, len(p.Data))
			v = make([]float64, len(p.Data))
			o.m[name], o.v[name] = m, v
		}
		for i, gi := range g.Data {
			gf := float64(gi)
			m[i] = o.cfg.beta1*m[i] + (1-o.cfg.beta1)*gf
			v[i] = o.cfg.beta2*v[i] + (1-o.cfg.beta2)*gf*gf
			mh := m[i] / bc1
			vh := v[i] / bc2
			w := float64(p.Data[i]) * decay
			p.Data[i] = float32(w - o.lr*mh/(math.Sqrt(vh)+o.cfg.epsilon))
		}
	}
	return nil
}
