package train

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// CrossEntropy returns the summed label-smoothed cross-entropy of logits
// against labels, the gradient of that sum divided by denom, and the number
// of correct top-1 predictions. Dividing by the full batch size lets shards
// of one batch produce gradients that add up to the batch mean.
//
// With smoothing s over C classes the target is (1-s)·onehot + s/C.
func CrossEntropy(logits *tensor.Tensor, labels []int, smoothing float64, denom int) (float64, *tensor.Tensor, int, error) {
	n, c, err := logits.Dims()
	if err != nil {
		return 0, nil, 0, err
	}
	if n != len(labels) {
		return 0, nil, 0, fmt.Errorf("%w: %d logit rows, %d labels", tensor.ErrShapeMismatch, n, len(labels))
	}
	if denom <= 0 {
		denom = n
	}

	grad := tensor.Zeros(n, c)
	var (
		total   float64
		correct int
	)
	lp := make([]float64, c)
	for i := 0; i < n; i++ {
		y := labels[i]
		if y < 0 || y >= c {
			return 0, nil, 0, fmt.Errorf("label %d out of range for %d classes", y, c)
		}
		row := logits.Row(i)
		if tensor.Argmax(row) == y {
			correct++
		}
		logSoftmax(row, lp)

		var smooth float64
		for _, v := range lp {
			smooth -= v
		}
		smooth /= float64(c)
		total += (1-smoothing)*(-lp[y]) + smoothing*smooth

		g := grad.Row(i)
		for j := range g {
			q := smoothing / float64(c)
			if j == y {
				q += 1 - smoothing
			}
			g[j] = float32((math.Exp(lp[j]) - q) / float64(denom))
		}
	}
	return total, grad, correct, nil
}

func logSoftmax(z []float32, out []float64) {
	maxv := float64(z[0])
	for _, v := range z[1:] {
		maxv = math.Max(maxv, float64(v))
	}
	var sum float64
	for _, v := range z {
		sum += math.Exp(float64(v) - maxv)
	}
	lse := maxv + math.Log(sum)
	for j, v := range z {
		out[j] = float64(v) - lse
	}
}

// ClipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(grads map[string]*tensor.Tensor, maxNorm float64) float64 {
	var s float64
	for _, k := range slices.Sorted(maps.Keys(grads)) {
		s += tensor.SumSquares(grads[k])
	}
	norm := math.Sqrt(s)
	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		for _, g := range grads {
			tensor.ScaleInPlace(g, float32(coef))
		}
	}
	return norm
}
