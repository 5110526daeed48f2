package tensor

import (
	"fmt"
	"math"
)

func checkFloat(t *Tensor) error {
	if !t.DType.IsFloat() {
		return fmt.Errorf("%w: %s", ErrNotFloat, t.DType)
	}
	return nil
}

func checkBinary(a, b *Tensor) error {
	if err := checkFloat(a); err != nil {
		return err
	}
	if err := checkFloat(b); err != nil {
		return err
	}
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

// result keeps a's dtype so deltas of half-precision weights re-encode as such.
// Callers finish with out.fitDType().
func result(a *Tensor) *Tensor {
	out := Zeros(a.Shape...)
	out.DType = a.DType
	return out
}

// fitDType rounds Data to values the declared dtype can hold, so that what
// arithmetic returns is exactly what Encode then Decode gives back.
func (t *Tensor) fitDType() {
	var round func(float32) float32
	switch t.DType {
	case DTypeF16:
		round = func(v float32) float32 { return fp16ToF32(fp16FromF32(v)) }
	case DTypeBF16:
		round = func(v float32) float32 { return bf16ToF32(bf16FromF32(v)) }
	default:
		return
	}
	for i, v := range t.Data {
		t.Data[i] = round(v)
	}
}

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b); err != nil {
		return nil, err
	}
	out := result(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	out.fitDType()
	return out, nil
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b); err != nil {
		return nil, err
	}
	out := result(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	out.fitDType()
	return out, nil
}

// Scale returns c·a.
func Scale(a *Tensor, c float32) (*Tensor, error) {
	if err := checkFloat(a); err != nil {
		return nil, err
	}
	out := result(a)
	for i := range out.Data {
		out.Data[i] = c * a.Data[i]
	}
	out.fitDType()
	return out, nil
}

// Neg returns -a.
func Neg(a *Tensor) (*Tensor, error) {
	if err := checkFloat(a); err != nil {
		return nil, err
	}
	out := result(a)
	for i := range out.Data {
		out.Data[i] = -a.Data[i]
	}
	out.fitDType()
	return out, nil
}

// AddScaled returns base + c·v.
func AddScaled(base *Tensor, c float32, v *Tensor) (*Tensor, error) {
	if err := checkBinary(base, v); err != nil {
		return nil, err
	}
	out := result(base)
	for i := range out.Data {
		out.Data[i] = base.Data[i] + c*v.Data[i]
	}
	out.fitDType()
	return out, nil
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if err := checkBinary(dst, src); err != nil {
		return err
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
	dst.fitDType()
	return nil
}

// ScaleInPlace multiplies every value of t by c.
func ScaleInPlace(t *Tensor, c float32) {
	for i := range t.Data {
		t.Data[i] *= c
	}
	t.fitDType()
}

// SumSquares returns Σ v² accumulated in float64.
func SumSquares(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v) * float64(v)
	}
	return s
}

// L2 returns the Euclidean norm of all values.
func L2(t *Tensor) float64 {
	return math.Sqrt(SumSquares(t))
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(a *Tensor) (*Tensor, error) {
	r, c, err := a.Dims()
	if err != nil {
		return nil, err
	}
	out := Zeros(c, r)
	for i := 0; i < r; i++ {
		row := a.Data[i*c : (i+1)*c]
		for j, v := range row {
			out.Data[j*r+i] = v
		}
	}
	return out, nil
}

// SumRows returns the column sums of a 2D tensor as a vector.
func SumRows(a *Tensor) (*Tensor, error) {
	r, c, err := a.Dims()
	if err != nil {
		return nil, err
	}
	out := Zeros(c)
	for i := 0; i < r; i++ {
		row := a.Data[i*c : (i+1)*c]
		for j, v := range row {
			out.Data[j] += v
		}
	}
	return out, nil
}

// AddRowVector adds vec to every row of the 2D tensor m, in place.
func AddRowVector(m, vec *Tensor) error {
	r, c, err := m.Dims()
	if err != nil {
		return err
	}
	if len(vec.Data) != c {
		return fmt.Errorf("%w: row vector %v for %v", ErrShapeMismatch, vec.Shape, m.Shape)
	}
	for i := 0; i < r; i++ {
		row := m.Data[i*c : (i+1)*c]
		for j := range row {
			row[j] += vec.Data[j]
		}
	}
	return nil
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Argmax returns the index of the largest value, or -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
