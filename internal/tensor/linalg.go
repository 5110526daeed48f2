package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrNotSquare = errors.New("tensor: matrix is not square")

// ToDense copies a 2D float tensor into a float64 gonum matrix.
func ToDense(t *Tensor) (*mat.Dense, error) {
	r, c, err := t.Dims()
	if err != nil {
		return nil, err
	}
	if err := checkFloat(t); err != nil {
		return nil, err
	}
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(r, c, data), nil
}

// FromDense copies a gonum matrix into a new F32 tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	out := Zeros(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[i*c+j] = float32(m.At(i, j))
		}
	}
	return out
}

// OrthogonalFactor returns the Q factor of the QR decomposition of a square
// matrix. Columns are sign-normalised so diag(R) is non-negative, which makes
// the factor of an already orthogonal matrix equal to the matrix itself.
func OrthogonalFactor(t *Tensor) (*Tensor, error) {
	r, c, err := t.Dims()
	if err != nil {
		return nil, err
	}
	if r != c {
		return nil, fmt.Errorf("%w: %v", ErrNotSquare, t.Shape)
	}
	a, err := ToDense(t)
	if err != nil {
		return nil, err
	}
	var qr mat.QR
	qr.Factorize(a)
	var q, rr mat.Dense
	qr.QTo(&q)
	qr.RTo(&rr)
	for j := 0; j < c; j++ {
		if rr.At(j, j) < 0 {
			for i := 0; i < r; i++ {
				q.Set(i, j, -q.At(i, j))
			}
		}
	}
	return FromDense(&q), nil
}

// RandomOrthogonal draws a Haar-distributed orthogonal n×n matrix using the
// QR decomposition of a Gaussian matrix.
func RandomOrthogonal(n int, seed int64) *Tensor {
	g := Zeros(n, n)
	FillGaussianSeed(g, 1, seed)
	q, err := OrthogonalFactor(g)
	if err != nil {
		panic(err)
	}
	return q
}

// OrthogonalityDefect returns M = UᵀU − I computed in float64.
func OrthogonalityDefect(u *Tensor) (*mat.Dense, error) {
	r, c, err := u.Dims()
	if err != nil {
		return nil, err
	}
	if r != c {
		return nil, fmt.Errorf("%w: %v", ErrNotSquare, u.Shape)
	}
	ud, err := ToDense(u)
	if err != nil {
		return nil, err
	}
	var m mat.Dense
	m.Mul(ud.T(), ud)
	for i := 0; i < c; i++ {
		m.Set(i, i, m.At(i, i)-1)
	}
	return &m, nil
}

// FrobeniusNorm returns ‖m‖_F.
func FrobeniusNorm(m mat.Matrix) float64 {
	return mat.Norm(m, 2)
}

// SymmetricExtremal returns the eigenpair of the symmetric matrix m whose
// eigenvalue has the largest magnitude. For symmetric m, |λ| is the spectral
// norm.
func SymmetricExtremal(m mat.Matrix) (float64, []float64, error) {
	r, c := m.Dims()
	if r != c {
		return 0, nil, fmt.Errorf("%w: %dx%d", ErrNotSquare, r, c)
	}
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return 0, nil, errors.New("tensor: eigendecomposition did not converge")
	}
	vals := es.Values(nil)
	best := 0
	for i := range vals {
		if math.Abs(vals[i]) > math.Abs(vals[best]) {
			best = i
		}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	v := make([]float64, r)
	for i := range v {
		v[i] = vecs.At(i, best)
	}
	return vals[best], v, nil
}

// Det returns the determinant of a square 2D tensor.
func Det(t *Tensor) (float64, error) {
	r, c, err := t.Dims()
	if err != nil {
		return 0, err
	}
	if r != c {
		return 0, fmt.Errorf("%w: %v", ErrNotSquare, t.Shape)
	}
	d, err := ToDense(t)
	if err != nil {
		return 0, err
	}
	return mat.Det(d), nil
}
