package tensor

import (
	"errors"
	"math"
	"testing"
)

func matmulNaive(a, b *Tensor) *Tensor {
	m, k := a.Shape[0], a.Shape[1]
	n := b.Shape[1]
	c := Zeros(m, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += float64(a.At(i, p)) * float64(b.At(p, j))
			}
			c.Set(i, j, float32(sum))
		}
	}
	return c
}

func TestMatMulMatchesNaive(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		m, k, n int
	}{
		{"small", 3, 4, 5},
		{"parallel", 70, 90, 45},
		{"tall", 200, 8, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := Zeros(tc.m, tc.k)
			b := Zeros(tc.k, tc.n)
			FillUniform(a, 0.5, 1)
			FillUniform(b, 0.5, 2)

			want := matmulNaive(a, b)
			got, err := MatMul(a, b)
			if err != nil {
				t.Fatalf("MatMul: %v", err)
			}
			if d, _ := MaxAbsDiff(got, want); d > 1e-4 {
				t.Fatalf("max abs diff %g", d)
			}

			bt, _ := Transpose(b)
			gotT, err := MatMulT(a, bt)
			if err != nil {
				t.Fatalf("MatMulT: %v", err)
			}
			if d, _ := MaxAbsDiff(gotT, want); d > 1e-4 {
				t.Fatalf("MatMulT max abs diff %g", d)
			}

			at, _ := Transpose(a)
			gotTA, err := TMatMul(at, b)
			if err != nil {
				t.Fatalf("TMatMul: %v", err)
			}
			if d, _ := MaxAbsDiff(gotTA, want); d > 1e-4 {
				t.Fatalf("TMatMul max abs diff %g", d)
			}
		})
	}
}

func TestMatMulDeterministic(t *testing.T) {
	t.Parallel()

	a := Zeros(128, 64)
	b := Zeros(64, 96)
	FillUniform(a, 1, 3)
	FillUniform(b, 1, 4)

	first, err := MatMul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, _ := MatMul(a, b)
		if !Equal(first, again) {
			t.Fatalf("run %d differs from first run", i)
		}
	}
}

func TestMatMulShapeMismatch(t *testing.T) {
	t.Parallel()

	_, err := MatMul(Zeros(2, 3), Zeros(2, 3))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	_, err = MatMul(Zeros(3), Zeros(3, 3))
	if !errors.Is(err, ErrNotMatrix) {
		t.Fatalf("expected ErrNotMatrix, got %v", err)
	}
}

func TestOrthogonalFactor(t *testing.T) {
	t.Parallel()

	q := RandomOrthogonal(16, 7)
	m, err := OrthogonalityDefect(q)
	if err != nil {
		t.Fatal(err)
	}
	if n := FrobeniusNorm(m); n > 1e-5 {
		t.Fatalf("‖QᵀQ−I‖ = %g", n)
	}
	det, _ := Det(q)
	if math.Abs(math.Abs(det)-1) > 1e-4 {
		t.Fatalf("|det| = %g, want 1", math.Abs(det))
	}

	// The factor of an orthogonal matrix is the matrix itself.
	again, err := OrthogonalFactor(q)
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := MaxAbsDiff(q, again); d > 1e-5 {
		t.Fatalf("refactorised orthogonal matrix moved by %g", d)
	}

	if _, err := OrthogonalFactor(Zeros(3, 4)); !errors.Is(err, ErrNotSquare) {
		t.Fatalf("expected ErrNotSquare, got %v", err)
	}
}

func TestSymmetricExtremal(t *testing.T) {
	t.Parallel()

	d, err := ToDense(MustFromData([]int{3, 3}, []float32{
		1, 0, 0,
		0, -4, 0,
		0, 0, 2,
	}))
	if err != nil {
		t.Fatal(err)
	}
	lambda, v, err := SymmetricExtremal(d)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(lambda+4) > 1e-9 {
		t.Fatalf("lambda = %g, want -4", lambda)
	}
	if math.Abs(math.Abs(v[1])-1) > 1e-9 {
		t.Fatalf("eigenvector = %v, want ±e1", v)
	}
}
