package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	src := MustFromData([]int{2, 3}, []float32{0, -1.5, 3.25, float32(math.Inf(1)), 1e-30, -0})
	raw, err := src.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(DTypeF32, src.Shape, raw)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(src, got) {
		t.Fatalf("F32 round trip changed values: %v vs %v", src.Data, got.Data)
	}

	ids, err := Int64s([]int{1, 4}, []int64{0, 1, 2, 1 << 40})
	if err != nil {
		t.Fatal(err)
	}
	if !ids.DType.IsInteger() || ids.Data != nil {
		t.Fatalf("integer tensor decoded into float data")
	}
	if ids.Int64At(3) != 1<<40 {
		t.Fatalf("Int64At = %d", ids.Int64At(3))
	}
}

func TestHalfPrecisionConversions(t *testing.T) {
	t.Parallel()

	for _, v := range []float32{0, 1, -2, 0.5, 65504, 6.1035156e-05} {
		if got := fp16ToF32(fp16FromF32(v)); got != v {
			t.Fatalf("fp16(%g) = %g", v, got)
		}
		if got := bf16ToF32(bf16FromF32(v)); math.Abs(float64(got-v)) > math.Abs(float64(v))/128 {
			t.Fatalf("bf16(%g) = %g", v, got)
		}
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	t.Parallel()

	if _, err := Decode(DTypeF32, []int{2}, make([]byte, 7)); !errors.Is(err, ErrRawSizeMismatch) {
		t.Fatalf("expected ErrRawSizeMismatch, got %v", err)
	}
	if _, err := ParseDType("F8_E4M3"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
}

func TestElementwiseOps(t *testing.T) {
	t.Parallel()

	a := MustFromData([]int{2, 2}, []float32{1, 2, 3, 4})
	b := MustFromData([]int{2, 2}, []float32{4, 3, 2, 1})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range sum.Data {
		if v != 5 {
			t.Fatalf("Add = %v", sum.Data)
		}
	}

	diff, _ := Sub(a, a)
	for _, v := range diff.Data {
		if v != 0 {
			t.Fatalf("a-a = %v", diff.Data)
		}
	}

	got, _ := AddScaled(a, 0.5, b)
	want := []float32{3, 3.5, 4, 4.5}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("AddScaled = %v, want %v", got.Data, want)
		}
	}
	if a.Data[0] != 1 {
		t.Fatal("AddScaled mutated its input")
	}

	if _, err := Add(a, Zeros(4)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	ids, _ := Int64s([]int{2, 2}, []int64{1, 2, 3, 4})
	if _, err := Add(ids, ids); !errors.Is(err, ErrNotFloat) {
		t.Fatalf("expected ErrNotFloat, got %v", err)
	}
}

func TestKaimingUniformBound(t *testing.T) {
	t.Parallel()

	w := Zeros(8, 64)
	KaimingUniform(w, rand.New(rand.NewSource(1)))
	bound := 1 / math.Sqrt(64)
	var nonzero int
	for _, v := range w.Data {
		if math.Abs(float64(v)) > bound+1e-7 {
			t.Fatalf("value %g outside ±%g", v, bound)
		}
		if v != 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		t.Fatal("initialisation left tensor zero")
	}
}

func TestHalfPrecisionOpsStayRepresentable(t *testing.T) {
	t.Parallel()

	for _, dt := range []DType{DTypeF16, DTypeBF16} {
		a := MustFromData([]int{3}, []float32{0.0009765625, 0.0078125, -1.5})
		b := MustFromData([]int{3}, []float32{0.00390625, 0.03125, 2})
		a.DType, b.DType = dt, dt

		d, _ := Sub(b, a)
		s, _ := Scale(d, 0.3)
		n, _ := Neg(s)
		sum, _ := Add(s, n)
		ap, _ := AddScaled(a, 0.7, s)
		acc := s.Clone()
		if err := AddInPlace(acc, d); err != nil {
			t.Fatal(err)
		}
		ScaleInPlace(acc, 0.1)

		for name, x := range map[string]*Tensor{"sub": d, "scale": s, "neg": n, "add": sum, "addscaled": ap, "inplace": acc} {
			if x.DType != dt {
				t.Fatalf("%s %s: dtype %s", dt, name, x.DType)
			}
			raw, err := x.Encode()
			if err != nil {
				t.Fatal(err)
			}
			back, err := Decode(dt, x.Shape, raw)
			if err != nil {
				t.Fatal(err)
			}
			if !Equal(x, back) {
				t.Fatalf("%s %s: %v became %v after encode/decode", dt, name, x.Data, back.Data)
			}
		}
	}
}

func TestF64NarrowsOnDecode(t *testing.T) {
	t.Parallel()

	src := MustFromData([]int{2}, []float32{0.1, -3.3})
	src.DType = DTypeF64
	raw, err := src.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(DTypeF64, src.Shape, raw)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(src, got) {
		t.Fatalf("F64 round trip changed float32 values: %v vs %v", src.Data, got.Data)
	}
}
