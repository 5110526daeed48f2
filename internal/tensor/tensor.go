// Package tensor provides the dense tensors that parameter maps, task vectors
// and delta layers are built from.
//
// Floating tensors (F32, F64, F16, BF16) are decoded into Data as float32 so all
// arithmetic happens in one precision; Encode restores the declared dtype.
// Integer tensors keep their little-endian element bytes in Raw and are never
// touched by arithmetic.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	ErrShapeMismatch    = errors.New("tensor: shape mismatch")
	ErrUnsupportedDType = errors.New("tensor: unsupported dtype")
	ErrNotMatrix        = errors.New("tensor: not a 2D matrix")
	ErrNotFloat         = errors.New("tensor: arithmetic on non-floating tensor")
	ErrRawSizeMismatch  = errors.New("tensor: raw data length mismatch")
)

// Tensor is a dense row-major tensor.
type Tensor struct {
	Shape []int
	DType DType

	Data []float32
	Raw  []byte
}

// Numel returns the number of elements implied by shape. A scalar (empty
// shape) has one element.
func Numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// Zeros allocates a zero-filled F32 tensor.
func Zeros(shape ...int) *Tensor {
	n, err := Numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		DType: DTypeF32,
		Data:  make([]float32, n),
	}
}

// Eye returns the n×n identity matrix.
func Eye(n int) *Tensor {
	t := Zeros(n, n)
	for i := 0; i < n; i++ {
		t.Data[i*n+i] = 1
	}
	return t
}

// FromData wraps data (not copied) as an F32 tensor of the given shape.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := Numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), DType: DTypeF32, Data: data}, nil
}

// MustFromData is FromData for literals in tests and fixed-size setup code.
func MustFromData(shape []int, data []float32) *Tensor {
	t, err := FromData(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Decode builds a tensor from little-endian element bytes. Floating dtypes are
// widened into Data; integer dtypes keep a copy of raw.
func Decode(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	n, err := Numel(shape)
	if err != nil {
		return nil, err
	}
	size := dtype.ElemSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("%w: %s%v wants %d bytes, got %d", ErrRawSizeMismatch, dtype, shape, n*size, len(raw))
	}
	t := &Tensor{Shape: slices.Clone(shape), DType: dtype}
	switch dtype {
	case DTypeF32:
		t.Data = make([]float32, n)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF64:
		t.Data = make([]float32, n)
		for i := range t.Data {
			t.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case DTypeF16:
		t.Data = make([]float32, n)
		for i := range t.Data {
			t.Data[i] = fp16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case DTypeBF16:
		t.Data = make([]float32, n)
		for i := range t.Data {
			t.Data[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		t.Raw = slices.Clone(raw)
	}
	return t, nil
}

// Encode returns the little-endian element bytes in the tensor's dtype.
func (t *Tensor) Encode() ([]byte, error) {
	switch t.DType {
	case DTypeF32:
		out := make([]byte, len(t.Data)*4)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case DTypeF64:
		out := make([]byte, len(t.Data)*8)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
		return out, nil
	case DTypeF16:
		out := make([]byte, len(t.Data)*2)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(out[i*2:], fp16FromF32(v))
		}
		return out, nil
	case DTypeBF16:
		out := make([]byte, len(t.Data)*2)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(out[i*2:], bf16FromF32(v))
		}
		return out, nil
	default:
		if t.DType.ElemSize() == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, t.DType)
		}
		return slices.Clone(t.Raw), nil
	}
}

// Int64s builds an I64 tensor, typically an index buffer such as position ids.
func Int64s(shape []int, vals []int64) (*Tensor, error) {
	raw := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
	}
	return Decode(DTypeI64, shape, raw)
}

// Int64At reads element i of an I64 tensor.
func (t *Tensor) Int64At(i int) int64 {
	return int64(binary.LittleEndian.Uint64(t.Raw[i*8:]))
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		DType: t.DType,
		Data:  slices.Clone(t.Data),
		Raw:   slices.Clone(t.Raw),
	}
}

// Numel returns the element count.
func (t *Tensor) Numel() int {
	n, _ := Numel(t.Shape)
	return n
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// ShapeString formats the shape as "[a b c]".
func (t *Tensor) ShapeString() string {
	parts := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Dims returns rows and columns of a 2D tensor.
func (t *Tensor) Dims() (int, int, error) {
	if len(t.Shape) != 2 {
		return 0, 0, fmt.Errorf("%w: shape %v", ErrNotMatrix, t.Shape)
	}
	return t.Shape[0], t.Shape[1], nil
}

// At returns element (i, j) of a 2D float tensor.
func (t *Tensor) At(i, j int) float32 {
	return t.Data[i*t.Shape[1]+j]
}

// Set writes element (i, j) of a 2D float tensor.
func (t *Tensor) Set(i, j int, v float32) {
	t.Data[i*t.Shape[1]+j] = v
}

// Row returns a mutable view of row i of a 2D float tensor.
func (t *Tensor) Row(i int) []float32 {
	c := t.Shape[1]
	return t.Data[i*c : (i+1)*c]
}

// Zero clears the values in place, keeping shape and dtype.
func (t *Tensor) Zero() {
	clear(t.Data)
	clear(t.Raw)
}

// CopyFrom overwrites t's values with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, src.Shape)
	}
	if t.DType.IsFloat() != src.DType.IsFloat() {
		return fmt.Errorf("%w: %s vs %s", ErrUnsupportedDType, t.DType, src.DType)
	}
	copy(t.Data, src.Data)
	copy(t.Raw, src.Raw)
	return nil
}

// Equal reports whether a and b have the same dtype, shape and bit-identical
// values.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !a.SameShape(b) {
		return false
	}
	if len(a.Data) != len(b.Data) || len(a.Raw) != len(b.Raw) {
		return false
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return slices.Equal(a.Raw, b.Raw)
}

// MaxAbsDiff returns the largest absolute elementwise difference of two float
// tensors of the same shape.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if err := checkBinary(a, b); err != nil {
		return 0, err
	}
	var m float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i]) - float64(b.Data[i]))
		if d > m {
			m = d
		}
	}
	return m, nil
}
