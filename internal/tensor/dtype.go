package tensor

import (
	"fmt"
	"math"
)

// DType identifies the element encoding of a tensor. The string form matches
// the safetensors dtype names so headers can be written without a lookup table.
type DType uint8

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI64
	DTypeI32
	DTypeU8
	DTypeBool
	DTypeF64
)

var dtypeNames = [...]string{
	DTypeUnknown: "UNKNOWN",
	DTypeF32:     "F32",
	DTypeF16:     "F16",
	DTypeBF16:    "BF16",
	DTypeI64:     "I64",
	DTypeI32:     "I32",
	DTypeU8:      "U8",
	DTypeBool:    "BOOL",
	DTypeF64:     "F64",
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}

// ParseDType maps a safetensors dtype name to a DType.
func ParseDType(s string) (DType, error) {
	for i, name := range dtypeNames {
		if i == int(DTypeUnknown) {
			continue
		}
		if name == s {
			return DType(i), nil
		}
	}
	return DTypeUnknown, fmt.Errorf("%w: %s", ErrUnsupportedDType, s)
}

// ElemSize returns the number of bytes per element on disk.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI64, DTypeF64:
		return 8
	case DTypeU8, DTypeBool:
		return 1
	default:
		return 0
	}
}

// IsInteger reports whether the dtype holds index/bookkeeping values rather
// than learnable weights.
func (d DType) IsInteger() bool {
	switch d {
	case DTypeI64, DTypeI32, DTypeU8, DTypeBool:
		return true
	}
	return false
}

// IsFloat reports whether values are decoded into Tensor.Data.
func (d DType) IsFloat() bool {
	switch d {
	case DTypeF32, DTypeF64, DTypeF16, DTypeBF16:
		return true
	}
	return false
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func bf16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40 // quiet NaN
	}
	// round-to-nearest-even on the truncated 16 bits
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)

	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// fp16FromF32 implements IEEE 754 binary16 rounding (nearest-even).
func fp16FromF32(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	switch exp {
	case 0xFF:
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case 0:
		return sign
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00
	}
	if e <= 0 {
		if e < -10 {
			return sign
		}
		m := frac | 0x800000
		shift := uint32(14 - e)
		round := uint32(1) << (shift - 1)
		m = m + round - 1 + ((m >> shift) & 1)
		return sign | uint16(m>>shift)
	}

	m := frac
	m = m + 0x0FFF + ((m >> 13) & 1)
	if (m & 0x800000) != 0 {
		m = 0
		e++
		if e >= 31 {
			return sign | 0x7C00
		}
	}
	return sign | uint16(e<<10) | uint16(m>>13)
}
