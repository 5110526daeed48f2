package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// writeRaw creates a safetensors file from a raw header and data blob.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		t.Fatalf("write header len: %v", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func tensorEntry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, map[string]any{"weight": tensorEntry("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != tensor.DTypeF32 {
		t.Fatalf("expected dtype F32, got %s", info.DType)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", info.Shape)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{"truncated", func(t *testing.T, path string) {
			if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"invalid json", func(t *testing.T, path string) {
			var lenBuf [8]byte
			binary.LittleEndian.PutUint64(lenBuf[:], 12)
			if err := os.WriteFile(path, append(lenBuf[:], []byte("not valid js")...), 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"header longer than file", func(t *testing.T, path string) {
			var lenBuf [8]byte
			binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
			if err := os.WriteFile(path, lenBuf[:], 0o644); err != nil {
				t.Fatal(err)
			}
		}},
		{"short data_offsets", func(t *testing.T, path string) {
			writeRaw(t, path, map[string]any{
				"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
			}, make([]byte, 4))
		}},
		{"offsets past end", func(t *testing.T, path string) {
			writeRaw(t, path, map[string]any{"bad": tensorEntry("F32", []int{4}, 0, 16)}, make([]byte, 8))
		}},
		{"unknown dtype", func(t *testing.T, path string) {
			writeRaw(t, path, map[string]any{"bad": tensorEntry("F8_E5M2", []int{4}, 0, 4)}, make([]byte, 4))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			tc.write(t, path)
			if _, err := Open(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      tensorEntry("F32", []int{4}, 0, 16),
	}, make([]byte, 16))

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(sf.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(sf.Tensors))
	}
	if sf.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", sf.Metadata)
	}
}

func TestReadTensorDTypes(t *testing.T) {
	t.Parallel()

	f32 := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(v))
	}
	bf16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf16[0:], 0x3F80) // 1.0
	binary.LittleEndian.PutUint16(bf16[2:], 0x4000) // 2.0
	f16 := make([]byte, 2)
	binary.LittleEndian.PutUint16(f16[0:], 0x3C00) // 1.0

	data := append(append(append([]byte{}, f32...), bf16...), f16...)
	data = append(data, make([]byte, 16)...) // I64 x2
	binary.LittleEndian.PutUint64(data[22:], 7)
	binary.LittleEndian.PutUint64(data[30:], 9)

	path := filepath.Join(t.TempDir(), "mixed.safetensors")
	writeRaw(t, path, map[string]any{
		"f32":  tensorEntry("F32", []int{4}, 0, 16),
		"bf16": tensorEntry("BF16", []int{2}, 16, 20),
		"f16":  tensorEntry("F16", []int{1}, 20, 22),
		"ids":  tensorEntry("I64", []int{1, 2}, 22, 38),
	}, data)

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	check := func(name string, want []float32) {
		t.Helper()
		got, err := sf.ReadTensor(name)
		if err != nil {
			t.Fatalf("ReadTensor(%s): %v", name, err)
		}
		if len(got.Data) != len(want) {
			t.Fatalf("%s: expected %d elements, got %d", name, len(want), len(got.Data))
		}
		for i := range want {
			if got.Data[i] != want[i] {
				t.Fatalf("%s[%d]: expected %f, got %f", name, i, want[i], got.Data[i])
			}
		}
	}
	check("f32", []float32{1, 2, 3, 4})
	check("bf16", []float32{1, 2})
	check("f16", []float32{1})

	ids, err := sf.ReadTensor("ids")
	if err != nil {
		t.Fatalf("ReadTensor(ids): %v", err)
	}
	if !ids.DType.IsInteger() || ids.Int64At(0) != 7 || ids.Int64At(1) != 9 {
		t.Fatalf("ids decoded as %s %v", ids.DType, ids.Raw)
	}

	if _, err := sf.ReadTensor("nonexistent"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	// Shape says 4 elements but offsets cover only 2.
	writeRaw(t, path, map[string]any{"test": tensorEntry("F32", []int{4}, 0, 8)}, make([]byte, 8))

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := sf.ReadTensor("test"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")

	w := tensor.MustFromData([]int{2, 2}, []float32{0.1, -0.2, 3e-8, float32(math.Inf(-1))})
	half := tensor.MustFromData([]int{3}, []float32{1, 0.5, -2})
	half.DType = tensor.DTypeF16
	ids, err := tensor.Int64s([]int{1, 3}, []int64{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{{"w", w}, {"half", half}, {"ids", ids}}
	if err := Write(path, entries, map[string]string{"kind": "test"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sf.Metadata["kind"] != "test" {
		t.Fatalf("metadata = %v", sf.Metadata)
	}
	if sf.DataStart%8 != 0 {
		t.Fatalf("data start %d not 8-byte aligned", sf.DataStart)
	}
	names, got, err := sf.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(names) != 3 || names[0] != "half" {
		t.Fatalf("names = %v", names)
	}
	for _, e := range entries {
		if !tensor.Equal(e.Tensor, got[e.Name]) {
			t.Fatalf("%s changed across write/read", e.Name)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".out.safetensors.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestWriteRejectsDuplicates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dup.safetensors")
	a := tensor.Zeros(1)
	if err := Write(path, []Entry{{"a", a}, {"a", a}}, nil); err == nil {
		t.Fatal("expected error for duplicate name")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("failed write left %s behind", path)
	}
}
