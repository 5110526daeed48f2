package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/taskarith/internal/tensor"
)

const metadataKey = "__metadata__"

type TensorInfo struct {
	DType tensor.DType
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen > uint64(st.Size())-8 {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, st.Size())
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	dataSize := st.Size() - int64(8+headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		dt, err := tensor.ParseDType(th.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataSize {
			return nil, fmt.Errorf("tensor %s: invalid offsets [%d, %d)", name, start, end)
		}
		tensors[name] = TensorInfo{
			DType: dt,
			Shape: th.Shape,
			Start: start,
			End:   end,
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensor decodes a tensor. Floating dtypes are widened to float32.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	raw, info, err := f.ReadRaw(name)
	if err != nil {
		return nil, err
	}
	t, err := tensor.Decode(info.DType, info.Shape, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t, nil
}

// ReadAll decodes every tensor in the file. Names are returned sorted.
func (f *File) ReadAll() ([]string, map[string]*tensor.Tensor, error) {
	names := f.Names()
	out := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		t, err := f.ReadTensor(name)
		if err != nil {
			return nil, nil, err
		}
		out[name] = t
	}
	return names, out, nil
}

// Entry is one named tensor to be written.
type Entry struct {
	Name   string
	Tensor *tensor.Tensor
}

// Write stores entries in the safetensors layout. Data is laid out in entry
// order. The file is written to a temporary sibling and renamed into place.
func Write(path string, entries []Entry, metadata map[string]string) (err error) {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	payloads := make([][]byte, len(entries))
	var offset int64
	for i, e := range entries {
		if e.Name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", e.Name)
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("duplicate tensor %q", e.Name)
		}
		b, err := e.Tensor.Encode()
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Name, err)
		}
		payloads[i] = b
		header[e.Name] = tensorHeader{
			DType:       e.Tensor.DType.String(),
			Shape:       nonNilShape(e.Tensor.Shape),
			DataOffsets: []int64{offset, offset + int64(len(b))},
		}
		offset += int64(len(b))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err = tmp.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err = tmp.Write(headerBytes); err != nil {
		return err
	}
	for _, b := range payloads {
		if _, err = tmp.Write(b); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func nonNilShape(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
