package vecfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Tensor is one named payload to store.
type Tensor struct {
	Name  string
	DType DType
	Shape []uint64
	Data  []byte
}

// Create writes identity and tensors to path. The file is assembled next to
// path and renamed into place once complete, so readers never observe a
// partial file.
func Create(path string, identity []byte, tensors []Tensor) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err = w.WriteSection(SectionIdentity, 1, identity); err != nil {
		return err
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return err
	}
	records := make([]IndexEntry, 0, len(tensors))
	for _, t := range tensors {
		if err = sw.Align(align); err != nil {
			return err
		}
		off, err := sw.Offset()
		if err != nil {
			return err
		}
		if _, err := sw.Write(t.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
		records = append(records, IndexEntry{
			Name:     t.Name,
			DType:    t.DType,
			Shape:    t.Shape,
			DataOff:  off,
			DataSize: uint64(len(t.Data)),
		})
	}
	if err = sw.End(); err != nil {
		return err
	}

	idx, err := encodeIndex(records)
	if err != nil {
		return err
	}
	if err = w.WriteSection(SectionTensorIndex, indexVersion, idx); err != nil {
		return err
	}
	if err = w.Finalise(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Identity returns the raw identity record.
func (f *File) Identity() []byte {
	return f.SectionData(f.Section(SectionIdentity))
}

// Index parses the tensor index section.
func (f *File) Index() (*Index, error) {
	s := f.Section(SectionTensorIndex)
	if s == nil {
		return nil, fmt.Errorf("%w: missing tensor index", ErrCorruptFile)
	}
	return parseIndex(f.SectionData(s), uint64(len(f.Data)))
}

// TensorData returns a zero-copy view of an entry's payload.
func (f *File) TensorData(e IndexEntry) []byte {
	return f.Data[e.DataOff : e.DataOff+e.DataSize]
}

// ReadTensor copies a named tensor out of the file.
func (f *File) ReadTensor(ix *Index, name string) (Tensor, error) {
	e, ok := ix.Find(name)
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return Tensor{
		Name:  e.Name,
		DType: e.DType,
		Shape: e.Shape,
		Data:  append([]byte(nil), f.TensorData(e)...),
	}, nil
}
