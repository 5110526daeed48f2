package vecfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	indexVersion    uint32 = 1
	indexHeaderSize        = 32
	indexEntrySize         = 40
)

// DType identifies the element encoding of a stored tensor. Values are
// stable; add new ones only.
type DType uint32

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

var dtypeNames = map[DType]string{
	DTypeF32:  "F32",
	DTypeF16:  "F16",
	DTypeBF16: "BF16",
	DTypeI64:  "I64",
	DTypeI32:  "I32",
	DTypeU8:   "U8",
	DTypeBool: "BOOL",
	DTypeF64:  "F64",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DType(%d)", uint32(d))
}

// ParseDType maps a dtype name ("F32", "I64", ...) to a DType.
func ParseDType(s string) (DType, bool) {
	for d, name := range dtypeNames {
		if name == s {
			return d, true
		}
	}
	return DTypeUnknown, false
}

// IndexEntry is one record in the tensor index. DataOff is an absolute file
// offset so payloads can be sliced straight out of the mapping.
type IndexEntry struct {
	Name     string
	DType    DType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Index is a parsed tensor index. Entries are sorted by name.
type Index struct {
	entries []IndexEntry
}

// encodeIndex lays out: header | entries | dims | strings.
func encodeIndex(records []IndexEntry) ([]byte, error) {
	recs := make([]IndexEntry, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var (
		dims    []uint64
		strings []byte
	)
	for i, r := range recs {
		if r.Name == "" {
			return nil, errors.New("vecfile: tensor name must be non-empty")
		}
		if i > 0 && recs[i-1].Name == r.Name {
			return nil, fmt.Errorf("vecfile: duplicate tensor %q", r.Name)
		}
		dims = append(dims, r.Shape...)
		strings = append(strings, r.Name...)
	}

	entriesOff := uint64(indexHeaderSize)
	dimsOff := entriesOff + uint64(len(recs))*indexEntrySize
	stringsOff := dimsOff + uint64(len(dims))*8
	out := make([]byte, stringsOff+uint64(len(strings)))

	binary.LittleEndian.PutUint32(out[0:4], indexVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(recs)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(dims)))
	binary.LittleEndian.PutUint64(out[16:24], dimsOff)
	binary.LittleEndian.PutUint64(out[24:32], stringsOff)

	ep := int(entriesOff)
	var nameOff, dimOff uint32
	for _, r := range recs {
		binary.LittleEndian.PutUint32(out[ep+0:], nameOff)
		binary.LittleEndian.PutUint32(out[ep+4:], uint32(len(r.Name)))
		binary.LittleEndian.PutUint32(out[ep+8:], uint32(r.DType))
		binary.LittleEndian.PutUint32(out[ep+12:], uint32(len(r.Shape)))
		binary.LittleEndian.PutUint32(out[ep+16:], dimOff)
		// ep+20..ep+24 reserved
		binary.LittleEndian.PutUint64(out[ep+24:], r.DataOff)
		binary.LittleEndian.PutUint64(out[ep+32:], r.DataSize)
		ep += indexEntrySize
		nameOff += uint32(len(r.Name))
		dimOff += uint32(len(r.Shape))
	}
	dp := int(dimsOff)
	for _, d := range dims {
		binary.LittleEndian.PutUint64(out[dp:], d)
		dp += 8
	}
	copy(out[stringsOff:], strings)
	return out, nil
}

func parseIndex(sec []byte, fileSize uint64) (*Index, error) {
	if len(sec) < indexHeaderSize {
		return nil, ErrCorruptFile
	}
	if binary.LittleEndian.Uint32(sec[0:4]) != indexVersion {
		return nil, fmt.Errorf("%w: unknown index version", ErrCorruptFile)
	}
	count := uint64(binary.LittleEndian.Uint32(sec[4:8]))
	dimsCount := uint64(binary.LittleEndian.Uint32(sec[8:12]))
	dimsOff := binary.LittleEndian.Uint64(sec[16:24])
	stringsOff := binary.LittleEndian.Uint64(sec[24:32])
	secLen := uint64(len(sec))

	if indexHeaderSize+count*indexEntrySize > dimsOff || dimsOff > secLen ||
		dimsOff+dimsCount*8 > stringsOff || stringsOff > secLen {
		return nil, ErrCorruptFile
	}
	strs := sec[stringsOff:]

	entries := make([]IndexEntry, count)
	for i := range entries {
		b := sec[indexHeaderSize+uint64(i)*indexEntrySize:]
		nameOff := uint64(binary.LittleEndian.Uint32(b[0:4]))
		nameLen := uint64(binary.LittleEndian.Uint32(b[4:8]))
		rank := uint64(binary.LittleEndian.Uint32(b[12:16]))
		dimOff := uint64(binary.LittleEndian.Uint32(b[16:20]))
		if nameOff+nameLen > uint64(len(strs)) || dimOff+rank > dimsCount {
			return nil, ErrCorruptFile
		}
		e := IndexEntry{
			Name:     string(strs[nameOff : nameOff+nameLen]),
			DType:    DType(binary.LittleEndian.Uint32(b[8:12])),
			Shape:    make([]uint64, rank),
			DataOff:  binary.LittleEndian.Uint64(b[24:32]),
			DataSize: binary.LittleEndian.Uint64(b[32:40]),
		}
		for d := range e.Shape {
			e.Shape[d] = binary.LittleEndian.Uint64(sec[dimsOff+(dimOff+uint64(d))*8:])
		}
		end := e.DataOff + e.DataSize
		if end < e.DataOff || end > fileSize {
			return nil, fmt.Errorf("%w: tensor %q data out of bounds", ErrCorruptFile, e.Name)
		}
		if i > 0 && bytes.Compare([]byte(entries[i-1].Name), []byte(e.Name)) >= 0 {
			return nil, fmt.Errorf("%w: index not sorted", ErrCorruptFile)
		}
		entries[i] = e
	}
	return &Index{entries: entries}, nil
}

func (ix *Index) Len() int { return len(ix.entries) }

// Entries returns the records in name order.
func (ix *Index) Entries() []IndexEntry { return ix.entries }

// Find looks up a tensor by name in O(log n).
func (ix *Index) Find(name string) (IndexEntry, bool) {
	i := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].Name >= name })
	if i < len(ix.entries) && ix.entries[i].Name == name {
		return ix.entries[i], true
	}
	return IndexEntry{}, false
}
