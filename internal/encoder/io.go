package encoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/taskarith/internal/safetensors"
)

const (
	metaFormat  = "format"
	metaConfig  = "config"
	formatName  = "taskarith-encoder"
	headFormat  = "taskarith-head"
	keyHeadW    = "weight"
	keyHeadBias = "bias"
)

// Save writes every parameter to a safetensors file, creating parent
// directories. The encoder config travels in the metadata.
func (e *Encoder) Save(path string) error {
	cfg, err := json.Marshal(e.cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	entries := make([]safetensors.Entry, 0, len(e.keys))
	for _, k := range e.keys {
		entries = append(entries, safetensors.Entry{Name: k, Tensor: e.params[k]})
	}
	meta := map[string]string{metaFormat: formatName, metaConfig: string(cfg)}
	if err := safetensors.Write(path, entries, meta); err != nil {
		return fmt.Errorf("save encoder %s: %w", path, err)
	}
	return nil
}

// Load rebuilds an encoder from a file written by Save.
func Load(path string) (*Encoder, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open encoder %s: %w", path, err)
	}
	if f.Metadata[metaFormat] != formatName {
		return nil, fmt.Errorf("%s: not an encoder checkpoint (format %q)", path, f.Metadata[metaFormat])
	}
	var cfg Config
	if err := json.Unmarshal([]byte(f.Metadata[metaConfig]), &cfg); err != nil {
		return nil, fmt.Errorf("%s: parse config: %w", path, err)
	}
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	names, tensors, err := f.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read encoder %s: %w", path, err)
	}
	pm := NewParameterMap()
	for _, n := range names {
		pm.Set(n, tensors[n])
	}
	if _, err := e.LoadStateDict(pm, true); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}

// SaveHead writes a classification head.
func SaveHead(path string, h *Head) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	entries := []safetensors.Entry{{Name: keyHeadW, Tensor: h.Weight}}
	if h.Bias != nil {
		entries = append(entries, safetensors.Entry{Name: keyHeadBias, Tensor: h.Bias})
	}
	return safetensors.Write(path, entries, map[string]string{metaFormat: headFormat, "name": h.Name})
}

// LoadHead reads a classification head written by SaveHead.
func LoadHead(path string) (*Head, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open head %s: %w", path, err)
	}
	w, err := f.ReadTensor(keyHeadW)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", path, err)
	}
	if _, _, err := w.Dims(); err != nil {
		return nil, fmt.Errorf("head %s: %w", path, err)
	}
	h := &Head{Name: f.Metadata["name"], Weight: w}
	if _, ok := f.Tensor(keyHeadBias); ok {
		if h.Bias, err = f.ReadTensor(keyHeadBias); err != nil {
			return nil, fmt.Errorf("head %s: %w", path, err)
		}
	}
	return h, nil
}
