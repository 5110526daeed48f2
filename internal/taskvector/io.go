package taskvector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/taskarith/internal/encoder"
	"github.com/samcharles93/taskarith/internal/logger"
	"github.com/samcharles93/taskarith/internal/tensor"
	"github.com/samcharles93/taskarith/pkg/vecfile"
)

// FileExt is the extension used for stored task vectors.
const FileExt = ".tvec"

// Identity describes where a stored vector came from.
type Identity struct {
	RunID       string          `json:"run_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Kind        string          `json:"kind,omitempty"`
	Datasets    []string        `json:"datasets,omitempty"`
	Hyperparams json.RawMessage `json:"hyperparams,omitempty"`
}

// Save writes v to path, creating parent directories. An empty RunID or zero
// CreatedAt in id is filled in.
func Save(ctx context.Context, v *TaskVector, path string, id Identity) error {
	if id.RunID == "" {
		id.RunID = uuid.NewString()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	idb, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	tensors := make([]vecfile.Tensor, 0, v.Len())
	for _, k := range v.params.Keys() {
		t, _ := v.params.Get(k)
		dt, ok := vecfile.ParseDType(t.DType.String())
		if !ok {
			return fmt.Errorf("%s: %w: %s", k, tensor.ErrUnsupportedDType, t.DType)
		}
		raw, err := t.Encode()
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}
		tensors = append(tensors, vecfile.Tensor{Name: k, DType: dt, Shape: shape, Data: raw})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := vecfile.Create(path, idb, tensors); err != nil {
		return fmt.Errorf("save task vector %s: %w", path, err)
	}
	logger.FromContext(ctx).Debug("saved task vector", "path", path, "keys", v.Len(), "run_id", id.RunID)
	return nil
}

// Load reads a vector written by Save. Keys come back in the order they were
// saved.
func Load(path string) (*TaskVector, Identity, error) {
	var id Identity
	f, err := vecfile.Open(path)
	if err != nil {
		return nil, id, fmt.Errorf("open task vector %s: %w", path, err)
	}
	defer f.Close()

	if raw := f.Identity(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, id, fmt.Errorf("%s: decode identity: %w", path, err)
		}
	}
	ix, err := f.Index()
	if err != nil {
		return nil, id, fmt.Errorf("%s: %w", path, err)
	}

	// The index is sorted by name; data offsets preserve the write order.
	entries := slices.Clone(ix.Entries())
	slices.SortFunc(entries, func(a, b vecfile.IndexEntry) int {
		switch {
		case a.DataOff < b.DataOff:
			return -1
		case a.DataOff > b.DataOff:
			return 1
		}
		return 0
	})

	pm := encoder.NewParameterMap()
	for _, e := range entries {
		dt, err := tensor.ParseDType(e.DType.String())
		if err != nil {
			return nil, id, fmt.Errorf("%s: %s: %w", path, e.Name, err)
		}
		shape := make([]int, len(e.Shape))
		for i, d := range e.Shape {
			shape[i] = int(d)
		}
		t, err := tensor.Decode(dt, shape, f.TensorData(e))
		if err != nil {
			return nil, id, fmt.Errorf("%s: %s: %w", path, e.Name, err)
		}
		pm.Set(e.Name, t)
	}
	return &TaskVector{params: pm}, id, nil
}
