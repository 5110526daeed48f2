package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	KindArithmetic    = "arithmetic"
	KindOrthoFinetune = "orthofinetune"
	KindSweepSummary  = "arithmetic_summary"
)

// Result is one stored evaluation.
type Result struct {
	RunID       string             `json:"run_id"`
	CreatedAt   time.Time          `json:"created_at"`
	Kind        string             `json:"kind"`
	Hyperparams Hyperparams        `json:"hyperparams"`
	Coefficient *float64           `json:"coefficient,omitempty"`
	Accuracy    map[string]float64 `json:"accuracy"`
}

// Summary collects every coefficient of an arithmetic sweep, keyed by the
// formatted coefficient.
type Summary struct {
	RunID        string                        `json:"run_id"`
	CreatedAt    time.Time                     `json:"created_at"`
	Kind         string                        `json:"kind"`
	Hyperparams  Hyperparams                   `json:"hyperparams"`
	Coefficients []float64                     `json:"coefficients"`
	Accuracy     map[string]map[string]float64 `json:"accuracy"`
	Best         float64                       `json:"best_coefficient"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// WriteJSON stores v indented at path, creating parent directories. The
// file is written under a temporary name and renamed into place.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadResult loads a Result written by WriteJSON.
func ReadResult(path string) (Result, error) {
	var r Result
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse result %s: %w", path, err)
	}
	return r, nil
}
