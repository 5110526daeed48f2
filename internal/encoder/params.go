package encoder

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/taskarith/internal/tensor"
)

var (
	ErrIncompatible = errors.New("encoder: incompatible parameter maps")
	ErrStrictLoad   = errors.New("encoder: strict load failed")
)

// ParameterMap is an insertion-ordered mapping from fully qualified parameter
// name to tensor.
type ParameterMap struct {
	keys []string
	m    map[string]*tensor.Tensor
}

func NewParameterMap() *ParameterMap {
	return &ParameterMap{m: make(map[string]*tensor.Tensor)}
}

// Set stores t under key. New keys are appended to the iteration order.
func (p *ParameterMap) Set(key string, t *tensor.Tensor) {
	if _, ok := p.m[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.m[key] = t
}

func (p *ParameterMap) Get(key string) (*tensor.Tensor, bool) {
	t, ok := p.m[key]
	return t, ok
}

func (p *ParameterMap) Has(key string) bool {
	_, ok := p.m[key]
	return ok
}

// Keys returns a copy of the keys in insertion order.
func (p *ParameterMap) Keys() []string {
	return slices.Clone(p.keys)
}

func (p *ParameterMap) Len() int { return len(p.keys) }

// Clone deep-copies every tensor.
func (p *ParameterMap) Clone() *ParameterMap {
	out := &ParameterMap{keys: slices.Clone(p.keys), m: make(map[string]*tensor.Tensor, len(p.m))}
	for k, t := range p.m {
		out.m[k] = t.Clone()
	}
	return out
}

// Compatible reports the first difference in key set or per-key shape.
func (p *ParameterMap) Compatible(o *ParameterMap) error {
	if p.Len() != o.Len() {
		return fmt.Errorf("%w: %d keys vs %d", ErrIncompatible, p.Len(), o.Len())
	}
	for _, k := range p.keys {
		ot, ok := o.m[k]
		if !ok {
			return fmt.Errorf("%w: key %q missing from other map", ErrIncompatible, k)
		}
		if !p.m[k].SameShape(ot) {
			return fmt.Errorf("%w: key %q shape %v vs %v", ErrIncompatible, k, p.m[k].Shape, ot.Shape)
		}
	}
	return nil
}

// LoadResult lists keys that did not line up during LoadStateDict.
type LoadResult struct {
	Missing    []string
	Unexpected []string
}

// Checkpoint is any model exposing its full parameter map and accepting one
// back. StateDict returns the live tensors; callers must treat them as
// read-only.
type Checkpoint interface {
	StateDict() *ParameterMap
	LoadStateDict(pm *ParameterMap, strict bool) (LoadResult, error)
	Clone() Checkpoint
}
