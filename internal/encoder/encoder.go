// Package encoder provides a ViT-shaped image encoder whose attention
// projections carry Delta corrections, and the checkpoint boundary the task
// vector algebra works against.
//
// Every input row is treated as a single-token sequence, so attention reduces
// to out_proj(v_proj(h)) and each block is h + out_proj(v_proj(h)). The q and
// k projections exist (and are saved, regularised and transferred) but do not
// influence the output.
package encoder

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/samcharles93/taskarith/internal/delta"
	"github.com/samcharles93/taskarith/internal/tensor"
)

// Projections are the attention sub-blocks that carry a Delta.
var Projections = []string{"q", "k", "v", "out"}

const (
	KeyClassEmbedding = "visual.class_embedding"
	KeyPositionIDs    = "visual.position_ids"
	KeyProj           = "visual.proj"
	KeyLNPostWeight   = "visual.ln_post.weight"
	KeyLNPostBias     = "visual.ln_post.bias"
)

type Config struct {
	Width     int     `json:"width"`
	Layers    int     `json:"layers"`
	OutputDim int     `json:"output_dim"`
	Rank      int     `json:"rank"`
	Alpha     float32 `json:"alpha"`
	Seed      int64   `json:"seed"`
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.OutputDim <= 0 || c.Layers < 0 {
		return fmt.Errorf("encoder: invalid config %+v", c)
	}
	if c.Rank < 0 {
		return fmt.Errorf("encoder: invalid rank %d", c.Rank)
	}
	return nil
}

// ProjPrefix returns the key prefix of projection p in layer i.
func ProjPrefix(i int, p string) string {
	return fmt.Sprintf("visual.transformer.resblocks.%d.attn.%s_proj", i, p)
}

type block struct {
	proj map[string]*delta.Linear
}

type Encoder struct {
	cfg Config

	classEmbedding *tensor.Tensor
	positionIDs    *tensor.Tensor
	blocks         []block
	lnPostWeight   *tensor.Tensor
	lnPostBias     *tensor.Tensor
	proj           *tensor.Tensor

	keys      []string
	params    map[string]*tensor.Tensor
	trainable map[string]bool
}

var _ Checkpoint = (*Encoder)(nil)

// New builds an encoder with randomly initialised frozen weights and fresh
// Delta layers (U = I, zero correction).
func New(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	w := cfg.Width
	scale := float32(1 / math.Sqrt(float64(w)))

	e := &Encoder{
		cfg:       cfg,
		params:    make(map[string]*tensor.Tensor),
		trainable: make(map[string]bool),
	}

	e.classEmbedding = tensor.Zeros(w)
	tensor.Gaussian(e.classEmbedding, scale, rng)
	ids, err := tensor.Int64s([]int{1, 1}, []int64{0})
	if err != nil {
		return nil, err
	}
	e.positionIDs = ids
	e.register(KeyClassEmbedding, e.classEmbedding)
	e.register(KeyPositionIDs, e.positionIDs)

	for i := 0; i < cfg.Layers; i++ {
		b := block{proj: make(map[string]*delta.Linear, len(Projections))}
		for _, p := range Projections {
			weight := tensor.Zeros(w, w)
			tensor.KaimingUniform(weight, rng)
			bias := tensor.Zeros(w)
			lin, err := delta.NewLinear(weight, bias, cfg.Rank, cfg.Alpha, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %d %s_proj: %w", i, p, err)
			}
			b.proj[p] = lin
			prefix := ProjPrefix(i, p)
			e.register(prefix+".Pre.weight", lin.PreWeight)
			e.register(prefix+".Pre.bias", lin.PreBias)
			dp := lin.Delta.Params()
			for _, name := range deltaParamOrder {
				if t, ok := dp[name]; ok {
					e.register(prefix+".Delta."+name, t)
				}
			}
		}
		e.blocks = append(e.blocks, b)
	}

	e.lnPostWeight = tensor.Zeros(w)
	for i := range e.lnPostWeight.Data {
		e.lnPostWeight.Data[i] = 1
	}
	e.lnPostBias = tensor.Zeros(w)
	e.proj = tensor.Zeros(w, cfg.OutputDim)
	tensor.Gaussian(e.proj, scale, rng)
	e.register(KeyLNPostWeight, e.lnPostWeight)
	e.register(KeyLNPostBias, e.lnPostBias)
	e.register(KeyProj, e.proj)

	// Everything in Delta is trainable by default, like a freshly built
	// adapter model; callers narrow this with FreezeExceptU.
	for _, k := range e.keys {
		e.trainable[k] = IsDeltaKey(k)
	}
	return e, nil
}

var deltaParamOrder = []string{"A", "B", "D", "b", "U"}

func (e *Encoder) register(key string, t *tensor.Tensor) {
	e.keys = append(e.keys, key)
	e.params[key] = t
}

func (e *Encoder) Config() Config { return e.cfg }

// Linear returns the projection p of layer i.
func (e *Encoder) Linear(i int, p string) *delta.Linear {
	return e.blocks[i].proj[p]
}

// IsDeltaKey reports whether key names a Delta parameter.
func IsDeltaKey(key string) bool { return strings.Contains(key, ".Delta.") }

// IsRotationKey reports whether key names a Delta.U rotation.
func IsRotationKey(key string) bool { return strings.HasSuffix(key, ".Delta.U") }

// StateDict returns the live parameters in registration order.
func (e *Encoder) StateDict() *ParameterMap {
	pm := NewParameterMap()
	for _, k := range e.keys {
		pm.Set(k, e.params[k])
	}
	return pm
}

// LoadStateDict copies values from pm into the encoder's own tensors. Keys
// absent from pm keep their current value. With strict set, any missing or
// unexpected key is an error and nothing is copied.
func (e *Encoder) LoadStateDict(pm *ParameterMap, strict bool) (LoadResult, error) {
	var res LoadResult
	for _, k := range e.keys {
		if !pm.Has(k) {
			res.Missing = append(res.Missing, k)
		}
	}
	for _, k := range pm.Keys() {
		if _, ok := e.params[k]; !ok {
			res.Unexpected = append(res.Unexpected, k)
		}
	}
	if strict && (len(res.Missing) > 0 || len(res.Unexpected) > 0) {
		return res, fmt.Errorf("%w: %d missing, %d unexpected keys", ErrStrictLoad, len(res.Missing), len(res.Unexpected))
	}
	for _, k := range pm.Keys() {
		dst, ok := e.params[k]
		if !ok {
			continue
		}
		src, _ := pm.Get(k)
		if err := dst.CopyFrom(src); err != nil {
			return res, fmt.Errorf("load %s: %w", k, err)
		}
	}
	return res, nil
}

// Clone returns a deep copy with the same trainable set.
func (e *Encoder) Clone() Checkpoint {
	return e.CloneEncoder()
}

func (e *Encoder) CloneEncoder() *Encoder {
	out, err := New(e.cfg)
	if err != nil {
		panic(fmt.Sprintf("encoder: clone of valid config failed: %v", err))
	}
	if _, err := out.LoadStateDict(e.StateDict(), true); err != nil {
		panic(fmt.Sprintf("encoder: clone load failed: %v", err))
	}
	for k, v := range e.trainable {
		out.trainable[k] = v
	}
	return out
}

// FreezeExceptU makes the Delta.U rotations the only trainable parameters.
func (e *Encoder) FreezeExceptU() {
	for _, k := range e.keys {
		e.trainable[k] = IsRotationKey(k)
	}
}

// SetTrainable overrides the trainable flag of one key.
func (e *Encoder) SetTrainable(key string, on bool) error {
	if _, ok := e.params[key]; !ok {
		return fmt.Errorf("encoder: unknown key %q", key)
	}
	if on && !IsDeltaKey(key) {
		return fmt.Errorf("encoder: %q is frozen and cannot be trained", key)
	}
	e.trainable[key] = on
	return nil
}

// Trainable lists trainable keys in registration order.
func (e *Encoder) Trainable() []string {
	var out []string
	for _, k := range e.keys {
		if e.trainable[k] {
			out = append(out, k)
		}
	}
	return out
}

// Param returns the live tensor for key.
func (e *Encoder) Param(key string) (*tensor.Tensor, bool) {
	t, ok := e.params[key]
	return t, ok
}

// ZeroDeltas sets every Delta tensor, rotations included, to zero.
func (e *Encoder) ZeroDeltas() {
	for _, k := range e.keys {
		if IsDeltaKey(k) {
			e.params[k].Zero()
		}
	}
}

func (e *Encoder) eachDelta(fn func(*delta.Layer) error) error {
	for _, b := range e.blocks {
		for _, p := range Projections {
			if err := fn(b.proj[p].Delta); err != nil {
				return err
			}
		}
	}
	return nil
}

// RandomizeRotations draws a fresh orthogonal U for every Delta.
func (e *Encoder) RandomizeRotations() error {
	return e.eachDelta(func(l *delta.Layer) error { return l.Randomize() })
}

// ResetRotations sets every U to the identity.
func (e *Encoder) ResetRotations() {
	_ = e.eachDelta(func(l *delta.Layer) error { l.ResetRotation(); return nil })
}

// ReorthogonalizeRotations projects every U back onto the orthogonal group.
func (e *Encoder) ReorthogonalizeRotations() error {
	return e.eachDelta(func(l *delta.Layer) error { return l.Reorthogonalize() })
}

// Rotation is one located Delta.U.
type Rotation struct {
	Key string
	U   *tensor.Tensor
}

// Rotations returns every Delta.U across the q/k/v/out projections of every
// layer, in layer order.
func (e *Encoder) Rotations() []Rotation {
	var out []Rotation
	for i, b := range e.blocks {
		for _, p := range Projections {
			out = append(out, Rotation{Key: ProjPrefix(i, p) + ".Delta.U", U: b.proj[p].Delta.U})
		}
	}
	return out
}

// Keys returns parameter names in registration order.
func (e *Encoder) Keys() []string { return slices.Clone(e.keys) }
