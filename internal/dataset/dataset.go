// Package dataset resolves the evaluation and fine-tuning datasets by name.
//
// Datasets are read from a feature cache: each split is a safetensors file
// holding the encoder inputs ("features", N×d F32) and integer labels
// ("labels", N I64). Class names travel in the train file's metadata.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/taskarith/internal/safetensors"
	"github.com/samcharles93/taskarith/internal/tensor"
)

var (
	ErrUnknownDataset = errors.New("dataset: unknown dataset")
	ErrEmptySplit     = errors.New("dataset: split would be empty")
)

const (
	keyFeatures   = "features"
	keyLabels     = "labels"
	metaClassName = "classnames"

	// ValSuffix marks a dataset carved out of another's train split.
	ValSuffix = "Val"
)

// Split is one materialised partition.
type Split struct {
	Features *tensor.Tensor // N × d
	Labels   []int
}

func (s *Split) Len() int { return len(s.Labels) }

// Dim returns the feature width.
func (s *Split) Dim() int { return s.Features.Shape[1] }

// Subset copies the rows at idx into a new split.
func (s *Split) Subset(idx []int) *Split {
	d := s.Dim()
	out := &Split{Features: tensor.Zeros(len(idx), d), Labels: make([]int, len(idx))}
	for i, j := range idx {
		copy(out.Features.Row(i), s.Features.Row(j))
		out.Labels[i] = s.Labels[j]
	}
	return out
}

// Sample returns n rows drawn without replacement under seed, or s itself
// when n is not smaller than its length.
func (s *Split) Sample(n int, seed int64) *Split {
	if n <= 0 || n >= s.Len() {
		return s
	}
	perm := rand.New(rand.NewSource(seed)).Perm(s.Len())
	return s.Subset(perm[:n])
}

// Concat stacks splits of equal width and returns, per row, the index of the
// split it came from.
func Concat(splits ...*Split) (*Split, []int, error) {
	if len(splits) == 0 {
		return nil, nil, fmt.Errorf("%w: nothing to concatenate", ErrEmptySplit)
	}
	d := splits[0].Dim()
	total := 0
	for i, s := range splits {
		if s.Dim() != d {
			return nil, nil, fmt.Errorf("dataset: split %d has width %d, want %d", i, s.Dim(), d)
		}
		total += s.Len()
	}
	out := &Split{Features: tensor.Zeros(total, d), Labels: make([]int, 0, total)}
	source := make([]int, 0, total)
	off := 0
	for i, s := range splits {
		copy(out.Features.Data[off*d:], s.Features.Data)
		out.Labels = append(out.Labels, s.Labels...)
		for range s.Len() {
			source = append(source, i)
		}
		off += s.Len()
	}
	return out, source, nil
}

// Dataset pairs a train and a test split with the class names.
type Dataset struct {
	Name       string
	Train      *Split
	Test       *Split
	ClassNames []string
}

func (d *Dataset) NumClasses() int { return len(d.ClassNames) }

// Constructor loads a dataset from a cache root.
type Constructor func(root string) (*Dataset, error)

type entry struct {
	name    string
	dir     string
	classes int
}

var catalog = []entry{
	{"Cars", "stanford_cars", 196},
	{"CIFAR10", "cifar10", 10},
	{"CIFAR100", "cifar100", 100},
	{"DTD", "dtd", 47},
	{"EuroSAT", "eurosat", 10},
	{"GTSRB", "gtsrb", 43},
	{"MNIST", "mnist", 10},
	{"RESISC45", "resisc45", 45},
	{"STL10", "stl10", 10},
	{"SVHN", "svhn", 10},
	{"SUN397", "sun397", 397},
	{"ImageNet", "imagenet", 1000},
}

// Registry maps every supported dataset name to its constructor.
var Registry = func() map[string]Constructor {
	m := make(map[string]Constructor, len(catalog))
	for _, e := range catalog {
		m[e.name] = cached(e)
	}
	return m
}()

// Names returns the registered names, sorted.
func Names() []string {
	out := make([]string, 0, len(Registry))
	for k := range Registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Options controls how "<Name>Val" datasets are derived.
type Options struct {
	ValFraction float64
	MaxVal      int
	Seed        int64
}

func DefaultOptions() Options {
	return Options{ValFraction: 0.1, MaxVal: 5000, Seed: 0}
}

// Get resolves name under root. A name ending in "Val" that is not itself
// registered is built by splitting the base dataset's train split.
func Get(name, root string, opts Options) (*Dataset, error) {
	if ctor, ok := Registry[name]; ok {
		return ctor(root)
	}
	base, isVal := strings.CutSuffix(name, ValSuffix)
	if !isVal {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownDataset, name, strings.Join(Names(), ", "))
	}
	ds, err := Get(base, root, opts)
	if err != nil {
		return nil, err
	}
	return SplitTrainVal(ds, name, opts.ValFraction, opts.MaxVal, opts.Seed)
}

// SplitTrainVal carves a validation split out of ds.Train. The validation
// size is floor(len·valFraction), capped at maxVal when maxVal > 0. The
// permutation is fixed by seed.
func SplitTrainVal(ds *Dataset, name string, valFraction float64, maxVal int, seed int64) (*Dataset, error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, fmt.Errorf("dataset: val fraction %g outside (0, 1)", valFraction)
	}
	total := ds.Train.Len()
	valSize := int(float64(total) * valFraction)
	if maxVal > 0 {
		valSize = min(valSize, maxVal)
	}
	trainSize := total - valSize
	if valSize <= 0 || trainSize <= 0 {
		return nil, fmt.Errorf("%w: %s has %d training rows", ErrEmptySplit, ds.Name, total)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(total)
	return &Dataset{
		Name:       name,
		Train:      ds.Train.Subset(perm[:trainSize]),
		Test:       ds.Train.Subset(perm[trainSize:]),
		ClassNames: slices.Clone(ds.ClassNames),
	}, nil
}

func cached(e entry) Constructor {
	return func(root string) (*Dataset, error) {
		base := filepath.Join(root, e.dir)
		train, names, err := LoadSplit(filepath.Join(base, "train.safetensors"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		test, _, err := LoadSplit(filepath.Join(base, "test.safetensors"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		if train.Dim() != test.Dim() {
			return nil, fmt.Errorf("%s: train width %d, test width %d", e.name, train.Dim(), test.Dim())
		}
		if len(names) == 0 {
			names = make([]string, e.classes)
			for i := range names {
				names[i] = fmt.Sprintf("class_%d", i)
			}
		}
		if len(names) != e.classes {
			return nil, fmt.Errorf("%s: cache lists %d classes, want %d", e.name, len(names), e.classes)
		}
		return &Dataset{Name: e.name, Train: train, Test: test, ClassNames: names}, nil
	}
}

// SplitPath returns where the cached split of a registered dataset lives.
// "<Name>Val" resolves to its base dataset.
func SplitPath(root, name, split string) (string, error) {
	base, _ := strings.CutSuffix(name, ValSuffix)
	for _, e := range catalog {
		if e.name == base {
			return filepath.Join(root, e.dir, split+".safetensors"), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataset, name)
}

// LoadSplit reads one cached split and the class names stored with it.
func LoadSplit(path string) (*Split, []string, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, err
	}
	feats, err := f.ReadTensor(keyFeatures)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	n, _, err := feats.Dims()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: features: %w", path, err)
	}
	labels, err := f.ReadTensor(keyLabels)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if labels.DType != tensor.DTypeI64 || labels.Numel() != n {
		return nil, nil, fmt.Errorf("%s: labels must be %d I64 values, got %s%v", path, n, labels.DType, labels.Shape)
	}
	s := &Split{Features: feats, Labels: make([]int, n)}
	for i := range s.Labels {
		s.Labels[i] = int(labels.Int64At(i))
	}

	var names []string
	if raw, ok := f.Metadata[metaClassName]; ok {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, nil, fmt.Errorf("%s: class names: %w", path, err)
		}
	}
	return s, names, nil
}

// SaveSplit writes s as a feature cache file. classNames may be nil.
func SaveSplit(path string, s *Split, classNames []string) error {
	vals := make([]int64, len(s.Labels))
	for i, l := range s.Labels {
		vals[i] = int64(l)
	}
	labels, err := tensor.Int64s([]int{len(vals)}, vals)
	if err != nil {
		return err
	}
	meta := map[string]string{}
	if classNames != nil {
		b, err := json.Marshal(classNames)
		if err != nil {
			return err
		}
		meta[metaClassName] = string(b)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return safetensors.Write(path, []safetensors.Entry{
		{Name: keyFeatures, Tensor: s.Features},
		{Name: keyLabels, Tensor: labels},
	}, meta)
}
