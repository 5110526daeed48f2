package dataset

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/taskarith/internal/tensor"
)

func writeCache(t *testing.T, root, name string, n, dim, classes int) {
	t.Helper()
	for _, split := range []string{"train", "test"} {
		s := &Split{Features: tensor.Zeros(n, dim), Labels: make([]int, n)}
		for r := 0; r < n; r++ {
			s.Features.Data[r*dim] = float32(r) // row id
			s.Labels[r] = r % classes
		}
		path, err := SplitPath(root, name, split)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		if split == "train" {
			for c := 0; c < classes; c++ {
				names = append(names, "digit")
			}
		}
		if err := SaveSplit(path, s, names); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRegistryNames(t *testing.T) {
	t.Parallel()
	want := []string{"CIFAR10", "CIFAR100", "Cars", "DTD", "EuroSAT", "GTSRB", "ImageNet", "MNIST", "RESISC45", "STL10", "SUN397", "SVHN"}
	if got := Names(); !slices.Equal(got, want) {
		t.Fatalf("Names() = %v", got)
	}
}

func TestGetCachedDataset(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCache(t, root, "MNIST", 50, 4, 10)
	ds, err := Get("MNIST", root, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if ds.Train.Len() != 50 || ds.Test.Len() != 50 || ds.NumClasses() != 10 || ds.Train.Dim() != 4 {
		t.Fatalf("unexpected dataset %s: train %d test %d classes %d", ds.Name, ds.Train.Len(), ds.Test.Len(), ds.NumClasses())
	}
	if ds.Train.Labels[13] != 3 {
		t.Fatalf("label 13 = %d", ds.Train.Labels[13])
	}
}

func TestGetValSplit(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeCache(t, root, "MNIST", 50, 4, 10)
	a, err := Get("MNISTVal", root, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "MNISTVal" || a.Train.Len() != 45 || a.Test.Len() != 5 {
		t.Fatalf("split sizes train %d val %d", a.Train.Len(), a.Test.Len())
	}

	seen := map[float32]bool{}
	for _, s := range []*Split{a.Train, a.Test} {
		for r := 0; r < s.Len(); r++ {
			id := s.Features.Row(r)[0]
			if seen[id] {
				t.Fatalf("row %g appears twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 50 {
		t.Fatalf("split covers %d rows, want 50", len(seen))
	}

	b, err := Get("MNISTVal", root, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(a.Test.Features, b.Test.Features) {
		t.Fatal("validation split is not deterministic")
	}

	capped, err := Get("MNISTVal", root, Options{ValFraction: 0.5, MaxVal: 3})
	if err != nil {
		t.Fatal(err)
	}
	if capped.Test.Len() != 3 {
		t.Fatalf("capped val size %d", capped.Test.Len())
	}
}

func TestGetErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if _, err := Get("Omniglot", root, DefaultOptions()); !errors.Is(err, ErrUnknownDataset) {
		t.Fatalf("expected ErrUnknownDataset, got %v", err)
	}
	if _, err := Get("CIFAR10", root, DefaultOptions()); err == nil {
		t.Fatal("expected error for missing cache")
	}
	writeCache(t, root, "DTD", 5, 2, 47)
	if _, err := Get("DTDVal", root, Options{ValFraction: 0.1}); !errors.Is(err, ErrEmptySplit) {
		t.Fatalf("expected ErrEmptySplit, got %v", err)
	}
}

func TestLoaderDeterministic(t *testing.T) {
	t.Parallel()

	s := &Split{Features: tensor.Zeros(10, 2), Labels: make([]int, 10)}
	for i := range s.Labels {
		s.Labels[i] = i
	}
	collect := func(l *Loader) []int {
		var out []int
		for {
			b, ok := l.Next()
			if !ok {
				return out
			}
			out = append(out, b.Labels...)
		}
	}

	a := NewLoader(s, 4, true, 7)
	b := NewLoader(s, 4, true, 7)
	if a.NumBatches() != 3 {
		t.Fatalf("NumBatches = %d", a.NumBatches())
	}
	first := collect(a)
	if !slices.Equal(first, collect(b)) {
		t.Fatal("same seed produced different orders")
	}
	sorted := slices.Clone(first)
	slices.Sort(sorted)
	if !slices.Equal(sorted, s.Labels) {
		t.Fatalf("epoch did not visit every row once: %v", first)
	}
	if a.Epoch() != 1 {
		t.Fatalf("epoch = %d", a.Epoch())
	}

	plain := collect(NewLoader(s, 3, false, 0))
	if !slices.Equal(plain, s.Labels) {
		t.Fatalf("unshuffled order %v", plain)
	}

	c := NewLoader(s, 4, false, 0)
	for i := 0; i < 4; i++ {
		if c.Cycle().Len() == 0 {
			t.Fatal("Cycle returned an empty batch")
		}
	}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()
	got, err := SplitPath("/cache", "CarsVal", "train")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join("/cache", "stanford_cars", "train.safetensors") {
		t.Fatalf("SplitPath = %s", got)
	}
}

func TestSampleAndConcat(t *testing.T) {
	t.Parallel()

	a := &Split{Features: tensor.MustFromData([]int{3, 2}, []float32{0, 0, 1, 1, 2, 2}), Labels: []int{0, 1, 2}}
	b := &Split{Features: tensor.MustFromData([]int{1, 2}, []float32{9, 9}), Labels: []int{7}}

	if got := a.Sample(10, 1); got != a {
		t.Fatal("oversized sample should return the split itself")
	}
	if got := a.Sample(2, 1); got.Len() != 2 {
		t.Fatalf("sample has %d rows", got.Len())
	}

	c, src, err := Concat(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 4 || !slices.Equal(src, []int{0, 0, 0, 1}) || c.Features.Row(3)[0] != 9 || c.Labels[3] != 7 {
		t.Fatalf("concat = %v %v %v", c.Features.Data, c.Labels, src)
	}

	wide := &Split{Features: tensor.Zeros(1, 3), Labels: []int{0}}
	if _, _, err := Concat(a, wide); err == nil {
		t.Fatal("expected width mismatch error")
	}
}
