package dataset

import (
	"math/rand"
	"slices"

	"github.com/samcharles93/taskarith/internal/tensor"
)

// Batch is one slice of a split.
type Batch struct {
	Inputs *tensor.Tensor
	Labels []int
	Index  []int // rows of the source split
}

func (b Batch) Len() int { return len(b.Labels) }

// Loader yields batches over a split. With shuffling on, each epoch draws a
// new permutation from a generator seeded once, so two loaders built with
// the same seed produce the same batch sequence.
type Loader struct {
	split   *Split
	size    int
	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
	epoch   int
}

func NewLoader(s *Split, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	l := &Loader{
		split:   s,
		size:    batchSize,
		shuffle: shuffle,
		rng:     rand.New(rand.NewSource(seed)),
	}
	l.reset()
	return l
}

func (l *Loader) reset() {
	n := l.split.Len()
	if l.shuffle {
		l.order = l.rng.Perm(n)
	} else {
		l.order = make([]int, n)
		for i := range l.order {
			l.order[i] = i
		}
	}
	l.pos = 0
}

// NumBatches returns the number of batches per epoch, the last one possibly
// short.
func (l *Loader) NumBatches() int {
	return (l.split.Len() + l.size - 1) / l.size
}

// Epoch returns how many full passes have completed.
func (l *Loader) Epoch() int { return l.epoch }

// Next returns the next batch of the current epoch, or false once the epoch
// is exhausted. The following call starts a new epoch.
func (l *Loader) Next() (Batch, bool) {
	if l.pos >= len(l.order) {
		l.epoch++
		l.reset()
		return Batch{}, false
	}
	end := min(l.pos+l.size, len(l.order))
	idx := l.order[l.pos:end]
	l.pos = end
	sub := l.split.Subset(idx)
	return Batch{Inputs: sub.Features, Labels: sub.Labels, Index: slices.Clone(idx)}, true
}

// Cycle is Next that rolls over into the next epoch instead of reporting
// its end. Training loops that count steps rather than epochs use it. An
// empty split yields an empty batch.
func (l *Loader) Cycle() Batch {
	if b, ok := l.Next(); ok {
		return b
	}
	b, _ := l.Next()
	return b
}
